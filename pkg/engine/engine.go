// Package engine runs command text received over a session and returns the
// text it produced.
//
// Every variant runs the text in a child process. Commands come from
// whoever can write to the session's prefix in the bucket; they run
// unsandboxed with the server's privileges, so bucket write access is
// equivalent to code execution on the server host.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds a single execution.
	DefaultTimeout = 60 * time.Second
	// DefaultShell runs shell commands and .sh scripts.
	DefaultShell = "sh"
	// DefaultInterpreter runs .py scripts.
	DefaultInterpreter = "python3"

	// waitDelay bounds how long output pipes held open by orphaned
	// grandchildren may delay the return after a kill.
	waitDelay = 2 * time.Second
)

// ErrExecutionTimeout is returned when a run exceeds its wall-clock bound.
var ErrExecutionTimeout = errors.New("execution timed out")

// Engine runs text and returns its captured output.
type Engine interface {
	Exec(ctx context.Context, text string) (string, error)
}

// ExitError reports a run that ended with a non-zero status.
type ExitError struct {
	Program string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Program, e.Code)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Process feeds text to an external program on its stdin and captures what
// it writes. The capture buffers belong to a single call.
type Process struct {
	Program string
	Args    []string
	Timeout time.Duration
	// CombinedOutput captures stderr interleaved with stdout. Otherwise
	// stderr is only surfaced through an ExitError.
	CombinedOutput bool
	// FailOnExit reports a non-zero exit status as an ExitError. Otherwise
	// the output is returned as is.
	FailOnExit bool

	log logging.Logger
}

// NewShell returns the shell variant: combined output, exit status
// ignored.
func NewShell(program string, timeout time.Duration, log logging.Logger) *Process {
	if program == "" {
		program = DefaultShell
	}
	return &Process{
		Program:        program,
		Timeout:        timeout,
		CombinedOutput: true,
		log:            log,
	}
}

// NewInterpreted returns the script interpreter variant: the script is read
// from stdin, only stdout is captured, and a failing script is an error.
func NewInterpreted(program string, timeout time.Duration, log logging.Logger) *Process {
	if program == "" {
		program = DefaultInterpreter
	}
	return &Process{
		Program:    program,
		Args:       []string{"-"},
		Timeout:    timeout,
		FailOnExit: true,
		log:        log,
	}
}

// Exec runs text. On timeout or failure the output captured so far is
// returned alongside the error.
func (p *Process) Exec(ctx context.Context, text string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.Program, p.Args...)
	cmd.Stdin = strings.NewReader(text)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if p.CombinedOutput {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	log := p.log.WithFields(logrus.Fields{
		"cmd":     cmd.String(),
		"timeout": timeout,
	})
	log.Debug("executing")

	err := cmd.Run()
	output := stdout.String()
	switch {
	case ctx.Err() != nil:
		return output, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		log.WithField("output", output).Error("execution timed out")
		return output, errors.Wrapf(ErrExecutionTimeout, "%s after %s", p.Program, timeout)
	case err == nil:
		log.WithField("output", output).Debug("command completed successfully")
		return output, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		log.WithError(err).Error("failed to start command")
		return output, errors.Wrapf(err, "run %s", p.Program)
	}
	log = log.WithField("code", exitErr.ExitCode())
	if !p.FailOnExit {
		log.Warn("command exited with non-zero status")
		return output, nil
	}
	log.WithField("stderr", stderr.String()).Error("command failed")
	return output, &ExitError{Program: p.Program, Code: exitErr.ExitCode(), Stderr: stderr.String()}
}
