// Package client drives the operator side of a session: it waits for the
// server to announce itself, submits commands or scripts, and waits for
// their results.
package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/identity"
	"github.com/s3rat/s3rat/pkg/internal/logfields"
	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/s3rat/s3rat/pkg/mailbox"
	"github.com/s3rat/s3rat/pkg/message"
	"github.com/s3rat/s3rat/pkg/prompt"
	"github.com/s3rat/s3rat/pkg/session"
	"github.com/s3rat/s3rat/pkg/store"
)

const exitCommand = "exit"

// Config bounds the client's waits.
type Config struct {
	ReadyDelay     time.Duration
	ReadyAttempts  int
	ResultDelay    time.Duration
	ResultAttempts int
}

// DefaultConfig polls every 5 seconds, 20 times, for both the server's
// readiness and each result.
func DefaultConfig() Config {
	return Config{
		ReadyDelay:     5 * time.Second,
		ReadyAttempts:  20,
		ResultDelay:    5 * time.Second,
		ResultAttempts: 20,
	}
}

// Request selects what the client does once the server is ready. With no
// Command and no Script the client runs interactively from Prompt.
type Request struct {
	Command    string
	ScriptName string
	Script     string
	Prompt     prompt.Reader
}

// Client is connected to one session.
type Client struct {
	log   logging.Logger
	mb    *mailbox.Mailbox
	namer *message.Namer
	cfg   Config
	out   io.Writer
}

// Connect resolves the session named by id under addr.
func Connect(ctx context.Context, addr *session.Address, id string, cfg Config, out io.Writer, log logging.Logger) (*Client, error) {
	sess, err := addr.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(out, "Found Session ID:", sess.ID)
	log.WithFields(logfields.Session(sess)).Debug("connected")
	return New(mailbox.New(sess, log), cfg, out, log), nil
}

// New returns a client on an existing mailbox.
func New(mb *mailbox.Mailbox, cfg Config, out io.Writer, log logging.Logger) *Client {
	return &Client{
		log:   log,
		mb:    mb,
		namer: message.NewNamer(),
		cfg:   cfg,
		out:   out,
	}
}

// Run waits for the server and then performs req.
func (c *Client) Run(ctx context.Context, req Request) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Server is ready")

	doc, err := c.Identity(ctx)
	switch {
	case err == nil:
		body, err := doc.Marshal()
		if err != nil {
			return errors.Wrap(err, "encode server identity")
		}
		fmt.Fprintln(c.out, "Server Info:")
		fmt.Fprintln(c.out, string(body))
	case errors.Is(err, store.ErrNotFound):
		c.log.Warn("server did not publish its identity")
	default:
		return err
	}

	switch {
	case req.Command != "":
		result, err := c.RunCommand(ctx, req.Command)
		if err != nil {
			return err
		}
		c.print(result)
		return nil
	case req.ScriptName != "":
		result, err := c.RunScript(ctx, req.ScriptName, req.Script)
		if err != nil {
			return err
		}
		c.print(result)
		return nil
	default:
		return c.Interactive(ctx, req.Prompt)
	}
}

// WaitReady blocks until the server's readiness marker exists.
func (c *Client) WaitReady(ctx context.Context) error {
	err := c.mb.WaitFor(ctx, message.ServerReady, c.cfg.ReadyDelay, c.cfg.ReadyAttempts)
	return errors.WithMessage(err, "server is not ready")
}

// Identity downloads the server's identity document.
func (c *Client) Identity(ctx context.Context) (*identity.Document, error) {
	body, err := c.mb.Download(ctx, message.ServerIdentity)
	if err != nil {
		return nil, err
	}
	doc, err := identity.Parse([]byte(body))
	return doc, errors.Wrap(err, "parse server identity")
}

// RunCommand submits a command line and returns its result.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	name := c.namer.Command()
	if err := c.Send(ctx, name, command); err != nil {
		return "", err
	}
	fmt.Fprintln(c.out, "Sent Command:", command)
	return c.Await(ctx, name)
}

// RunScript submits a script file's contents and returns its result. The
// file's extension selects how the server runs it.
func (c *Client) RunScript(ctx context.Context, filename, script string) (string, error) {
	if message.IsResult(filename) {
		return "", errors.Wrapf(message.ErrReservedName, "script %s", filename)
	}
	name := c.namer.Script(filename)
	if err := c.Send(ctx, name, script); err != nil {
		return "", err
	}
	fmt.Fprintln(c.out, "Sent Script:", name)
	return c.Await(ctx, name)
}

// Submit performs one command round: upload name, wait for its result and
// download it.
func (c *Client) Submit(ctx context.Context, name, body string) (string, error) {
	if err := c.Send(ctx, name, body); err != nil {
		return "", err
	}
	return c.Await(ctx, name)
}

// Send uploads a command object.
func (c *Client) Send(ctx context.Context, name, body string) error {
	return errors.WithMessagef(c.mb.Upload(ctx, name, body), "send %s", name)
}

// Await waits for the result of the named command and downloads it.
func (c *Client) Await(ctx context.Context, name string) (string, error) {
	resultName := message.ResultName(name)
	if err := c.mb.WaitFor(ctx, resultName, c.cfg.ResultDelay, c.cfg.ResultAttempts); err != nil {
		return "", err
	}
	c.mb.Remember(resultName)
	return c.mb.Download(ctx, resultName)
}

// Interactive prompts for commands until the operator types exit, input
// ends, or ctx is cancelled. A command whose result does not arrive in time
// is reported and the prompt returns.
func (c *Client) Interactive(ctx context.Context, lines prompt.Reader) error {
	fmt.Fprintf(c.out, "Entering interactive mode... (type '%s' to end)\n", exitCommand)
	defer fmt.Fprintln(c.out, " -- End -- ")

	for ctx.Err() == nil {
		line, err := lines.ReadLine(message.Stamp(c.namer.Now()) + " > ")
		if err == io.EOF {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read command")
		}

		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		if command == exitCommand {
			return nil
		}

		result, err := c.Submit(ctx, c.namer.Command(), line)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, session.ErrTimeout):
			c.log.WithError(err).Error("no result from server")
			fmt.Fprintln(c.out, "No result:", err)
		case err != nil:
			return err
		default:
			c.print(result)
		}
	}
	return nil
}

func (c *Client) print(result string) {
	fmt.Fprint(c.out, result)
	if !strings.HasSuffix(result, "\n") {
		fmt.Fprintln(c.out)
	}
}
