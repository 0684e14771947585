// Package prompt reads operator input for the interactive client.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Reader returns one line per call. io.EOF means the operator is done,
// whether by end of input or by interrupting at the prompt.
type Reader interface {
	ReadLine(prompt string) (string, error)
}

// New returns a terminal line editor when in is a terminal and a plain line
// reader otherwise.
func New(in *os.File, out io.Writer) Reader {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		return &Terminal{fd: fd, term: term.NewTerminal(readWriter{in, out}, "")}
	}
	return NewLines(in, out)
}

// Lines reads newline separated input from a stream.
type Lines struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewLines returns a Reader over in that writes prompts to out.
func NewLines(in io.Reader, out io.Writer) *Lines {
	return &Lines{scanner: bufio.NewScanner(in), out: out}
}

func (l *Lines) ReadLine(prompt string) (string, error) {
	fmt.Fprint(l.out, prompt)
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimRight(l.scanner.Text(), "\r"), nil
}

// Terminal edits lines on a raw mode terminal. Raw mode is held only while
// a line is being read so that output printed between prompts renders
// normally. ^C and ^D on an empty line end input.
type Terminal struct {
	fd   int
	term *term.Terminal
}

func (t *Terminal) ReadLine(prompt string) (string, error) {
	state, err := term.MakeRaw(t.fd)
	if err != nil {
		return "", err
	}
	defer term.Restore(t.fd, state)

	t.term.SetPrompt(prompt)
	return t.term.ReadLine()
}

type readWriter struct {
	io.Reader
	io.Writer
}
