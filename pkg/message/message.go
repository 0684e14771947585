// Package message names the objects exchanged inside a session: commands
// written by the client, results written by the server, and the server's
// well-known announcements.
package message

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// ServerReady is written once by the server when it accepts commands.
	ServerReady = "0_server_ready.txt"
	// ServerIdentity describes the host the server runs on.
	ServerIdentity = "0_server_identity.json"

	// ServerReadyBody is the content of the readiness marker.
	ServerReadyBody = "server is ready"

	// CommandExt marks a command line submitted without a script file.
	CommandExt = "cmd"
	// ResultExt replaces the command extension on the result object.
	ResultExt = "result"

	// StampLayout is the UTC time-of-day stamp leading command names.
	StampLayout = "150405Z"
)

var (
	// ErrUnknownKind is reported for objects no engine can run.
	ErrUnknownKind = errors.New("unknown message type")
	// ErrReservedName is returned for script names that collide with
	// result names.
	ErrReservedName = errors.New("name is reserved for results")
)

// Kind selects how the server runs an object.
type Kind int

const (
	Unknown Kind = iota
	Shell
	Interpreted
)

func (k Kind) String() string {
	switch k {
	case Shell:
		return "shell"
	case Interpreted:
		return "interpreted"
	default:
		return "unknown"
	}
}

// KindOf resolves the Kind of an object from the extension of its name.
// Command lines (.cmd) are shell input.
func KindOf(name string) Kind {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")) {
	case CommandExt, "sh":
		return Shell
	case "py":
		return Interpreted
	default:
		return Unknown
	}
}

// IsResult reports whether name carries the result extension. Such a name
// cannot be sent as a command: its result name would be itself.
func IsResult(name string) bool {
	return strings.EqualFold(strings.TrimPrefix(path.Ext(name), "."), ResultExt)
}

// ResultName derives the result object name for a command object name by
// replacing its final extension with "result".
func ResultName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[:i]
	}
	return name + "." + ResultExt
}

// Stamp formats t as the UTC time-of-day used to prefix names.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampLayout)
}

// Namer issues command object names from the current UTC time. Names issued
// within the same second are made distinct with a counter suffix on the
// stamp, so "090000Z.cmd" is followed by "090000Z-2.cmd".
type Namer struct {
	// Now is the clock names are derived from.
	Now func() time.Time

	mu    sync.Mutex
	last  string
	count int
}

// NewNamer returns a Namer on the wall clock.
func NewNamer() *Namer {
	return &Namer{Now: time.Now}
}

func (n *Namer) stamp() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	stamp := Stamp(n.Now())
	if stamp == n.last {
		n.count++
		return fmt.Sprintf("%s-%d", stamp, n.count)
	}
	n.last = stamp
	n.count = 1
	return stamp
}

// Command returns the name for a command line.
func (n *Namer) Command() string {
	return n.stamp() + "." + CommandExt
}

// Script returns the name for a script file; only the base name of
// filename is kept so that it stays a single key segment.
func (n *Namer) Script(filename string) string {
	return n.stamp() + "_" + path.Base(strings.ReplaceAll(filename, "\\", "/"))
}
