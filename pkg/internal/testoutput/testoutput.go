package testoutput

import (
	"io"
	"os"
	"testing"

	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/sirupsen/logrus"
)

// New returns a writer that writes strings (assuming lines) to the testing
// logger.
func New(t testing.TB) io.Writer {
	return &testoutput{t}
}

// Logger returns a component logger whose output lands in the test log.
func Logger(t testing.TB, component string) logging.Logger {
	logging.Set(Setter(t))
	t.Cleanup(func() { logging.Set(Revert()) })
	return logging.New(component)
}

// Setter may be given to logging to configure the output to be sent to the
// testing facade to be interlaced with test output. Parallel tests would
// write to each other's output with this set.
func Setter(t testing.TB) func(*logrus.Logger) error {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert restores the logger output to write to stderr.
func Revert() func(*logrus.Logger) error {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.InfoLevel)
		return nil
	}
}

type testoutput struct {
	t testing.TB
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.t.Logf("%s", p)
	return len(p), nil
}
