// Package server is the remote end of a session. It announces itself,
// polls the session for commands, runs each new command once and publishes
// its output as a result object.
package server

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/engine"
	"github.com/s3rat/s3rat/pkg/identity"
	"github.com/s3rat/s3rat/pkg/internal/logfields"
	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/s3rat/s3rat/pkg/mailbox"
	"github.com/s3rat/s3rat/pkg/message"
	"github.com/s3rat/s3rat/pkg/store"
	"github.com/sirupsen/logrus"
)

// Config controls the server's pacing.
type Config struct {
	// StartupDelay is waited between publishing the identity and the
	// readiness marker.
	StartupDelay time.Duration
	// PollInterval is the fixed sleep between polls.
	PollInterval time.Duration
	// MetricsTextfile, when set, receives the metrics after every poll.
	MetricsTextfile string
}

// DefaultConfig waits 10 seconds before announcing and polls every 5.
func DefaultConfig() Config {
	return Config{
		StartupDelay: 10 * time.Second,
		PollInterval: 5 * time.Second,
	}
}

// Engines maps each runnable kind to the engine that runs it.
type Engines map[message.Kind]engine.Engine

// Server serves one session.
type Server struct {
	log      logging.Logger
	mb       *mailbox.Mailbox
	engines  Engines
	cfg      Config
	out      io.Writer
	identity *identity.Document
	metrics  *Metrics

	// notify reports service state to systemd.
	notify func(state string) (bool, error)
}

// New returns a server on mb.
func New(mb *mailbox.Mailbox, engines Engines, cfg Config, out io.Writer, log logging.Logger) *Server {
	return &Server{
		log:     log,
		mb:      mb,
		engines: engines,
		cfg:     cfg,
		out:     out,
		metrics: NewMetrics(),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

// SetIdentity sets the document published when the server announces
// itself.
func (s *Server) SetIdentity(doc *identity.Document) {
	s.identity = doc
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run announces the server and then polls until ctx is done. Errors from
// the store end the run.
func (s *Server) Run(ctx context.Context) error {
	s.log.WithFields(logfields.Session(s.mb.Session())).Info("serving session")
	if err := s.Announce(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		if err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.writeMetrics()

		s.log.WithField("interval", s.cfg.PollInterval).Debug("sleeping")
		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("stopping")
			return nil
		case <-timer.C:
		}
	}
}

// Announce publishes the identity document, waits out the startup delay
// and publishes the readiness marker.
func (s *Server) Announce(ctx context.Context) error {
	if s.identity != nil {
		body, err := s.identity.Marshal()
		if err != nil {
			return errors.Wrap(err, "encode identity")
		}
		if err := s.mb.UploadAs(ctx, message.ServerIdentity, body, store.ContentTypeJSON); err != nil {
			return errors.WithMessage(err, "publish identity")
		}
	}

	if s.cfg.StartupDelay > 0 {
		s.log.WithField("delay", s.cfg.StartupDelay).Info("delaying readiness")
		timer := time.NewTimer(s.cfg.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.mb.Upload(ctx, message.ServerReady, message.ServerReadyBody); err != nil {
		return errors.WithMessage(err, "publish readiness")
	}
	if sent, err := s.notify(daemon.SdNotifyReady); err != nil {
		s.log.WithError(err).Warn("unable to notify systemd")
	} else if sent {
		s.log.Debug("notified systemd of readiness")
	}
	s.log.Info("server is ready")
	return nil
}

// Cycle polls the session once and handles every new object. Each object
// is remembered once handled, whatever the outcome, so it is acted on at
// most once.
func (s *Server) Cycle(ctx context.Context) error {
	names, err := s.mb.Check(ctx)
	if err != nil {
		return errors.WithMessage(err, "check for commands")
	}
	s.metrics.cycle(time.Now())

	for _, name := range names {
		err := s.handle(ctx, name)
		s.mb.Remember(name)
		if err != nil {
			return errors.WithMessagef(err, "handle %s", name)
		}
	}
	return nil
}

func (s *Server) handle(ctx context.Context, name string) error {
	kind := message.KindOf(name)
	log := s.log.WithFields(logrus.Fields{
		"name": name,
		"kind": kind,
	})
	fmt.Fprintln(s.out, "New Command:", name)
	s.metrics.command(kind)

	eng, ok := s.engines[kind]
	if !ok {
		log.WithError(message.ErrUnknownKind).Error("unknown file type, no result will be published")
		return nil
	}

	body, err := s.mb.Download(ctx, name)
	if err != nil {
		return err
	}

	log.Info("executing")
	output, err := eng.Exec(ctx, body)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		log.WithError(err).Error("execution failed")
		s.metrics.failure(kind)
		output = withFailure(output, err)
	}
	if output == "" {
		log.Info("command produced no output, no result published")
		return nil
	}

	if err := s.mb.Upload(ctx, message.ResultName(name), output); err != nil {
		return err
	}
	s.metrics.result()
	fmt.Fprintln(s.out, "Completed:", name)
	return nil
}

// withFailure appends a note describing err to the captured output so the
// operator learns why the command ended.
func withFailure(output string, err error) string {
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return output + "s3rat: " + err.Error() + "\n"
}

func (s *Server) writeMetrics() {
	if s.cfg.MetricsTextfile == "" {
		return
	}
	if err := s.metrics.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
		s.log.WithError(err).WithField("path", s.cfg.MetricsTextfile).Warn("unable to write metrics")
	}
}
