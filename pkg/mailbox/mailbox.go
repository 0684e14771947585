// Package mailbox turns repeated listings of a session into a stream of new
// objects. The store records nothing about who wrote an object, so the
// mailbox remembers what this process uploaded and what it has already
// handled; both sets only grow.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/s3rat/s3rat/pkg/session"
	"github.com/s3rat/s3rat/pkg/store"
	"github.com/sirupsen/logrus"
)

// Mailbox tracks the objects of one session. A Mailbox must not be shared
// between sessions.
type Mailbox struct {
	sess *session.Session
	log  logging.Logger

	mu        sync.Mutex
	known     map[string]struct{}
	uploaded  map[string]struct{}
	lastCheck time.Time
}

// New returns an empty Mailbox for sess.
func New(sess *session.Session, log logging.Logger) *Mailbox {
	return &Mailbox{
		sess:     sess,
		log:      log,
		known:    make(map[string]struct{}),
		uploaded: make(map[string]struct{}),
	}
}

// Session returns the session the mailbox tracks.
func (m *Mailbox) Session() *session.Session {
	return m.sess
}

// Check lists the session and returns, in listing order, the names of
// objects that were neither uploaded by this mailbox nor remembered.
// Returned names are reported again by later calls until they are
// remembered.
func (m *Mailbox) Check(ctx context.Context) ([]string, error) {
	listing, err := m.sess.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var fresh []string
	for _, obj := range listing.Objects {
		name, ok := m.sess.ObjectName(obj.Key)
		if !ok {
			continue
		}
		if m.seen(name) {
			m.log.WithField("name", name).Debug("object is not new")
			continue
		}
		m.log.WithFields(logrus.Fields{
			"name":         name,
			"lastModified": obj.LastModified,
		}).Info("found new object")
		fresh = append(fresh, name)
	}
	if !listing.Date.IsZero() {
		m.lastCheck = listing.Date
	}
	return fresh, nil
}

func (m *Mailbox) seen(name string) bool {
	if _, ok := m.uploaded[name]; ok {
		return true
	}
	_, ok := m.known[name]
	return ok
}

// LastCheck is the store's clock at the most recent Check. It is kept for
// diagnostics only.
func (m *Mailbox) LastCheck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}

// Remember excludes name from every later Check.
func (m *Mailbox) Remember(name string) {
	m.mu.Lock()
	m.known[name] = struct{}{}
	m.mu.Unlock()
}

// Upload writes a text object and excludes it from every later Check so
// the writer never rediscovers its own message.
func (m *Mailbox) Upload(ctx context.Context, name, body string) error {
	return m.UploadAs(ctx, name, []byte(body), store.ContentTypeText)
}

// UploadAs is Upload with an explicit content type.
func (m *Mailbox) UploadAs(ctx context.Context, name string, body []byte, contentType string) error {
	if err := m.sess.Put(ctx, name, body, contentType); err != nil {
		return err
	}
	m.mu.Lock()
	m.uploaded[name] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Download returns the text of a named object.
func (m *Mailbox) Download(ctx context.Context, name string) (string, error) {
	body, err := m.sess.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// WaitFor blocks until the named object exists; see
// session.WaitUntilExists.
func (m *Mailbox) WaitFor(ctx context.Context, name string, delay time.Duration, attempts int) error {
	return m.sess.WaitUntilExists(ctx, name, delay, attempts)
}
