// Package store is the object store surface the channel is built on: put,
// get, list and existence checks against a flat key space. Nothing in the
// store pushes events, so every higher level notification is a poll.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Content types written by the channel.
const (
	ContentTypeText = "text/plain;charset=UTF-8"
	ContentTypeJSON = "application/json"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the minimal capability set required of a remote object store.
type Store interface {
	// Put writes body under key. Objects are never overwritten by the
	// protocol, so implementations may treat key as write-once.
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get returns the body stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns a single page of objects beneath prefix in key order.
	List(ctx context.Context, prefix string) (*Listing, error)
	// ListPrefixes returns the distinct key prefixes found beneath prefix
	// up to and including the next delimiter.
	ListPrefixes(ctx context.Context, prefix, delimiter string) ([]string, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrNotReady is returned by a Waiter that gave up before the object
// appeared.
var ErrNotReady = errors.New("object did not appear")

// Waiter is implemented by stores that can block until a key exists. Stores
// without it are polled with Exists.
type Waiter interface {
	// WaitUntilExists checks for key up to maxAttempts times, delay apart,
	// and returns ErrNotReady if it never appears.
	WaitUntilExists(ctx context.Context, key string, delay time.Duration, maxAttempts int) error
}

// AsWaiter returns the Waiter behind s, looking through wrapping stores.
func AsWaiter(s Store) (Waiter, bool) {
	for s != nil {
		if w, ok := s.(Waiter); ok {
			return w, true
		}
		u, ok := s.(interface{ Unwrap() Store })
		if !ok {
			break
		}
		s = u.Unwrap()
	}
	return nil, false
}

// Object describes one listed object.
type Object struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Listing is a page of objects returned by List.
type Listing struct {
	Objects []Object
	// Truncated is set when the store holds more objects than were
	// returned.
	Truncated bool
	// Date is the store's own clock at response time, when reported.
	Date time.Time
}

// Keys returns the listed keys in order.
func (l *Listing) Keys() []string {
	keys := make([]string, 0, len(l.Objects))
	for _, obj := range l.Objects {
		keys = append(keys, obj.Key)
	}
	return keys
}

func warnTruncated(log logrus.FieldLogger, prefix string, returned int) {
	log.WithFields(logrus.Fields{
		"prefix":   prefix,
		"returned": returned,
	}).Warn("object listing is truncated, objects beyond the first page are not visible")
}
