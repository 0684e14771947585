// Package session scopes objects in a flat store to one client/server
// conversation. A session lives under
//
//	[app prefix/]<year>/<month>/<day>/<HHMMSSZ>_<token>/
//
// and every object exchanged in the conversation is a direct child of that
// prefix.
package session

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/s3rat/s3rat/pkg/message"
	"github.com/s3rat/s3rat/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	// TokenLength is the length of a minted session token.
	TokenLength = 8

	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	separator     = "/"
)

var (
	// ErrSessionNotFound is returned when no session under the day prefix
	// matches the requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionAmbiguous is returned when more than one session matches.
	ErrSessionAmbiguous = errors.New("session id is ambiguous")
)

// Address derives session prefixes for one bucket and day.
type Address struct {
	Bucket    string
	AppPrefix string
	// Created fixes the day prefix and the stamp of minted sessions.
	Created time.Time
	// Token mints new session tokens.
	Token func() (string, error)

	store store.Store
	log   logging.Logger
}

// NewAddress returns an Address rooted at the UTC date of now.
func NewAddress(st store.Store, bucket, appPrefix string, now time.Time, log logging.Logger) *Address {
	return &Address{
		Bucket:    bucket,
		AppPrefix: strings.Trim(appPrefix, separator),
		Created:   now.UTC(),
		Token:     NewToken,
		store:     st,
		log:       log,
	}
}

// DayPrefix is the key prefix shared by every session created on the
// Address's day. Month and day are not zero padded.
func (a *Address) DayPrefix() string {
	var parts []string
	if a.AppPrefix != "" {
		parts = append(parts, a.AppPrefix)
	}
	parts = append(parts,
		strconv.Itoa(a.Created.Year()),
		strconv.Itoa(int(a.Created.Month())),
		strconv.Itoa(a.Created.Day()))
	return strings.Join(parts, separator)
}

// Start resolves the session named by id or, when id is empty, mints a new
// one. A session matches id when its name is id or ends with "_" + id.
func (a *Address) Start(ctx context.Context, id string) (*Session, error) {
	var name string
	if id != "" {
		var err error
		name, err = a.resolve(ctx, id)
		if err != nil {
			return nil, err
		}
	} else {
		token, err := a.Token()
		if err != nil {
			return nil, errors.WithMessage(err, "mint session token")
		}
		id = token
		name = message.Stamp(a.Created) + "_" + token
	}

	s := &Session{
		Bucket:    a.Bucket,
		DayPrefix: a.DayPrefix(),
		ID:        id,
		Name:      name,
		store:     a.store,
		log:       a.log,
	}
	s.Prefix = s.DayPrefix + separator + name
	a.log.WithFields(logrus.Fields{
		"bucket": s.Bucket,
		"prefix": s.Prefix,
	}).Info("session established")
	return s, nil
}

func (a *Address) resolve(ctx context.Context, id string) (string, error) {
	root := a.DayPrefix() + separator
	prefixes, err := a.store.ListPrefixes(ctx, root, separator)
	if err != nil {
		return "", errors.WithMessage(err, "list sessions")
	}
	var matches []string
	for _, p := range prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, root), separator)
		if name == id || strings.HasSuffix(name, "_"+id) {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.Wrapf(ErrSessionNotFound, "session %q under %s", id, root)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Wrapf(ErrSessionAmbiguous, "session %q matches %s", id, strings.Join(matches, ", "))
	}
}

// NewToken returns a random alphanumeric session token.
func NewToken() (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	var sb strings.Builder
	for i := 0; i < TokenLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(tokenAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Session is one resolved conversation. Its prefix never changes.
type Session struct {
	Bucket    string
	DayPrefix string
	// ID is the short id operators pass to the client.
	ID string
	// Name is the session's key segment, "<HHMMSSZ>_<token>".
	Name string
	// Prefix is the full key prefix of the session's objects.
	Prefix string

	store store.Store
	log   logging.Logger
}

// Key returns the store key of the named object.
func (s *Session) Key(name string) string {
	return s.Prefix + separator + name
}

// ObjectName strips the session prefix from key; ok is false for keys outside
// the session or nested below it.
func (s *Session) ObjectName(key string) (name string, ok bool) {
	root := s.Prefix + separator
	if !strings.HasPrefix(key, root) {
		return "", false
	}
	name = key[len(root):]
	if name == "" || strings.Contains(name, separator) {
		return "", false
	}
	return name, true
}

// Put writes a named object in the session.
func (s *Session) Put(ctx context.Context, name string, body []byte, contentType string) error {
	s.log.WithField("name", name).Info("upload object")
	return s.store.Put(ctx, s.Key(name), body, contentType)
}

// Get reads a named object from the session.
func (s *Session) Get(ctx context.Context, name string) ([]byte, error) {
	s.log.WithField("name", name).Info("download object")
	return s.store.Get(ctx, s.Key(name))
}

// List returns the objects currently in the session.
func (s *Session) List(ctx context.Context) (*store.Listing, error) {
	return s.store.List(ctx, s.Prefix+separator)
}
