package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrTimeout is matched by every TimeoutError.
var ErrTimeout = errors.New("timed out waiting for object")

// TimeoutError reports an object that did not appear within the bounded
// number of existence checks.
type TimeoutError struct {
	Name     string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for object %q after %d attempts", e.Name, e.Attempts)
}

// Is lets errors.Is match ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// WaitUntilExists checks for the named object up to maxAttempts times,
// delay apart, and returns a *TimeoutError if it never appears. It does not
// sleep after the final attempt. ctx cancellation ends the wait early with
// ctx's error. Stores that implement store.Waiter do the waiting
// themselves.
func (s *Session) WaitUntilExists(ctx context.Context, name string, delay time.Duration, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := s.log.WithFields(logrus.Fields{
		"name":     name,
		"delay":    delay,
		"attempts": maxAttempts,
	})
	log.Info("wait for object")

	key := s.Key(name)
	if w, ok := store.AsWaiter(s.store); ok {
		err := w.WaitUntilExists(ctx, key, delay, maxAttempts)
		switch {
		case err == nil:
			log.Debug("object exists")
			return nil
		case ctx.Err() != nil:
			return errors.Wrapf(ctx.Err(), "waiting for %q", name)
		case errors.Is(err, store.ErrNotReady):
			return &TimeoutError{Name: name, Attempts: maxAttempts}
		default:
			return errors.WithMessagef(err, "waiting for %q", name)
		}
	}

	for attempt := 1; ; attempt++ {
		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			return errors.WithMessagef(err, "waiting for %q", name)
		}
		if exists {
			log.WithField("attempt", attempt).Debug("object exists")
			return nil
		}
		if attempt >= maxAttempts {
			return &TimeoutError{Name: name, Attempts: attempt}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "waiting for %q", name)
		case <-timer.C:
		}
	}
}
