package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/store"
	"gotest.tools/assert"
)

type countingStore struct {
	*store.MemoryStore

	mu     sync.Mutex
	checks int
	// onCheck runs after each existence check.
	onCheck func(n int)
}

func (p *countingStore) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := p.MemoryStore.Exists(ctx, key)
	p.mu.Lock()
	p.checks++
	n := p.checks
	p.mu.Unlock()
	if p.onCheck != nil {
		p.onCheck(n)
	}
	return exists, err
}

func testWaitSession(t *testing.T) (*Session, *countingStore) {
	a, mem := testAddress(t, "")
	counter := &countingStore{MemoryStore: mem}
	a.store = counter
	s, err := a.Start(context.Background(), "")
	assert.NilError(t, err)
	return s, counter
}

func TestWaitTimesOutAfterMaxAttempts(t *testing.T) {
	s, counter := testWaitSession(t)

	err := s.WaitUntilExists(context.Background(), "090000Z.result", time.Millisecond, 2)
	assert.Assert(t, errors.Is(err, ErrTimeout), "%v", err)

	var timeout *TimeoutError
	assert.Assert(t, errors.As(err, &timeout))
	assert.Equal(t, timeout.Name, "090000Z.result")
	assert.Equal(t, timeout.Attempts, 2)
	assert.Equal(t, counter.checks, 2)
}

func TestWaitFindsLateObject(t *testing.T) {
	s, counter := testWaitSession(t)
	counter.onCheck = func(n int) {
		if n == 3 {
			assert.NilError(t, s.Put(context.Background(), "late.result", []byte("ok"), store.ContentTypeText))
		}
	}

	err := s.WaitUntilExists(context.Background(), "late.result", time.Millisecond, 10)
	assert.NilError(t, err)
	assert.Equal(t, counter.checks, 4)
}

func TestWaitImmediate(t *testing.T) {
	s, counter := testWaitSession(t)
	assert.NilError(t, s.Put(context.Background(), "0_server_ready.txt", []byte("server is ready"), store.ContentTypeText))

	err := s.WaitUntilExists(context.Background(), "0_server_ready.txt", time.Hour, 20)
	assert.NilError(t, err)
	assert.Equal(t, counter.checks, 1)
}

func TestWaitCancelled(t *testing.T) {
	s, counter := testWaitSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	counter.onCheck = func(int) { cancel() }

	err := s.WaitUntilExists(ctx, "never", time.Hour, 20)
	assert.Assert(t, errors.Is(err, context.Canceled), "%v", err)
	assert.Assert(t, !errors.Is(err, ErrTimeout))
}

// waiterStore answers waits itself and never has Exists called.
type waiterStore struct {
	*store.MemoryStore

	waited   []string
	attempts int
	err      error
}

func (w *waiterStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("exists called on a waiting store")
}

func (w *waiterStore) WaitUntilExists(_ context.Context, key string, _ time.Duration, maxAttempts int) error {
	w.waited = append(w.waited, key)
	w.attempts = maxAttempts
	return w.err
}

func testWaiterSession(t *testing.T, err error) (*Session, *waiterStore) {
	a, mem := testAddress(t, "")
	ws := &waiterStore{MemoryStore: mem, err: err}
	a.store = store.NewCachedStore(ws, time.Minute)
	s, startErr := a.Start(context.Background(), "")
	assert.NilError(t, startErr)
	return s, ws
}

func TestWaitDelegatesToStoreWaiter(t *testing.T) {
	s, ws := testWaiterSession(t, nil)

	err := s.WaitUntilExists(context.Background(), "0_server_ready.txt", time.Second, 20)
	assert.NilError(t, err)
	assert.DeepEqual(t, ws.waited, []string{s.Key("0_server_ready.txt")})
	assert.Equal(t, ws.attempts, 20)
}

func TestWaitStoreWaiterTimeout(t *testing.T) {
	s, _ := testWaiterSession(t, errors.Wrap(store.ErrNotReady, "gave up"))

	err := s.WaitUntilExists(context.Background(), "090000Z.result", time.Second, 3)
	assert.Assert(t, errors.Is(err, ErrTimeout), "%v", err)
	var timeout *TimeoutError
	assert.Assert(t, errors.As(err, &timeout))
	assert.Equal(t, timeout.Attempts, 3)
}

func TestWaitStoreWaiterFailure(t *testing.T) {
	s, _ := testWaiterSession(t, errors.New("access denied"))

	err := s.WaitUntilExists(context.Background(), "090000Z.result", time.Second, 3)
	assert.ErrorContains(t, err, "access denied")
	assert.Assert(t, !errors.Is(err, ErrTimeout))
}
