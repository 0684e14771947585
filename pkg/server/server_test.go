package server

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/s3rat/s3rat/pkg/identity"
	"github.com/s3rat/s3rat/pkg/internal/testoutput"
	"github.com/s3rat/s3rat/pkg/mailbox"
	"github.com/s3rat/s3rat/pkg/message"
	"github.com/s3rat/s3rat/pkg/session"
	"github.com/s3rat/s3rat/pkg/store"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type engineFunc func(ctx context.Context, text string) (string, error)

func (f engineFunc) Exec(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

type harness struct {
	server *Server
	store  *store.MemoryStore
	sess   *session.Session
	out    *bytes.Buffer
	ran    []string
	notes  []string
}

func testHarness(t *testing.T) *harness {
	log := testoutput.Logger(t, "server")
	st := store.NewMemoryStore(log)
	sess, err := session.NewAddress(st, "b", "", testNow, log).Start(context.Background(), "")
	assert.NilError(t, err)

	h := &harness{store: st, sess: sess, out: &bytes.Buffer{}}
	engines := Engines{
		message.Shell: engineFunc(func(_ context.Context, text string) (string, error) {
			h.ran = append(h.ran, "sh:"+text)
			switch text {
			case "quiet":
				return "", nil
			case "broken":
				return "partial", errors.New("exit status 3")
			}
			return "out:" + text + "\n", nil
		}),
		message.Interpreted: engineFunc(func(_ context.Context, text string) (string, error) {
			h.ran = append(h.ran, "py:"+text)
			return "py:" + text + "\n", nil
		}),
	}
	cfg := Config{PollInterval: time.Millisecond}
	h.server = New(mailbox.New(sess, log), engines, cfg, h.out, log)
	h.server.notify = func(state string) (bool, error) {
		h.notes = append(h.notes, state)
		return true, nil
	}
	return h
}

func (h *harness) put(t *testing.T, name, body string) {
	assert.NilError(t, h.store.Put(context.Background(), h.sess.Key(name), []byte(body), store.ContentTypeText))
}

func (h *harness) get(t *testing.T, name string) (string, bool) {
	body, err := h.store.Get(context.Background(), h.sess.Key(name))
	if errors.Is(err, store.ErrNotFound) {
		return "", false
	}
	assert.NilError(t, err)
	return string(body), true
}

func TestAnnounce(t *testing.T) {
	h := testHarness(t)
	h.server.SetIdentity(&identity.Document{ServerID: "srv-1", SessionID: h.sess.ID})

	assert.NilError(t, h.server.Announce(context.Background()))

	ready, ok := h.get(t, message.ServerReady)
	assert.Assert(t, ok)
	assert.Equal(t, ready, message.ServerReadyBody)

	body, ok := h.get(t, message.ServerIdentity)
	assert.Assert(t, ok)
	doc, err := identity.Parse([]byte(body))
	assert.NilError(t, err)
	assert.Equal(t, doc.ServerID, "srv-1")
	ct, _ := h.store.ContentType(h.sess.Key(message.ServerIdentity))
	assert.Equal(t, ct, store.ContentTypeJSON)

	assert.DeepEqual(t, h.notes, []string{"READY=1"})
}

func TestAnnounceWithoutIdentity(t *testing.T) {
	h := testHarness(t)
	assert.NilError(t, h.server.Announce(context.Background()))
	_, ok := h.get(t, message.ServerIdentity)
	assert.Assert(t, !ok)
	_, ok = h.get(t, message.ServerReady)
	assert.Assert(t, ok)
}

func TestAnnounceDelayCancelled(t *testing.T) {
	h := testHarness(t)
	h.server.cfg.StartupDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.server.Announce(ctx)
	assert.Assert(t, errors.Is(err, context.Canceled))
	_, ok := h.get(t, message.ServerReady)
	assert.Assert(t, !ok)
}

func TestCycleRunsEachCommandOnce(t *testing.T) {
	h := testHarness(t)
	ctx := context.Background()
	assert.NilError(t, h.server.Announce(ctx))
	h.put(t, "090000Z.cmd", "uptime")
	h.put(t, "090001Z_deploy.py", "print(1)")

	assert.NilError(t, h.server.Cycle(ctx))
	assert.NilError(t, h.server.Cycle(ctx))

	assert.DeepEqual(t, h.ran, []string{"sh:uptime", "py:print(1)"})
	result, ok := h.get(t, "090000Z.result")
	assert.Assert(t, ok)
	assert.Equal(t, result, "out:uptime\n")
	result, ok = h.get(t, "090001Z_deploy.result")
	assert.Assert(t, ok)
	assert.Equal(t, result, "py:print(1)\n")

	out := h.out.String()
	assert.Check(t, is.Contains(out, "New Command: 090000Z.cmd"))
	assert.Check(t, is.Contains(out, "Completed: 090001Z_deploy.py"))

	m := h.server.Metrics()
	assert.Equal(t, testutil.ToFloat64(m.cycles), float64(2))
	assert.Equal(t, testutil.ToFloat64(m.commands.WithLabelValues("shell")), float64(1))
	assert.Equal(t, testutil.ToFloat64(m.results), float64(2))
}

func TestCycleIgnoresOwnResults(t *testing.T) {
	h := testHarness(t)
	ctx := context.Background()
	h.put(t, "090000Z.cmd", "uptime")
	assert.NilError(t, h.server.Cycle(ctx))

	names, err := h.server.mb.Check(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(names, 0))
}

func TestCycleShellScriptSuffix(t *testing.T) {
	h := testHarness(t)
	h.put(t, "090000Z_setup.sh", "make")
	assert.NilError(t, h.server.Cycle(context.Background()))
	assert.DeepEqual(t, h.ran, []string{"sh:make"})
	_, ok := h.get(t, "090000Z_setup.result")
	assert.Assert(t, ok)
}

func TestCycleUnknownKind(t *testing.T) {
	h := testHarness(t)
	h.put(t, "notes.txt", "hello")
	assert.NilError(t, h.server.Cycle(context.Background()))
	assert.NilError(t, h.server.Cycle(context.Background()))

	assert.Check(t, is.Len(h.ran, 0))
	_, ok := h.get(t, "notes.result")
	assert.Assert(t, !ok)
	assert.Equal(t, testutil.ToFloat64(h.server.Metrics().commands.WithLabelValues("unknown")), float64(1))
}

func TestCycleEmptyOutputPublishesNothing(t *testing.T) {
	h := testHarness(t)
	h.put(t, "090000Z.cmd", "quiet")
	assert.NilError(t, h.server.Cycle(context.Background()))
	assert.NilError(t, h.server.Cycle(context.Background()))

	assert.DeepEqual(t, h.ran, []string{"sh:quiet"})
	_, ok := h.get(t, "090000Z.result")
	assert.Assert(t, !ok)
}

func TestCycleFailurePublishesReason(t *testing.T) {
	h := testHarness(t)
	h.put(t, "090000Z.cmd", "broken")
	assert.NilError(t, h.server.Cycle(context.Background()))

	result, ok := h.get(t, "090000Z.result")
	assert.Assert(t, ok)
	assert.Equal(t, result, "partial\ns3rat: exit status 3\n")
	assert.Equal(t, testutil.ToFloat64(h.server.Metrics().failures.WithLabelValues("shell")), float64(1))
}

func TestWithFailure(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, withFailure("", err), "s3rat: boom\n")
	assert.Equal(t, withFailure("a\n", err), "a\ns3rat: boom\n")
	assert.Equal(t, withFailure("a", err), "a\ns3rat: boom\n")
}

type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) List(context.Context, string) (*store.Listing, error) {
	return nil, errors.New("access denied")
}

func TestRunStopsOnStoreError(t *testing.T) {
	log := testoutput.Logger(t, "server")
	st := &failingStore{store.NewMemoryStore(log)}
	sess, err := session.NewAddress(st, "b", "", testNow, log).Start(context.Background(), "")
	assert.NilError(t, err)
	srv := New(mailbox.New(sess, log), Engines{}, Config{PollInterval: time.Millisecond}, &bytes.Buffer{}, log)
	srv.notify = func(string) (bool, error) { return false, nil }

	err = srv.Run(context.Background())
	assert.ErrorContains(t, err, "access denied")
}

func TestRunStopsOnCancel(t *testing.T) {
	h := testHarness(t)
	dir := t.TempDir()
	h.server.cfg.MetricsTextfile = filepath.Join(dir, "s3rat.prom")
	h.put(t, "090000Z.cmd", "uptime")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for {
		if _, ok := h.get(t, "090000Z.result"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no result published")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	assert.NilError(t, <-done)

	body, err := os.ReadFile(h.server.cfg.MetricsTextfile)
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(string(body), "s3rat_server_poll_cycles_total"))
}
