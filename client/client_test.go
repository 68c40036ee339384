package client_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/penpad/penpad/client"
	"github.com/penpad/penpad/protocol"
	"github.com/penpad/penpad/server"
	"github.com/penpad/penpad/store"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := server.New(store.NewMemory(), server.Options{
		Registerer: prometheus.NewRegistry(),
		Debounce:   10 * time.Millisecond,
		Grace:      50 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, docID string, opts client.Options) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, ts.URL, docID, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// changeRecorder buffers OnChange notifications for assertions.
type changeRecorder struct {
	mu   sync.Mutex
	last string
	ch   chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan struct{}, 64)}
}

func (r *changeRecorder) onChange(content string) {
	r.mu.Lock()
	r.last = content
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *changeRecorder) latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func TestEditPropagation(t *testing.T) {
	ts := startServer(t)

	rec := newChangeRecorder()
	alice := dial(t, ts, "doc", client.Options{Name: "alice"})
	bob := dial(t, ts, "doc", client.Options{Name: "bob", OnChange: rec.onChange})

	require.NoError(t, alice.Insert(0, "hello"))
	require.NoError(t, alice.Insert(5, ", world"))

	require.Eventually(t, func() bool {
		return rec.latest() == "hello, world"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "hello, world", bob.Content())

	require.NoError(t, bob.Delete(0, 5))
	require.Eventually(t, func() bool {
		return alice.Content() == ", world"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialSeesExistingContent(t *testing.T) {
	ts := startServer(t)

	alice := dial(t, ts, "doc", client.Options{Name: "alice"})
	require.NoError(t, alice.Insert(0, "pre-existing"))

	require.Eventually(t, func() bool {
		late := dial(t, ts, "doc", client.Options{Name: "late"})
		defer late.Close()
		return late.Content() == "pre-existing"
	}, 2*time.Second, 25*time.Millisecond)
}

func TestConcurrentClientsConverge(t *testing.T) {
	ts := startServer(t)

	alice := dial(t, ts, "doc", client.Options{Name: "alice"})
	bob := dial(t, ts, "doc", client.Options{Name: "bob"})

	// Fire edits from both sides without waiting in between.
	require.NoError(t, alice.Insert(0, "aaaa"))
	require.NoError(t, bob.Insert(0, "bbbb"))
	require.NoError(t, alice.Insert(0, "cc"))

	require.Eventually(t, func() bool {
		a, b := alice.Content(), bob.Content()
		return len(a) == 10 && a == b
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceCallbacks(t *testing.T) {
	ts := startServer(t)

	type event struct {
		p    protocol.Presence
		left bool
	}
	events := make(chan event, 16)

	alice := dial(t, ts, "doc", client.Options{
		Name: "alice",
		OnPresence: func(p protocol.Presence, left bool) {
			events <- event{p, left}
		},
	})
	_ = alice

	bob := dial(t, ts, "doc", client.Options{Name: "bob"})

	waitFor := func(name string, left bool) protocol.Presence {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.p.Name == name && ev.left == left {
					return ev.p
				}
			case <-deadline:
				t.Fatalf("no presence event for %s (left=%v)", name, left)
			}
		}
	}

	waitFor("bob", false)

	require.NoError(t, bob.SetPresence(4, 2))
	p := waitFor("bob", false)
	for p.Cursor != 4 {
		p = waitFor("bob", false)
	}
	require.Equal(t, 2, p.Anchor)

	require.NoError(t, bob.Close())
	waitFor("bob", true)
}

func TestServerRejectionSurfaces(t *testing.T) {
	ts := startServer(t)

	errs := make(chan error, 1)
	alice := dial(t, ts, "doc", client.Options{
		Name:    "alice",
		OnError: func(err error) { errs <- err },
	})

	// Dial rejects bad schemes before touching the network.
	_, err := client.Dial(context.Background(), "ftp://nope", "doc", client.Options{})
	require.Error(t, err)

	// A well-formed client never triggers server rejections on its own;
	// force one by editing through a raw frame is out of scope here, so
	// just confirm the callback plumbing stays quiet during normal use.
	require.NoError(t, alice.Insert(0, "fine"))
	select {
	case err := <-errs:
		t.Fatalf("unexpected rejection: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDoneOnServerClose(t *testing.T) {
	ts := startServer(t)

	alice := dial(t, ts, "doc", client.Options{Name: "alice"})
	ts.CloseClientConnections()

	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server dropped the connection")
	}
}
