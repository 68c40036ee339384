package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Identity is what the auth hook vouches for: the display name and cursor
// color shown to other participants.
type Identity struct {
	Name  string
	Color string
}

// AuthFunc decides whether a connection may join a document. It runs once
// per connection, before any room interaction, with the declared document ID
// and the raw request (cookies, bearer tokens, query parameters). Returning
// an error closes the connection without side effects.
type AuthFunc func(r *http.Request, docID string) (Identity, error)

// Options configures a Server. The zero value works; every field has a
// default.
type Options struct {
	// Logger receives structured server logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Auth is the connection authentication hook. Defaults to accepting
	// everyone with a generated guest identity.
	Auth AuthFunc

	// Registerer receives the server's metrics. Defaults to the global
	// prometheus registry.
	Registerer prometheus.Registerer

	// Debounce is how long a room coalesces edits before persisting.
	Debounce time.Duration

	// Grace is how long an empty room stays resident to absorb quick
	// reconnects before it is flushed and evicted.
	Grace time.Duration

	// MaxRooms caps resident rooms; 0 means unlimited.
	MaxRooms int

	// PongTimeout is how long a silent peer is allowed to live. Pings go
	// out at PongTimeout*9/10 intervals.
	PongTimeout time.Duration

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// SendBuffer is the per-session outbound queue length. A session that
	// falls this far behind is disconnected rather than allowed to stall
	// the room.
	SendBuffer int

	// CheckOrigin overrides the websocket origin check. Defaults to
	// same-origin, which is what the upgrader does when unset.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Auth == nil {
		o.Auth = GuestAuth
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

var guestColors = []string{
	"#e06c75", "#61afef", "#98c379", "#d19a66", "#c678dd", "#56b6c2",
}

var guestCounter atomic.Uint64

func nextGuest() uint64 {
	return guestCounter.Add(1)
}

// GuestAuth admits everyone, taking the display name from the "name" query
// parameter when present.
func GuestAuth(r *http.Request, docID string) (Identity, error) {
	n := nextGuest()
	name := r.URL.Query().Get("name")
	if name == "" {
		name = fmt.Sprintf("guest-%d", n)
	}
	return Identity{
		Name:  name,
		Color: guestColors[int(n)%len(guestColors)],
	}, nil
}
