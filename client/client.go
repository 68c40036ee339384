// Package client is a Go client for the penpad sync server. It keeps a
// local replica, mirrors remote edits into it, and ships local edits as
// deltas, so callers work with plain positions and strings and never see
// the wire protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penpad/penpad/crdt"
	"github.com/penpad/penpad/protocol"
)

// ErrClosed is returned by operations on a client whose connection is gone.
var ErrClosed = errors.New("client closed")

// Options configures a client. All fields are optional.
type Options struct {
	// Name is the display name sent with the connection request.
	Name string
	// Header is attached to the websocket handshake, e.g. for auth tokens.
	Header http.Header
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnChange fires after remote edits landed in the local replica.
	OnChange func(content string)
	// OnPresence fires for every presence event; left is true when the
	// peer disconnected.
	OnPresence func(p protocol.Presence, left bool)
	// OnError fires when the server rejects one of our messages.
	OnError func(err error)
}

// Client is a connected replica of one document. Safe for concurrent use;
// edits and the read loop serialize on the replica internally.
type Client struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	mu  sync.Mutex
	doc *crdt.Document

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Dial connects to serverURL (http, https, ws or wss), joins the document,
// and blocks until the initial sync reply has been applied, so Content is
// meaningful as soon as Dial returns.
func Dial(ctx context.Context, serverURL, docID string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/" + docID
	if opts.Name != "" {
		q := u.Query()
		q.Set("name", opts.Name)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.String(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &Client{
		conn: conn,
		opts: opts,
		log:  opts.Logger.With("doc", docID),
		doc:  crdt.New(),
		done: make(chan struct{}),
	}

	if err := c.send(protocol.KindSyncStep1, crdt.EncodeStateVector(c.doc.StateVector())); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.awaitSync(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// awaitSync reads frames inline until the server's sync reply arrives.
// Presence for peers that were already in the room can precede it; those
// frames are dispatched normally.
func (c *Client) awaitSync(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	var frames protocol.Reader
	for {
		for {
			msg, ok, err := frames.Next()
			if err != nil {
				return fmt.Errorf("initial sync: %w", err)
			}
			if !ok {
				break
			}
			synced := msg.Kind == protocol.KindSyncStep2
			c.dispatch(msg)
			if synced {
				return nil
			}
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
		frames.Feed(data)
	}
}

// Content returns the current text of the local replica.
func (c *Client) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Content()
}

// Len returns the visible length of the local replica.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Len()
}

// Insert places text at the given position, applying it locally and sending
// the delta to the server.
func (c *Client) Insert(position int, text string) error {
	c.mu.Lock()
	ops, err := c.doc.Insert(position, text)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(protocol.KindUpdate, crdt.EncodeOps(ops))
}

// Delete removes n characters starting at position.
func (c *Client) Delete(position, n int) error {
	c.mu.Lock()
	ops, err := c.doc.Delete(position, n)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return c.send(protocol.KindUpdate, crdt.EncodeOps(ops))
}

// SetPresence announces the local cursor. Identity fields are assigned by
// the server; only the positions travel.
func (c *Client) SetPresence(cursor, anchor int) error {
	payload := protocol.EncodePresence(protocol.Presence{Cursor: cursor, Anchor: anchor})
	return c.send(protocol.KindAwareness, payload)
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Done is closed when the connection has ended, whether by Close or by the
// server going away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(kind protocol.Kind, payload []byte) error {
	frame := protocol.Encode(protocol.Message{Kind: kind, Payload: payload})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	var frames protocol.Reader
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("connection lost", "err", err)
			}
			return
		}
		frames.Feed(data)
		for {
			msg, ok, ferr := frames.Next()
			if ferr != nil {
				c.log.Error("corrupt frame from server", "err", ferr)
				return
			}
			if !ok {
				break
			}
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindSyncStep2, protocol.KindUpdate:
		ops, err := crdt.DecodeOps(msg.Payload)
		if err != nil {
			c.log.Error("malformed update from server", "err", err)
			return
		}
		c.mu.Lock()
		c.doc.ApplyOps(ops)
		content := c.doc.Content()
		c.mu.Unlock()
		if c.opts.OnChange != nil {
			c.opts.OnChange(content)
		}

	case protocol.KindSyncStep1:
		// The server announcing what it has; send back whatever it is
		// missing.
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			c.log.Error("malformed state vector from server", "err", err)
			return
		}
		c.mu.Lock()
		delta := c.doc.DeltaSince(sv)
		c.mu.Unlock()
		if len(delta) > 0 {
			if err := c.send(protocol.KindSyncStep2, crdt.EncodeOps(delta)); err != nil {
				c.log.Error("sync reply failed", "err", err)
			}
		}

	case protocol.KindAwareness, protocol.KindPresenceJoined:
		c.handlePresence(msg.Payload, false)
	case protocol.KindPresenceLeft:
		c.handlePresence(msg.Payload, true)

	case protocol.KindError:
		reason := protocol.DecodeError(msg.Payload)
		c.log.Warn("server rejected message", "reason", reason)
		if c.opts.OnError != nil {
			c.opts.OnError(errors.New(reason))
		}

	default:
		c.log.Debug("ignoring unknown frame", "kind", msg.Kind)
	}
}

func (c *Client) handlePresence(payload []byte, left bool) {
	p, err := protocol.DecodePresence(payload)
	if err != nil {
		c.log.Error("malformed presence from server", "err", err)
		return
	}
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(p, left)
	}
}
