package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/penpad/penpad/protocol"
)

// maxMessageSize bounds a single inbound websocket message.
const maxMessageSize = protocol.MaxPayload + 16

// sessionState tracks where a connection is in its lifecycle. Document and
// presence messages are only honoured in stateJoined; anything arriving
// earlier or later is discarded.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateJoined
	stateClosing
	stateClosed
)

// session is one client connection bound to exactly one room for its whole
// life. The bound document ID never changes after the handshake.
type session struct {
	id       uuid.UUID
	identity Identity
	room     *Room
	conn     *websocket.Conn
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	state sessionState

	// send is drained by writePump. enqueue never blocks: a session that
	// cannot keep up is cut loose instead of stalling the room.
	send      chan []byte
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, identity Identity, room *Room, opts Options) *session {
	return &session{
		id:       uuid.New(),
		identity: identity,
		room:     room,
		conn:     conn,
		opts:     opts,
		log:      room.log.With("session_name", identity.Name),
		send:     make(chan []byte, opts.SendBuffer),
		state:    stateConnecting,
	}
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run joins the room and pumps the connection until it dies, then leaves.
// Graceful closes, aborted sockets and ping timeouts all funnel into the
// same single leave.
func (s *session) run() {
	s.setState(stateJoined)
	s.room.join(s)
	go s.writePump()
	s.readPump()
	s.close()
}

// close tears the session down exactly once: state flips to closing, the
// room forgets the session, the socket and the outbound queue die.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		s.room.leave(s)
		close(s.send)
		_ = s.conn.Close()
		s.setState(stateClosed)
	})
}

// enqueue queues an outbound frame without ever blocking the caller.
func (s *session) enqueue(frame []byte) {
	s.mu.Lock()
	if s.state != stateJoined {
		s.mu.Unlock()
		return
	}
	select {
	case s.send <- frame:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.log.Warn("session too slow, disconnecting")
		// Cannot tear down inline: enqueue is called under the room
		// lock and leave needs it.
		go s.close()
	}
}

// readPump reads frames off the socket and dispatches them to the room. The
// read deadline rides on pings: a peer that stops answering is detected
// within one pong timeout and treated as a normal leave.
func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	var frames protocol.Reader
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("connection dropped", "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frames.Feed(data)
		for {
			msg, ok, err := frames.Next()
			if err != nil {
				s.log.Warn("unframeable input, closing", "err", err)
				return
			}
			if !ok {
				break
			}
			s.dispatch(msg)
		}
	}
}

// dispatch routes one decoded frame. Unknown kinds are skipped so older
// servers tolerate newer clients.
func (s *session) dispatch(msg protocol.Message) {
	if s.currentState() != stateJoined {
		return
	}
	switch msg.Kind {
	case protocol.KindSyncStep1:
		s.room.syncReply(s, msg.Payload)
	case protocol.KindSyncStep2, protocol.KindUpdate:
		s.room.applyUpdate(s, msg.Payload)
	case protocol.KindAwareness:
		s.room.applyPresence(s, msg.Payload)
	default:
		s.log.Debug("ignoring unknown message kind", "kind", byte(msg.Kind))
	}
}

// writePump drains the outbound queue and keeps the peer alive with pings.
func (s *session) writePump() {
	pingInterval := s.opts.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.opts.WriteTimeout))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				go s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go s.close()
				return
			}
		}
	}
}
