package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penpad/penpad/crdt"
	"github.com/penpad/penpad/protocol"
)

// persistTimeout bounds a single snapshot write so a hung store cannot pin a
// flush goroutine forever.
const persistTimeout = 15 * time.Second

// Room owns one document replica and the sessions editing it. All mutation
// of the replica and the presence map happens under the room's own mutex;
// rooms never share state, so a slow room cannot delay another.
type Room struct {
	docID    string
	registry *Registry
	log      *slog.Logger

	mu       sync.Mutex
	doc      *crdt.Document
	sessions map[uuid.UUID]*session
	presence map[uuid.UUID]protocol.Presence

	// dirty marks unpersisted edits; flushTimer is the pending debounce.
	dirty      bool
	flushTimer *time.Timer

	// persistMu serializes snapshot writes with the administrative delete:
	// Evict takes it after setting closing, so a save already inside the
	// store cannot land after the delete and resurrect the document.
	persistMu sync.Mutex

	// pendingJoins counts sessions handed the room by Acquire that have
	// not reached join yet; teardown may not commit while any exist.
	pendingJoins int
	// closing is set once teardown has committed; a closing room rejects
	// retains and the registry hands out a fresh room instead.
	closing bool
	// releaseTimer counts down the empty-room grace period.
	releaseTimer *time.Timer
	// done is closed when the room has been fully evicted.
	done chan struct{}
}

func newRoom(docID string, doc *crdt.Document, registry *Registry) *Room {
	return &Room{
		docID:    docID,
		registry: registry,
		log:      registry.log.With("doc", docID),
		doc:      doc,
		sessions: make(map[uuid.UUID]*session),
		presence: make(map[uuid.UUID]protocol.Presence),
		done:     make(chan struct{}),
	}
}

// DocID returns the document identifier the room serves.
func (r *Room) DocID() string {
	return r.docID
}

// Snapshot returns the current content and participant count, for the
// read-only admin endpoint.
func (r *Room) Snapshot() (content string, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Content(), len(r.sessions)
}

// tryRetain reserves the room for an incoming session, cancelling any
// pending empty-room teardown. It fails once teardown has committed.
func (r *Room) tryRetain() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	if r.releaseTimer != nil {
		r.releaseTimer.Stop()
		r.releaseTimer = nil
	}
	r.pendingJoins++
	return true
}

// abandonRetain undoes tryRetain when the connection never made it to join,
// e.g. a failed websocket upgrade.
func (r *Room) abandonRetain() {
	r.mu.Lock()
	r.pendingJoins--
	if r.pendingJoins == 0 && len(r.sessions) == 0 && !r.closing {
		r.scheduleReleaseLocked()
	}
	r.mu.Unlock()
}

// join adds the session to the participant set and announces it to the
// others. The document sync itself happens when the client's sync-step1
// arrives.
func (r *Room) join(s *session) {
	r.mu.Lock()
	r.pendingJoins--
	r.sessions[s.id] = s
	p := protocol.Presence{SessionID: s.id, Name: s.identity.Name, Color: s.identity.Color}
	r.presence[s.id] = p
	frame := protocol.Encode(protocol.Message{Kind: protocol.KindPresenceJoined, Payload: protocol.EncodePresence(p)})
	r.broadcastLocked(s.id, frame)
	// Tell the newcomer who is already here.
	for id, existing := range r.presence {
		if id == s.id {
			continue
		}
		s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.KindPresenceJoined, Payload: protocol.EncodePresence(existing)}))
	}
	r.mu.Unlock()

	r.registry.metrics.sessionsActive.Inc()
	r.log.Info("session joined", "session", s.id, "name", s.identity.Name)
}

// syncReply answers a client's sync-step1: the operations it is missing,
// then the room's own state vector so the client can send back what the
// server is missing.
func (r *Room) syncReply(s *session, payload []byte) {
	sv, err := crdt.DecodeStateVector(payload)
	if err != nil {
		r.reject(s, "malformed state vector")
		return
	}

	r.mu.Lock()
	delta := r.doc.DeltaSince(sv)
	own := r.doc.StateVector()
	r.mu.Unlock()

	s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.KindSyncStep2, Payload: crdt.EncodeOps(delta)}))
	s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.KindSyncStep1, Payload: crdt.EncodeStateVector(own)}))
}

// applyUpdate merges a delta into the replica and rebroadcasts it verbatim
// to everyone except the sender. A delta that fails to decode is reported to
// the sender only; the room and the other participants are unaffected.
func (r *Room) applyUpdate(s *session, payload []byte) {
	ops, err := crdt.DecodeOps(payload)
	if err != nil {
		r.reject(s, "malformed update")
		return
	}

	frame := protocol.Encode(protocol.Message{Kind: protocol.KindUpdate, Payload: payload})

	r.mu.Lock()
	r.doc.ApplyOps(ops)
	r.dirty = true
	r.scheduleFlushLocked()
	r.broadcastLocked(s.id, frame)
	r.mu.Unlock()

	r.registry.metrics.updatesApplied.Inc()
}

// applyPresence overwrites the session's presence entry wholesale and fans
// it out. Presence is last-write-wins per session; there is nothing to
// merge.
func (r *Room) applyPresence(s *session, payload []byte) {
	p, err := protocol.DecodePresence(payload)
	if err != nil {
		r.reject(s, "malformed presence")
		return
	}
	// Identity fields are server-assigned; a client only moves its own
	// cursor.
	p.SessionID = s.id
	p.Name = s.identity.Name
	p.Color = s.identity.Color

	frame := protocol.Encode(protocol.Message{Kind: protocol.KindAwareness, Payload: protocol.EncodePresence(p)})

	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		// Raced with leave; never resurrect presence for a gone session.
		r.mu.Unlock()
		return
	}
	r.presence[s.id] = p
	r.broadcastLocked(s.id, frame)
	r.mu.Unlock()
}

// leave removes the session and its presence, announces the departure, and
// starts the empty-room countdown when the last participant is gone. Called
// exactly once per session.
func (r *Room) leave(s *session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	p := r.presence[s.id]
	delete(r.presence, s.id)
	frame := protocol.Encode(protocol.Message{Kind: protocol.KindPresenceLeft, Payload: protocol.EncodePresence(p)})
	r.broadcastLocked(s.id, frame)
	remaining := len(r.sessions)
	if remaining == 0 && !r.closing {
		r.scheduleReleaseLocked()
	}
	r.mu.Unlock()

	r.registry.metrics.sessionsActive.Dec()
	r.log.Info("session left", "session", s.id, "remaining", remaining)
}

// reject notifies the sender that its message was dropped.
func (r *Room) reject(s *session, reason string) {
	r.registry.metrics.decodeErrors.Inc()
	r.log.Warn("message rejected", "session", s.id, "reason", reason)
	s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.KindError, Payload: protocol.EncodeError(reason)}))
}

// broadcastLocked queues a frame to every participant except the origin.
// Callers hold r.mu.
func (r *Room) broadcastLocked(origin uuid.UUID, frame []byte) {
	for id, peer := range r.sessions {
		if id == origin {
			continue
		}
		peer.enqueue(frame)
		r.registry.metrics.broadcastFrames.Inc()
	}
}

// scheduleFlushLocked arms the debounce timer if it is not already running.
// Callers hold r.mu.
func (r *Room) scheduleFlushLocked() {
	if r.flushTimer != nil || r.closing {
		return
	}
	r.flushTimer = time.AfterFunc(r.registry.opts.Debounce, r.flush)
}

// flush persists the replica if it is dirty. Failures leave the room dirty
// and re-arm the timer; collaboration continues regardless.
func (r *Room) flush() {
	r.mu.Lock()
	r.flushTimer = nil
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	snapshot := r.doc.Encode()
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		r.mu.Lock()
		r.dirty = true
		if !r.closing {
			r.scheduleFlushLocked()
		}
		r.mu.Unlock()
	}
}

func (r *Room) persist(snapshot []byte) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	// A committed teardown owns the snapshot from here on; writing now
	// would race the administrative delete.
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.registry.store.Save(ctx, r.docID, snapshot); err != nil {
		r.registry.metrics.snapshotErrors.Inc()
		r.log.Error("snapshot save failed", "err", err)
		return err
	}
	r.registry.metrics.snapshotSaves.Inc()
	return nil
}

// scheduleReleaseLocked starts the empty-room grace countdown. Callers hold
// r.mu.
func (r *Room) scheduleReleaseLocked() {
	if r.releaseTimer != nil {
		r.releaseTimer.Stop()
	}
	r.releaseTimer = time.AfterFunc(r.registry.opts.Grace, func() {
		r.registry.release(r)
	})
}

// finalFlush writes the last snapshot before eviction, retrying in place.
// It reports failure instead of dropping the edits, so the registry can keep
// the room resident and try again later.
func (r *Room) finalFlush(attempts int) bool {
	r.mu.Lock()
	dirty := r.dirty
	snapshot := r.doc.Encode()
	r.mu.Unlock()
	if !dirty {
		return true
	}
	for i := 0; i < attempts; i++ {
		if err := r.persist(snapshot); err == nil {
			r.mu.Lock()
			r.dirty = false
			r.mu.Unlock()
			return true
		}
		time.Sleep(time.Duration(i+1) * 500 * time.Millisecond)
	}
	r.log.Error("final snapshot still failing, keeping room resident", "attempts", attempts)
	return false
}

// closeSessions disconnects every participant, e.g. when the document is
// deleted out from under the room.
func (r *Room) closeSessions() {
	r.mu.Lock()
	peers := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		peers = append(peers, s)
	}
	r.mu.Unlock()
	for _, s := range peers {
		s.close()
	}
}
