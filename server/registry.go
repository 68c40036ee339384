package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/penpad/penpad/crdt"
	"github.com/penpad/penpad/store"
)

// ErrTooManyRooms is returned by Acquire when the resident-room cap is hit.
var ErrTooManyRooms = errors.New("too many resident rooms")

// finalFlushAttempts is how often the leave-triggered persist is retried
// before the room gives up on this eviction cycle and stays resident.
const finalFlushAttempts = 3

// loadTimeout bounds the shared snapshot load behind Acquire.
const loadTimeout = 15 * time.Second

// Registry maps document IDs to resident rooms. Rooms are created lazily on
// first acquisition, loaded from the store, and evicted after the last
// participant has been gone for the grace period.
type Registry struct {
	store   store.Store
	opts    Options
	log     *slog.Logger
	metrics *metrics

	group singleflight.Group

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry builds a registry over the given store. Most callers want
// New(...) instead, which wires the registry into a Server.
func NewRegistry(st store.Store, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		store:   st,
		opts:    opts,
		log:     opts.Logger,
		metrics: newMetrics(opts.Registerer),
		rooms:   make(map[string]*Room),
	}
}

// Acquire returns the resident room for the document, creating and loading
// it if necessary. Concurrent calls for the same document observe a single
// room: creation is deduplicated per document ID, and a room caught mid-
// teardown is waited out rather than duplicated. The returned room is
// retained for one join; callers that fail before joining must call
// abandonRetain.
func (reg *Registry) Acquire(ctx context.Context, docID string) (*Room, error) {
	for {
		reg.mu.Lock()
		r, resident := reg.rooms[docID]
		reg.mu.Unlock()

		if resident {
			if r.tryRetain() {
				return r, nil
			}
			// Teardown has committed; wait for eviction, then start
			// over with a fresh room.
			select {
			case <-r.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		v, err, _ := reg.group.Do(docID, func() (interface{}, error) {
			// The load is shared by every concurrent acquirer, so it
			// must not die with whichever caller happened to start it.
			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
			defer cancel()
			return reg.create(loadCtx, docID)
		})
		if err != nil {
			return nil, err
		}
		r = v.(*Room)
		if r.tryRetain() {
			return r, nil
		}
		// The shared creation result got torn down before this caller
		// could retain it; rare, just retry.
	}
}

// create loads the document and registers a new room. Runs inside the
// singleflight group.
func (reg *Registry) create(ctx context.Context, docID string) (*Room, error) {
	reg.mu.Lock()
	if r, ok := reg.rooms[docID]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	if reg.opts.MaxRooms > 0 && len(reg.rooms) >= reg.opts.MaxRooms {
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w (cap %d)", ErrTooManyRooms, reg.opts.MaxRooms)
	}
	reg.mu.Unlock()

	doc, err := reg.loadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	r := newRoom(docID, doc, reg)

	reg.mu.Lock()
	reg.rooms[docID] = r
	reg.mu.Unlock()

	reg.metrics.roomsActive.Inc()
	reg.log.Info("room created", "doc", docID)
	return r, nil
}

func (reg *Registry) loadDocument(ctx context.Context, docID string) (*crdt.Document, error) {
	snapshot, err := reg.store.Load(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return crdt.New(), nil
		}
		return nil, fmt.Errorf("load document %q: %w", docID, err)
	}
	doc, err := crdt.Decode(snapshot)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", docID, err)
	}
	return doc, nil
}

// Peek returns the resident room without creating or retaining one.
func (reg *Registry) Peek(docID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[docID]
	return r, ok
}

// release runs when a room's empty grace period expires. It aborts if
// anyone came back, persists the final state, and only then evicts. A
// persist that keeps failing leaves the room resident for another cycle.
func (reg *Registry) release(r *Room) {
	r.mu.Lock()
	if len(r.sessions) > 0 || r.pendingJoins > 0 || r.closing {
		r.releaseTimer = nil
		r.mu.Unlock()
		return
	}
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.mu.Unlock()

	if !r.finalFlush(finalFlushAttempts) {
		r.mu.Lock()
		if !r.closing && len(r.sessions) == 0 && r.pendingJoins == 0 {
			r.scheduleReleaseLocked()
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if r.closing {
		// An administrative eviction committed teardown while the final
		// snapshot was in flight and has already dropped the room;
		// evicting it again would close done twice.
		r.mu.Unlock()
		return
	}
	if len(r.sessions) > 0 || r.pendingJoins > 0 || r.dirty {
		// Someone joined (or edited and left again) while the final
		// snapshot was in flight; teardown aborts, the room stays
		// resident. The next empty stretch evicts it.
		if len(r.sessions) == 0 && r.pendingJoins == 0 && r.releaseTimer == nil {
			r.scheduleReleaseLocked()
		}
		r.mu.Unlock()
		return
	}
	r.closing = true
	r.mu.Unlock()

	reg.evictRoom(r)
	reg.log.Info("room evicted", "doc", r.docID)
}

// Evict force-removes any resident room and deletes the persisted snapshot.
// Used when the document is deleted at the application layer; without the
// eviction a resident replica would resurrect the deleted content on the
// next connect.
func (reg *Registry) Evict(ctx context.Context, docID string) error {
	reg.mu.Lock()
	r := reg.rooms[docID]
	reg.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		alreadyClosing := r.closing
		r.closing = true
		r.dirty = false
		if r.flushTimer != nil {
			r.flushTimer.Stop()
			r.flushTimer = nil
		}
		if r.releaseTimer != nil {
			r.releaseTimer.Stop()
			r.releaseTimer = nil
		}
		r.mu.Unlock()
		r.closeSessions()
		if !alreadyClosing {
			reg.evictRoom(r)
		}
		// Wait out any snapshot write already inside the store, and hold
		// the writes off until the delete below has landed. With closing
		// set no new write can start afterwards, so the delete is final.
		r.persistMu.Lock()
		defer r.persistMu.Unlock()
		reg.log.Info("room force-evicted", "doc", docID)
	}

	if err := reg.store.Delete(ctx, docID); err != nil {
		return fmt.Errorf("delete snapshot %q: %w", docID, err)
	}
	return nil
}

// evictRoom drops the room from the map and signals waiters. The room must
// already be marked closing.
func (reg *Registry) evictRoom(r *Room) {
	reg.mu.Lock()
	if reg.rooms[r.docID] == r {
		delete(reg.rooms, r.docID)
	}
	reg.mu.Unlock()
	reg.metrics.roomsActive.Dec()
	close(r.done)
}

// Shutdown flushes every resident room. Called on graceful server stop;
// sessions are closed first by the HTTP server draining connections.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			r.finalFlush(finalFlushAttempts)
		}(r)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		reg.log.Warn("shutdown flush interrupted", "err", ctx.Err())
	}
}
