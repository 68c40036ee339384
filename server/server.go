// Package server implements the document synchronization service: rooms of
// websocket sessions collaborating on CRDT replicas, with debounced
// persistence to a pluggable store.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/penpad/penpad/crdt"
	"github.com/penpad/penpad/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the sync endpoint plus the small administrative API the
// application layer drives.
type Server struct {
	registry *Registry
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New wires a server over the given snapshot store.
func New(st store.Store, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		registry: NewRegistry(st, opts),
		opts:     opts,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/{docID}", s.handleSync).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{docID}", s.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{docID}", s.handleDeleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if gatherer, ok := opts.Registerer.(prometheus.Gatherer); ok {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler for the whole service.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry exposes the room registry, mainly for embedding servers that
// drive eviction themselves.
func (s *Server) Registry() *Registry {
	return s.registry
}

// handleSync is the websocket endpoint. Auth runs before any room
// interaction; a rejected connection ends here with a plain 401 and no side
// effects.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]

	identity, err := s.opts.Auth(r, docID)
	if err != nil {
		s.registry.metrics.authRejections.Inc()
		s.log.Info("connection rejected", "doc", docID, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	room, err := s.registry.Acquire(r.Context(), docID)
	if err != nil {
		if errors.Is(err, ErrTooManyRooms) {
			http.Error(w, "too many open documents", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("room acquisition failed", "doc", docID, "err", err)
		http.Error(w, "document unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warn("websocket upgrade failed", "doc", docID, "err", err)
		room.abandonRetain()
		return
	}

	sess := newSession(conn, identity, room, s.opts)
	sess.setState(stateAuthenticating)
	sess.run()
}

type documentInfo struct {
	DocID        string `json:"doc_id"`
	Content      string `json:"content"`
	Participants int    `json:"participants"`
	Resident     bool   `json:"resident"`
}

// handleGetDocument reports the current text, served from the live room
// when resident and from the store otherwise. The application's CRUD layer
// uses this for previews and exports.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	info := documentInfo{DocID: docID}

	if room, ok := s.registry.Peek(docID); ok {
		info.Content, info.Participants = room.Snapshot()
		info.Resident = true
	} else {
		snapshot, err := s.registry.store.Load(r.Context(), docID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "document not found", http.StatusNotFound)
				return
			}
			s.log.Error("snapshot load failed", "doc", docID, "err", err)
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
		doc, err := crdt.Decode(snapshot)
		if err != nil {
			s.log.Error("stored snapshot is corrupt", "doc", docID, "err", err)
			http.Error(w, "snapshot corrupt", http.StatusInternalServerError)
			return
		}
		info.Content = doc.Content()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// handleDeleteDocument removes the persisted snapshot and evicts any
// resident room, closing its sessions. The next connect for this ID starts
// from an empty document.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	if err := s.registry.Evict(r.Context(), docID); err != nil {
		s.log.Error("document delete failed", "doc", docID, "err", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	s.log.Info("document deleted", "doc", docID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
