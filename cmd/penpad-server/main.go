// Command penpad-server runs the document sync server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/penpad/penpad/server"
	"github.com/penpad/penpad/store"
	"github.com/penpad/penpad/store/badgerstore"
	"github.com/penpad/penpad/store/pgstore"
)

func main() {
	var (
		addr        = flag.String("addr", ":9000", "listen address")
		storeKind   = flag.String("store", "memory", "snapshot store: memory, fs, badger or postgres")
		dataDir     = flag.String("data-dir", "penpad-data", "directory for the fs and badger stores")
		postgresURL = flag.String("postgres-url", "", "connection URL for the postgres store")
		debounce    = flag.Duration("debounce", 2*time.Second, "how long a room coalesces edits before persisting")
		grace       = flag.Duration("grace", 10*time.Second, "how long an empty room stays resident")
		maxRooms    = flag.Int("max-rooms", 0, "cap on resident rooms, 0 for unlimited")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn or error")
		logJSON     = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()

	log := newLogger(*logLevel, *logJSON)

	st, cleanup, err := openStore(*storeKind, *dataDir, *postgresURL)
	if err != nil {
		log.Error("store setup failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := server.New(st, server.Options{
		Logger:   log,
		Debounce: *debounce,
		Grace:    *grace,
		MaxRooms: *maxRooms,
	})

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("listening", "addr", *addr, "store", *storeKind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "err", err)
	}
	srv.Registry().Shutdown(shutdownCtx)
	log.Info("bye")
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(kind, dataDir, postgresURL string) (store.Store, func(), error) {
	switch kind {
	case "memory":
		return store.NewMemory(), func() {}, nil

	case "fs":
		st, err := store.NewFS(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil

	case "badger":
		st, err := badgerstore.Open(badgerstore.Config{Path: dataDir})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	case "postgres":
		if postgresURL == "" {
			return nil, nil, errors.New("the postgres store needs -postgres-url")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := pgstore.Connect(ctx, postgresURL)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}
