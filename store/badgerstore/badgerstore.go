// Package badgerstore persists document snapshots in an embedded BadgerDB,
// for single-node deployments that want durability without an external
// database.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/penpad/penpad/store"
)

const keyPrefix = "doc/"

// Config holds the knobs a deployment actually tunes.
type Config struct {
	// Path is the directory for the database files. Ignored when InMemory
	// is set.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites makes every save wait for fsync.
	SyncWrites bool
}

// Store is a badger-backed snapshot store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database. Pending saves must be finished first.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, docID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(docID))
		if err != nil {
			return err
		}
		snapshot, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load %q: %w", docID, err)
	}
	return snapshot, nil
}

func (s *Store) Save(ctx context.Context, docID string, snapshot []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(docID), snapshot)
	})
	if err != nil {
		return fmt.Errorf("save %q: %w", docID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, docID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(docID))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", docID, err)
	}
	return nil
}

func key(docID string) []byte {
	return []byte(keyPrefix + docID)
}

var _ store.Store = (*Store)(nil)
