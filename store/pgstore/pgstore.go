// Package pgstore persists document snapshots in PostgreSQL, one row per
// document. Multiple server processes may share the database as long as each
// document is only ever served by one of them.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/penpad/penpad/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS penpad_snapshots (
	doc_id     text PRIMARY KEY,
	snapshot   bytea NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// Store is a Postgres-backed snapshot store.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool and ensures the snapshot table exists.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool without touching the schema.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the snapshot table if it is missing.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Load(ctx context.Context, docID string) ([]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM penpad_snapshots WHERE doc_id = $1`, docID,
	).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load %q: %w", docID, err)
	}
	return snapshot, nil
}

func (s *Store) Save(ctx context.Context, docID string, snapshot []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO penpad_snapshots (doc_id, snapshot, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (doc_id) DO UPDATE SET snapshot = $2, updated_at = now()`,
		docID, snapshot,
	)
	if err != nil {
		return fmt.Errorf("save %q: %w", docID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, docID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM penpad_snapshots WHERE doc_id = $1`, docID,
	); err != nil {
		return fmt.Errorf("delete %q: %w", docID, err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
