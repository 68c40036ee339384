// Package store abstracts snapshot persistence for documents. A store maps a
// document ID to the latest encoded replica; history lives inside the
// snapshot, not in the store. Every implementation treats failures as
// retryable: the room keeps collaborating in memory and tries again on the
// next dirty cycle.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no snapshot exists for the document.
// The caller starts from an empty replica.
var ErrNotFound = errors.New("document not found")

// Store persists document snapshots.
type Store interface {
	// Load returns the latest snapshot, or ErrNotFound.
	Load(ctx context.Context, docID string) ([]byte, error)

	// Save replaces the snapshot for the document.
	Save(ctx context.Context, docID string, snapshot []byte) error

	// Delete removes the snapshot. Deleting an absent document is not an
	// error.
	Delete(ctx context.Context, docID string) error
}
