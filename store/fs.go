package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FS stores one snapshot file per document under a root directory. Writes go
// through a temp file and rename, so a crash mid-save leaves the previous
// snapshot intact.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a filesystem store.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) Load(ctx context.Context, docID string) ([]byte, error) {
	data, err := os.ReadFile(f.path(docID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

func (f *FS) Save(ctx context.Context, docID string, snapshot []byte) error {
	path := f.path(docID)
	tmp, err := os.CreateTemp(f.root, ".penpad-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *FS) Delete(ctx context.Context, docID string) error {
	if err := os.Remove(f.path(docID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// path maps a document ID to a filename. IDs that are not plain identifiers
// are hex-escaped rather than trusted as path components.
func (f *FS) path(docID string) string {
	safe := docID
	for _, r := range docID {
		if !isSafe(r) {
			safe = "x" + hex.EncodeToString([]byte(docID))
			break
		}
	}
	return filepath.Join(f.root, safe+".penpad")
}

func isSafe(r rune) bool {
	return r == '-' || r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
