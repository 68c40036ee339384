package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penpad/penpad/store"
)

// storeContract exercises the behaviour every Store implementation must
// share.
func storeContract(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "absent")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, "doc-1", []byte("v1")))
	got, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	// Save replaces, not appends.
	require.NoError(t, s.Save(ctx, "doc-1", []byte("v2")))
	got, err = s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	// Documents do not bleed into each other.
	require.NoError(t, s.Save(ctx, "doc-2", []byte("other")))
	got, err = s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "doc-1"))
	_, err = s.Load(ctx, "doc-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting twice is fine.
	require.NoError(t, s.Delete(ctx, "doc-1"))
}

func TestMemory(t *testing.T) {
	storeContract(t, store.NewMemory())
}

func TestMemoryCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	snapshot := []byte("original")
	require.NoError(t, s.Save(ctx, "doc", snapshot))
	snapshot[0] = 'X'

	got, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[1] = 'Y'
	again, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestFS(t *testing.T) {
	s, err := store.NewFS(t.TempDir())
	require.NoError(t, err)
	storeContract(t, s)
}

func TestFSHostileDocID(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := store.NewFS(root)
	require.NoError(t, err)

	// Path-traversal shaped IDs must stay inside the root.
	hostile := "../../etc/passwd"
	require.NoError(t, s.Save(ctx, hostile, []byte("data")))
	got, err := s.Load(ctx, hostile)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got)

	// And must not collide with an honest ID.
	require.NoError(t, s.Save(ctx, "etcpasswd", []byte("other")))
	got, err = s.Load(ctx, hostile)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got)
}

func TestFSSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s1, err := store.NewFS(root)
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, "doc", []byte("persisted")))

	s2, err := store.NewFS(root)
	require.NoError(t, err)
	got, err := s2.Load(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}
