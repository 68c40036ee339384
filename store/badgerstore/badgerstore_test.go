package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penpad/penpad/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Load(ctx, "absent")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, "doc", []byte("snapshot")))
	got, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot"), got)

	require.NoError(t, s.Save(ctx, "doc", []byte("newer")))
	got, err = s.Load(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("newer"), got)

	require.NoError(t, s.Delete(ctx, "doc"))
	_, err = s.Load(ctx, "doc")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "doc"))
}

func TestOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "doc", []byte("durable")))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got)
}
