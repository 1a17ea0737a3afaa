package folder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestUIDMap(t *testing.T) *UIDMap {
	t.Helper()
	ctx := context.Background()
	m, err := OpenUIDMap(ctx, t.TempDir(), fmt.Sprintf("pair-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestUIDMapBindAndLookup(t *testing.T) {
	ctx := context.Background()
	m := newTestUIDMap(t)

	require.NoError(t, m.Bind(ctx, 1, 100))

	remote, ok, err := m.RemoteFor(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), remote)

	local, ok, err := m.LocalFor(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), local)
}

func TestUIDMapUnknownLookupMisses(t *testing.T) {
	ctx := context.Background()
	m := newTestUIDMap(t)

	_, ok, err := m.RemoteFor(ctx, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUIDMapRecordUnknownUIDPromotesAfterLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestUIDMap(t)

	for i := 0; i < zeroUIDRetryLimit-1; i++ {
		require.NoError(t, m.RecordUnknownUID(ctx, 7))
	}
	err := m.RecordUnknownUID(ctx, 7)
	require.Error(t, err)
}

func TestUIDMapBindResetsRetryCounter(t *testing.T) {
	ctx := context.Background()
	m := newTestUIDMap(t)

	require.NoError(t, m.RecordUnknownUID(ctx, 7))
	require.NoError(t, m.RecordUnknownUID(ctx, 7))
	require.NoError(t, m.Bind(ctx, 7, 200))

	for i := 0; i < zeroUIDRetryLimit-1; i++ {
		require.NoError(t, m.RecordUnknownUID(ctx, 7))
	}
}
