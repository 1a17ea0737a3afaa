package folder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heliotrope/mailsync/internal/flagset"
)

func newTestStatusFolder(t *testing.T) *StatusFolder {
	t.Helper()
	ctx := context.Background()
	sf, err := OpenStatusFolder(ctx, t.TempDir(), fmt.Sprintf("INBOX-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() { sf.Close() })
	return sf
}

func TestStatusFolderSaveAndList(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	result, err := sf.Save(ctx, 10, nil, flagset.NewSet(flagset.Seen), time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.Equal(t, int64(10), int64(result))

	require.NoError(t, sf.List(ctx, ListOptions{}))
	require.True(t, sf.UIDExists(10))
	require.True(t, sf.GetFlags(10).Has(flagset.Seen))
}

func TestStatusFolderRejectsUnknownUID(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	_, err := sf.Save(ctx, -1, nil, flagset.NewSet(), time.Now())
	require.Error(t, err)
}

func TestStatusFolderSaveFlagsUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	_, err := sf.Save(ctx, 1, nil, flagset.NewSet(flagset.Seen), time.Now())
	require.NoError(t, err)

	require.NoError(t, sf.SaveFlags(ctx, 1, flagset.NewSet(flagset.Flagged)))
	require.NoError(t, sf.List(ctx, ListOptions{}))
	got := sf.GetFlags(1)
	require.True(t, got.Has(flagset.Flagged))
	require.False(t, got.Has(flagset.Seen))
}

func TestStatusFolderDeleteMany(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	_, err := sf.Save(ctx, 1, nil, flagset.NewSet(), time.Now())
	require.NoError(t, err)
	_, err = sf.Save(ctx, 2, nil, flagset.NewSet(), time.Now())
	require.NoError(t, err)

	require.NoError(t, sf.DeleteMany(ctx, []int64{1, 2}))
	require.NoError(t, sf.List(ctx, ListOptions{}))
	require.False(t, sf.UIDExists(1))
	require.False(t, sf.UIDExists(2))
}

func TestStatusFolderSetUIDValidityPersists(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	require.NoError(t, sf.SetUIDValidity(ctx, 555))
	require.Equal(t, int64(555), sf.UIDValidity())
}

func TestStatusFolderGetBodyUnsupported(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	_, err := sf.GetBody(ctx, 1)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestStatusFolderSaveFlagsManyUpdatesAllUIDs(t *testing.T) {
	ctx := context.Background()
	sf := newTestStatusFolder(t)

	for _, uid := range []int64{1, 2, 3} {
		_, err := sf.Save(ctx, uid, nil, flagset.NewSet(flagset.Seen), time.Now())
		require.NoError(t, err)
	}

	require.NoError(t, sf.SaveFlagsMany(ctx, []int64{1, 2, 3}, flagset.NewSet(flagset.Flagged), true))
	for _, uid := range []int64{1, 2, 3} {
		got := sf.GetFlags(uid)
		require.True(t, got.Has(flagset.Seen))
		require.True(t, got.Has(flagset.Flagged))
	}

	require.NoError(t, sf.SaveFlagsMany(ctx, []int64{1, 2, 3}, flagset.NewSet(flagset.Seen), false))
	for _, uid := range []int64{1, 2, 3} {
		require.False(t, sf.GetFlags(uid).Has(flagset.Seen))
	}
}

// TestStatusFolderSurvivesReopen exercises the on-disk record format
// directly: a fresh StatusFolder opened against the same directory must
// recover every record a previous instance committed, proving the
// temp-file-rename commit actually persisted rather than merely updating
// an in-memory cache.
func TestStatusFolderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	folderName := fmt.Sprintf("INBOX-%d", time.Now().UnixNano())

	sf, err := OpenStatusFolder(ctx, dir, folderName)
	require.NoError(t, err)
	_, err = sf.Save(ctx, 42, nil, flagset.NewSet(flagset.Seen, flagset.Flagged), time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, sf.SetUIDValidity(ctx, 777))
	require.NoError(t, sf.Close())

	reopened, err := OpenStatusFolder(ctx, dir, folderName)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.True(t, reopened.UIDExists(42))
	got := reopened.GetFlags(42)
	require.True(t, got.Has(flagset.Seen))
	require.True(t, got.Has(flagset.Flagged))
	require.Equal(t, int64(777), reopened.UIDValidity())
}

func TestStatusFolderFsyncDisabledStillPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	folderName := fmt.Sprintf("INBOX-%d", time.Now().UnixNano())

	sf, err := OpenStatusFolderWithFsync(ctx, dir, folderName, false)
	require.NoError(t, err)
	_, err = sf.Save(ctx, 1, nil, flagset.NewSet(), time.Now())
	require.NoError(t, err)
	require.NoError(t, sf.Close())

	reopened, err := OpenStatusFolderWithFsync(ctx, dir, folderName, false)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	require.True(t, reopened.UIDExists(1))
}
