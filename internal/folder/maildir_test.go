package folder

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heliotrope/mailsync/internal/flagset"
)

func newTestMaildir(t *testing.T) *MaildirFolder {
	t.Helper()
	dir := t.TempDir()
	f, err := NewMaildirFolder(dir)
	require.NoError(t, err)
	for _, sub := range []string{"tmp", "cur", "new"} {
		_, err := os.Stat(dir + "/" + sub)
		require.NoError(t, err)
	}
	return f
}

func TestMaildirSaveAndList(t *testing.T) {
	ctx := context.Background()
	f := newTestMaildir(t)

	flags := flagset.NewSet(flagset.Seen, flagset.Flagged)
	result, err := f.Save(ctx, -1, bytes.NewBufferString("Subject: hi\r\n\r\nbody\r\n"), flags, time.Now())
	require.NoError(t, err)
	require.True(t, result.Saved())
	uid := int64(result)

	require.NoError(t, f.List(ctx, ListOptions{}))
	require.True(t, f.UIDExists(uid))
	require.True(t, f.GetFlags(uid).Equal(flags))

	body, err := f.GetBody(ctx, uid)
	require.NoError(t, err)
	defer body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "body")
}

func TestMaildirSaveHonorsUIDHint(t *testing.T) {
	ctx := context.Background()
	f := newTestMaildir(t)

	result, err := f.Save(ctx, 42, bytes.NewBufferString("x"), flagset.NewSet(), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(42), int64(result))
}

func TestMaildirSaveFlagsRenamesFile(t *testing.T) {
	ctx := context.Background()
	f := newTestMaildir(t)

	result, err := f.Save(ctx, -1, bytes.NewBufferString("x"), flagset.NewSet(), time.Now())
	require.NoError(t, err)
	uid := int64(result)

	require.NoError(t, f.SaveFlags(ctx, uid, flagset.NewSet(flagset.Seen, flagset.Deleted)))
	require.NoError(t, f.List(ctx, ListOptions{}))
	got := f.GetFlags(uid)
	require.True(t, got.Has(flagset.Seen))
	require.True(t, got.Has(flagset.Deleted))
	require.False(t, got.Has(flagset.Flagged))
}

func TestMaildirDeleteMany(t *testing.T) {
	ctx := context.Background()
	f := newTestMaildir(t)

	r1, err := f.Save(ctx, -1, bytes.NewBufferString("a"), flagset.NewSet(), time.Now())
	require.NoError(t, err)
	r2, err := f.Save(ctx, -1, bytes.NewBufferString("b"), flagset.NewSet(), time.Now())
	require.NoError(t, err)

	require.NoError(t, f.DeleteMany(ctx, []int64{int64(r1), int64(r2)}))
	require.NoError(t, f.List(ctx, ListOptions{}))
	require.False(t, f.UIDExists(int64(r1)))
	require.False(t, f.UIDExists(int64(r2)))
}

func TestMaildirChangeUID(t *testing.T) {
	ctx := context.Background()
	f := newTestMaildir(t)

	result, err := f.Save(ctx, 5, bytes.NewBufferString("x"), flagset.NewSet(flagset.Seen), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(5), int64(result))

	require.NoError(t, f.ChangeUID(ctx, 5, 99))
	require.NoError(t, f.List(ctx, ListOptions{}))
	require.False(t, f.UIDExists(5))
	require.True(t, f.UIDExists(99))
	require.True(t, f.GetFlags(99).Has(flagset.Seen))
}

func TestMaildirSuggestsThreadsFalse(t *testing.T) {
	f := newTestMaildir(t)
	require.False(t, f.SuggestsThreads())
}
