package sync

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/folder"
)

// fakeFolder is a minimal in-memory folder.Folder used to exercise the
// synchronizer's pass logic without a real backend.
type fakeFolder struct {
	name      string
	nextUID   int64
	messages  map[int64]*fakeMessage
	saveErr   error
	saveFixed int64 // when > 0, Save always returns this UID (simulates a server assigning its own UID)

	saveFlagsManyCalls [][]int64 // one entry per SaveFlagsMany call, for batching assertions
}

type fakeMessage struct {
	flags    flagset.Set
	keywords map[string]struct{}
	body     string
	t        time.Time
}

func newFakeFolder(name string) *fakeFolder {
	return &fakeFolder{name: name, messages: make(map[int64]*fakeMessage)}
}

func (f *fakeFolder) List(ctx context.Context, opts folder.ListOptions) error { return nil }
func (f *fakeFolder) UIDExists(uid int64) bool                                { _, ok := f.messages[uid]; return ok }
func (f *fakeFolder) GetFlags(uid int64) flagset.Set {
	if m, ok := f.messages[uid]; ok {
		return m.flags
	}
	return flagset.NewSet()
}
func (f *fakeFolder) GetKeywords(uid int64) map[string]struct{} {
	if m, ok := f.messages[uid]; ok {
		return m.keywords
	}
	return nil
}
func (f *fakeFolder) GetTime(uid int64) time.Time {
	if m, ok := f.messages[uid]; ok {
		return m.t
	}
	return time.Time{}
}
func (f *fakeFolder) UIDs() []int64 {
	out := make([]int64, 0, len(f.messages))
	for uid := range f.messages {
		out = append(out, uid)
	}
	return out
}
func (f *fakeFolder) GetBody(ctx context.Context, uid int64) (io.ReadCloser, error) {
	m, ok := f.messages[uid]
	if !ok {
		return nil, folder.ErrNotSupported
	}
	return io.NopCloser(bytes.NewBufferString(m.body)), nil
}
func (f *fakeFolder) Save(ctx context.Context, uidHint int64, body io.Reader, flags flagset.Set, t time.Time) (folder.SaveResult, error) {
	if f.saveErr != nil {
		return -1, f.saveErr
	}
	uid := uidHint
	if f.saveFixed > 0 {
		uid = f.saveFixed
		f.saveFixed++
	} else if uid <= 0 {
		f.nextUID++
		uid = f.nextUID
	}
	var bodyStr string
	if body != nil {
		b, _ := io.ReadAll(body)
		bodyStr = string(b)
	}
	f.messages[uid] = &fakeMessage{flags: flags, keywords: map[string]struct{}{}, body: bodyStr, t: t}
	return folder.SaveResult(uid), nil
}
func (f *fakeFolder) SaveFlags(ctx context.Context, uid int64, flags flagset.Set) error {
	if m, ok := f.messages[uid]; ok {
		m.flags = flags
	}
	return nil
}
func (f *fakeFolder) SaveFlagsMany(ctx context.Context, uids []int64, flag flagset.Set, add bool) error {
	f.saveFlagsManyCalls = append(f.saveFlagsManyCalls, uids)
	for _, uid := range uids {
		m, ok := f.messages[uid]
		if !ok {
			continue
		}
		if add {
			m.flags = m.flags.Union(flag)
		} else {
			m.flags = m.flags.Diff(flag)
		}
	}
	return nil
}
func (f *fakeFolder) Delete(ctx context.Context, uid int64) error {
	delete(f.messages, uid)
	return nil
}
func (f *fakeFolder) DeleteMany(ctx context.Context, uids []int64) error {
	for _, uid := range uids {
		delete(f.messages, uid)
	}
	return nil
}
func (f *fakeFolder) ChangeUID(ctx context.Context, uid, newUID int64) error {
	m, ok := f.messages[uid]
	if !ok {
		return folder.ErrNotSupported
	}
	delete(f.messages, uid)
	f.messages[newUID] = m
	return nil
}
func (f *fakeFolder) UIDValidity() int64    { return 1 }
func (f *fakeFolder) SuggestsThreads() bool { return false }
func (f *fakeFolder) Close() error          { return nil }

func TestCopyPassCopiesNewMessages(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(flagset.Seen), body: "hello", t: time.Now()}

	s := New(Options{})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 1, report.Copied)
	require.True(t, dst.UIDExists(1))
	require.True(t, status.UIDExists(1))
}

func TestCopyPassSkipsAlreadyCopied(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
	status.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 0, report.Copied)
}

func TestCopyPassRecordsWhenDestinationAlreadyHasUID(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[5] = &fakeMessage{flags: flagset.NewSet(flagset.Seen), t: time.Now()}
	dst.messages[5] = &fakeMessage{flags: flagset.NewSet(flagset.Seen), t: time.Now()}

	s := New(Options{})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 1, report.CopySkipped)
	require.Equal(t, 0, report.Copied)
	require.True(t, status.UIDExists(5))
}

func TestCopyPassHonorsCopyIgnoreUIDs(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[9] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{CopyIgnoreUIDs: map[int64]struct{}{9: {}}})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 1, report.CopyIgnored)
	require.False(t, dst.UIDExists(9))
}

func TestCopyPassRewritesLocalUIDWhenDestinationAssignsNew(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	dst.saveFixed = 100
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(), body: "x", t: time.Now()}

	s := New(Options{})
	_, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)

	require.False(t, src.UIDExists(1))
	require.True(t, src.UIDExists(100))
	require.True(t, status.UIDExists(100))
	require.False(t, status.UIDExists(1))
}

func TestDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{DryRun: true})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 1, report.Copied)
	require.False(t, dst.UIDExists(1))
	require.False(t, status.UIDExists(1))
}

func TestDeletePassRemovesFromStatusAndDestinationWhenSyncDeletes(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	status.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
	dst.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{SyncDeletes: true})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deleted)
	require.False(t, status.UIDExists(1))
	require.False(t, dst.UIDExists(1))
}

func TestDeletePassWithoutSyncDeletesPrunesStatusButKeepsDst(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	status.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
	// dst still has it: without SyncDeletes, leave dst alone.
	dst.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{SyncDeletes: false})
	_, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.False(t, status.UIDExists(1))
	require.True(t, dst.UIDExists(1))
}

func TestFlagsPassSyncsAddedAndRemovedFlags(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(flagset.Seen, flagset.Flagged), t: time.Now()}
	dst.messages[1] = &fakeMessage{flags: flagset.NewSet(flagset.Answered), t: time.Now()}
	status.messages[1] = &fakeMessage{flags: flagset.NewSet(flagset.Answered), t: time.Now()}

	s := New(Options{})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 2, report.FlagsAdded)   // Seen, Flagged
	require.Equal(t, 1, report.FlagsRemoved) // Answered

	require.True(t, dst.GetFlags(1).Equal(flagset.NewSet(flagset.Seen, flagset.Flagged)))
	require.True(t, status.GetFlags(1).Equal(flagset.NewSet(flagset.Seen, flagset.Flagged)))
}

// TestFlagsPassIssuesOneBatchedCallPerFlagGroup pins spec.md §4.6's
// "at most one batched call per (operation, flag)" contract: ten messages
// all gaining the same flag must reach dst as a single SaveFlagsMany call
// carrying all ten UIDs, not ten individual calls.
func TestFlagsPassIssuesOneBatchedCallPerFlagGroup(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	const n = 10
	for uid := int64(1); uid <= n; uid++ {
		src.messages[uid] = &fakeMessage{flags: flagset.NewSet(flagset.Seen), t: time.Now()}
		dst.messages[uid] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
		status.messages[uid] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
	}

	s := New(Options{})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, n, report.FlagsAdded)
	require.Len(t, dst.saveFlagsManyCalls, 1)
	require.Len(t, dst.saveFlagsManyCalls[0], n)
}

// TestFlagsPassRespectsBatchSize checks that a flag group larger than the
// configured batch size is split into multiple bounded calls, never one
// call per UID.
func TestFlagsPassRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	const n = 25
	for uid := int64(1); uid <= n; uid++ {
		src.messages[uid] = &fakeMessage{flags: flagset.NewSet(flagset.Seen), t: time.Now()}
		dst.messages[uid] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
		status.messages[uid] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
	}

	s := New(Options{FlagBatchSize: 10})
	_, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Len(t, dst.saveFlagsManyCalls, 3) // 10 + 10 + 5
	for _, call := range dst.saveFlagsManyCalls {
		require.LessOrEqual(t, len(call), 10)
	}
}

func TestFlagsPassIgnoresMessagesDeletedAtDestination(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(flagset.Seen), t: time.Now()}
	status.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 0, report.FlagsAdded)
}

func TestFlagsPassCombinesKeywordsViaMap(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(), keywords: map[string]struct{}{"important": {}}, t: time.Now()}
	dst.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}

	s := New(Options{KeywordMap: flagset.KeywordMap{"important": flagset.Flagged}})
	report, err := s.Run(ctx, src, dst, status)
	require.NoError(t, err)
	require.Equal(t, 1, report.FlagsAdded)
	require.True(t, dst.GetFlags(1).Has(flagset.Flagged))
}

func TestUntaggedSaveErrorAbortsRun(t *testing.T) {
	ctx := context.Background()
	src := newFakeFolder("src")
	dst := newFakeFolder("dst")
	status := newFakeFolder("status")

	src.messages[1] = &fakeMessage{flags: flagset.NewSet(), t: time.Now()}
	dst.saveErr = io.ErrUnexpectedEOF

	s := New(Options{})
	_, err := s.Run(ctx, src, dst, status)
	require.Error(t, err)
}
