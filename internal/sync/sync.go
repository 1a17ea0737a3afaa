// Package sync implements the three-pass synchronizer (spec.md §4.6): copy
// messages that are new on one side, delete messages that vanished, then
// reconcile flags — always in that order, each pass individually safe to
// interrupt and re-run.
package sync

import (
	"context"
	"io"
	"sort"

	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/folder"
	"github.com/heliotrope/mailsync/internal/syncerr"
)

// Options configures one run of Syncer.Run, per spec.md §6.
type Options struct {
	// DryRun counts what would change without performing any write.
	DryRun bool
	// SyncDeletes mirrors deletions to the destination. When false, a
	// message missing locally is dropped only from the status cache.
	SyncDeletes bool
	// CopyIgnoreUIDs lists local UIDs pass 1 must skip, honoring the
	// `copy_ignore_eval` configuration option.
	CopyIgnoreUIDs map[int64]struct{}
	// KeywordMap maps destination-side keywords onto local flag letters
	// when combining flags and keywords for pass 3 (nil: no keyword gets a
	// flag). Keywords with no entry are dropped without being reported.
	KeywordMap flagset.KeywordMap
	// FlagBatchSize bounds how many UIDs are grouped into one add/remove
	// flags call. Spec.md §4.6 defaults this to 100.
	FlagBatchSize int
	// NewMailHook runs once per pass-1 invocation that found at least one
	// unseen message, mirroring Base.py's newmail_hook.
	NewMailHook func()
}

func (o Options) batchSize() int {
	if o.FlagBatchSize <= 0 {
		return 100
	}
	return o.FlagBatchSize
}

// Report summarizes one Syncer.Run invocation for logging and dry-run
// output.
type Report struct {
	Copied        int
	CopySkipped   int // UIDs already present at the destination: status updated only.
	CopyIgnored   int // UIDs matched by CopyIgnoreUIDs.
	Deleted       int
	FlagsAdded    int
	FlagsRemoved  int
	HadNewMail    bool
	MessageErrors []error // Message-severity failures; sync continues past these.
}

// Syncer runs the three passes against one (src, dst, status) folder
// triple.
type Syncer struct {
	opts Options
}

// New builds a Syncer with the given options.
func New(opts Options) *Syncer {
	return &Syncer{opts: opts}
}

// Run executes Pass 1 (copy), Pass 2 (delete), Pass 3 (flags) in order.
// A Message-severity error from a single message does not stop the run;
// anything more severe aborts immediately, per spec.md §7.
func (s *Syncer) Run(ctx context.Context, src, dst, status folder.Folder) (Report, error) {
	var report Report

	if err := s.copyPass(ctx, src, dst, status, &report); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := s.deletePass(ctx, src, dst, status, &report); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := s.flagsPass(ctx, src, dst, status, &report); err != nil {
		return report, err
	}

	return report, nil
}

// copyPass ports __syncmessagesto_copy/copymessageto: copy UIDs present in
// src but not yet recorded in status.
func (s *Syncer) copyPass(ctx context.Context, src, dst, status folder.Folder, report *Report) error {
	var toCopy []int64
	for _, uid := range src.UIDs() {
		if !status.UIDExists(uid) {
			toCopy = append(toCopy, uid)
		}
	}
	sort.Slice(toCopy, func(i, j int) bool { return toCopy[i] < toCopy[j] })

	if len(toCopy) > 0 && s.opts.DryRun {
		report.Copied = len(toCopy)
		return nil
	}

	sawUnseenMail := false
	for _, uid := range toCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if uid == 0 {
			continue
		}
		if _, ignore := s.opts.CopyIgnoreUIDs[uid]; ignore {
			report.CopyIgnored++
			continue
		}

		if uid > 0 && dst.UIDExists(uid) {
			// Destination already has it; bring status up to date only.
			flags := src.GetFlags(uid)
			t := src.GetTime(uid)
			if _, err := status.Save(ctx, uid, nil, flags, t); err != nil {
				return syncerr.Wrap(syncerr.Folder, err, "recording pre-existing copy in status")
			}
			report.CopySkipped++
			continue
		}

		if err := s.copyOne(ctx, uid, src, dst, status, report); err != nil {
			if syncerr.SeverityOf(err) > syncerr.Message {
				return err
			}
			report.MessageErrors = append(report.MessageErrors, err)
			continue
		}
		if !src.GetFlags(uid).Has(flagset.Seen) {
			sawUnseenMail = true
		}
	}

	if sawUnseenMail && s.opts.NewMailHook != nil {
		report.HadNewMail = true
		s.opts.NewMailHook()
	}
	return nil
}

// copyOne ports copymessageto: fetch the body if the destination actually
// stores bodies, save it, then fix up UID bookkeeping per the tri-state
// Save contract.
func (s *Syncer) copyOne(ctx context.Context, uid int64, src, dst, status folder.Folder, report *Report) error {
	flags := src.GetFlags(uid)
	t := src.GetTime(uid)

	var body io.Reader
	r, err := src.GetBody(ctx, uid)
	if err != nil && err != folder.ErrNotSupported {
		return syncerr.Wrap(syncerr.Message, err, "fetching message body")
	}
	if r != nil {
		defer r.Close()
		body = r
	}

	result, err := dst.Save(ctx, uid, body, flags, t)
	if err != nil {
		return err
	}

	switch {
	case result > 0:
		newUID := int64(result)
		if newUID != uid {
			if err := src.ChangeUID(ctx, uid, newUID); err != nil && err != folder.ErrNotSupported {
				return syncerr.Wrap(syncerr.Message, err, "renaming local uid")
			}
			_ = status.Delete(ctx, uid)
		}
		if _, err := status.Save(ctx, newUID, nil, flags, t); err != nil {
			return syncerr.Wrap(syncerr.Message, err, "recording copy in status")
		}
		report.Copied++
		return nil

	case result == 0:
		// Saved, but the destination couldn't tell us its UID. We can't
		// link the two sides, so drop the local copy and pick it up again
		// on the next run (spec.md §9's bounded retry covers the
		// IMAP<->IMAP case where this could otherwise loop forever).
		if err := src.Delete(ctx, uid); err != nil {
			return syncerr.Wrap(syncerr.Message, err, "dropping unlinked local copy")
		}
		return nil

	default:
		return syncerr.New(syncerr.Message, "destination refused message and returned no UID")
	}
}

// deletePass ports __syncmessagesto_delete: UIDs known to status but no
// longer present in src are gone; remove from status always, and from dst
// too when SyncDeletes is set and dst still has them.
func (s *Syncer) deletePass(ctx context.Context, src, dst, status folder.Folder, report *Report) error {
	var toDeleteFromStatus, toDeleteFromDst []int64

	for _, uid := range status.UIDs() {
		if uid < 0 || src.UIDExists(uid) {
			continue
		}
		toDeleteFromStatus = append(toDeleteFromStatus, uid)
	}

	if len(toDeleteFromStatus) == 0 {
		return nil
	}

	if s.opts.DryRun {
		report.Deleted = len(toDeleteFromStatus)
		return nil
	}

	// Status first: if we're interrupted partway, we retransmit rather
	// than silently losing track of a message.
	if err := status.DeleteMany(ctx, toDeleteFromStatus); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "deleting from status")
	}

	for _, uid := range toDeleteFromStatus {
		if s.opts.SyncDeletes && dst.UIDExists(uid) {
			toDeleteFromDst = append(toDeleteFromDst, uid)
		}
	}
	if len(toDeleteFromDst) > 0 {
		if err := dst.DeleteMany(ctx, toDeleteFromDst); err != nil {
			return syncerr.Wrap(syncerr.Folder, err, "deleting from destination")
		}
	}
	report.Deleted = len(toDeleteFromDst)
	return nil
}

// flagsPass ports __syncmessagesto_flags/combine_flags_and_keywords: diff
// src's current flags (plus any destination keywords folded into flags)
// against status, and apply the delta to both dst and status in batches.
func (s *Syncer) flagsPass(ctx context.Context, src, dst, status folder.Folder, report *Report) error {
	addList := make(map[byte][]int64)
	delList := make(map[byte][]int64)

	for _, uid := range src.UIDs() {
		if uid < 0 || !dst.UIDExists(uid) {
			continue
		}

		var statusFlags flagset.Set
		if status.UIDExists(uid) {
			statusFlags = status.GetFlags(uid)
		} else {
			statusFlags = flagset.NewSet()
		}

		selfFlags := s.combineFlagsAndKeywords(src, uid)

		for _, f := range selfFlags.Diff(statusFlags).Sorted() {
			addList[f] = append(addList[f], uid)
		}
		for _, f := range statusFlags.Diff(selfFlags).Sorted() {
			delList[f] = append(delList[f], uid)
		}
	}

	if s.opts.DryRun {
		for _, uids := range addList {
			report.FlagsAdded += len(uids)
		}
		for _, uids := range delList {
			report.FlagsRemoved += len(uids)
		}
		return nil
	}

	for flag, uids := range addList {
		if err := s.applyFlagBatches(ctx, dst, status, uids, flagset.NewSet(flag), true); err != nil {
			return err
		}
		report.FlagsAdded += len(uids)
	}
	for flag, uids := range delList {
		if err := s.applyFlagBatches(ctx, dst, status, uids, flagset.NewSet(flag), false); err != nil {
			return err
		}
		report.FlagsRemoved += len(uids)
	}
	return nil
}

// combineFlagsAndKeywords ports combine_flags_and_keywords: fold any of
// src's keywords known to the destination's keyword map into flags.
func (s *Syncer) combineFlagsAndKeywords(src folder.Folder, uid int64) flagset.Set {
	flags := src.GetFlags(uid)
	if s.opts.KeywordMap == nil {
		return flags
	}
	mapped, _ := s.opts.KeywordMap.Apply(src.GetKeywords(uid))
	return flags.Union(mapped)
}

// applyFlagBatches issues at most one SaveFlagsMany call per chunk to dst
// and to status, per spec.md §4.6: "Issue at most one batched call per
// (operation, flag) to dst... Batch size is bounded (recommended 100) to
// respect IMAP line-length limits."
func (s *Syncer) applyFlagBatches(ctx context.Context, dst, status folder.Folder, uids []int64, flag flagset.Set, add bool) error {
	batch := s.opts.batchSize()
	for start := 0; start < len(uids); start += batch {
		end := start + batch
		if end > len(uids) {
			end = len(uids)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := uids[start:end]
		if err := dst.SaveFlagsMany(ctx, chunk, flag, add); err != nil {
			return syncerr.Wrap(syncerr.Folder, err, "updating destination flags")
		}
		if err := status.SaveFlagsMany(ctx, chunk, flag, add); err != nil {
			return syncerr.Wrap(syncerr.Folder, err, "updating status flags")
		}
	}
	return nil
}
