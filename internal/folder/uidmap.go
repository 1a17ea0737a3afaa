package folder

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/syncerr"
)

// zeroUIDRetryLimit bounds how many times Save may return an unknown UID
// (SaveResult == 0) for the same local message before the map promotes the
// condition from "retry next run" to a Folder-severity error. Without this
// a server that never lets us discover a UID (broken UIDPLUS, SEARCH
// disabled) would leave the pair looping forever across runs.
const zeroUIDRetryLimit = 3

// UIDMap persists the bijection between a local UID and the corresponding
// UID on the remote side of an IMAP<->IMAP pair, plus a per-pending-message
// retry counter for the save-returns-unknown-UID case.
type UIDMap struct {
	db *sql.DB
}

// OpenUIDMap opens (creating and migrating if necessary) the sqlite file
// backing one folder pair's UID bijection, grounded on syncdb.go's
// migration style.
func OpenUIDMap(ctx context.Context, dbDir, pairName string) (*UIDMap, error) {
	path := filepath.Join(dbDir, folderBasename(pairName)+".uidmap.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Repo, err, "opening uid map db")
	}
	m := &UIDMap{db: db}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *UIDMap) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS uidmap (
			local_uid  INTEGER PRIMARY KEY,
			remote_uid INTEGER,
			zero_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uidmap_remote ON uidmap (remote_uid) WHERE remote_uid IS NOT NULL;`,
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s); err != nil {
			return syncerr.Wrap(syncerr.Repo, err, "migrating uid map db")
		}
	}
	return nil
}

// RemoteFor returns the remote UID mapped to localUID, if known.
func (m *UIDMap) RemoteFor(ctx context.Context, localUID int64) (int64, bool, error) {
	var remote sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT remote_uid FROM uidmap WHERE local_uid = ?`, localUID).Scan(&remote)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, syncerr.Wrap(syncerr.Folder, err, "querying uid map")
	}
	if !remote.Valid {
		return 0, false, nil
	}
	return remote.Int64, true, nil
}

// LocalFor returns the local UID mapped to remoteUID, if known.
func (m *UIDMap) LocalFor(ctx context.Context, remoteUID int64) (int64, bool, error) {
	var local int64
	err := m.db.QueryRowContext(ctx, `SELECT local_uid FROM uidmap WHERE remote_uid = ?`, remoteUID).Scan(&local)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, syncerr.Wrap(syncerr.Folder, err, "querying uid map")
	}
	return local, true, nil
}

// Bind records that localUID now corresponds to remoteUID, resetting its
// zero-UID retry counter.
func (m *UIDMap) Bind(ctx context.Context, localUID, remoteUID int64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO uidmap (local_uid, remote_uid, zero_count) VALUES (?, ?, 0)
		 ON CONFLICT(local_uid) DO UPDATE SET remote_uid = excluded.remote_uid, zero_count = 0`,
		localUID, remoteUID)
	if err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "binding uid map entry")
	}
	return nil
}

// RecordUnknownUID notes that saving localUID on the remote side returned
// an unknown UID (SaveResult == 0). It returns an error once
// zeroUIDRetryLimit consecutive unknown results have been recorded for this
// message, per the decision in DESIGN.md to bound the retry loop.
func (m *UIDMap) RecordUnknownUID(ctx context.Context, localUID int64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO uidmap (local_uid, remote_uid, zero_count) VALUES (?, NULL, 1)
		 ON CONFLICT(local_uid) DO UPDATE SET zero_count = zero_count + 1`,
		localUID)
	if err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "recording unknown uid")
	}

	var count int
	if err := m.db.QueryRowContext(ctx, `SELECT zero_count FROM uidmap WHERE local_uid = ?`, localUID).Scan(&count); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "reading zero-uid retry count")
	}
	if count >= zeroUIDRetryLimit {
		return syncerr.New(syncerr.Folder, "message's remote UID could not be determined after repeated attempts")
	}
	return nil
}

func (m *UIDMap) Close() error { return m.db.Close() }

// MappedIMAPFolder wraps an IMAPFolder so that the local side of an
// IMAP<->IMAP pair can address messages by a stable local UID instead of
// the (per-mailbox, UIDVALIDITY-scoped) UID the remote server assigns
// (spec.md's C5 module). It is composition, not inheritance: every call
// not concerned with UID translation delegates straight to the wrapped
// IMAPFolder.
type MappedIMAPFolder struct {
	inner *IMAPFolder
	uids  *UIDMap

	mu      map[int64]int64 // local -> remote, warm cache for List
	nextLoc int64
}

// NewMappedIMAPFolder wraps inner, persisting its UID bijection in uids.
func NewMappedIMAPFolder(inner *IMAPFolder, uids *UIDMap) *MappedIMAPFolder {
	return &MappedIMAPFolder{inner: inner, uids: uids, mu: make(map[int64]int64)}
}

func (f *MappedIMAPFolder) List(ctx context.Context, opts ListOptions) error {
	if err := f.inner.List(ctx, ListOptions{}); err != nil {
		return err
	}
	f.mu = make(map[int64]int64, len(f.inner.order))
	maxLocal := int64(0)

	for _, remoteUID := range f.inner.order {
		local, ok, err := f.uids.LocalFor(ctx, remoteUID)
		if err != nil {
			return err
		}
		if !ok {
			f.nextLoc++
			local = f.nextLoc
			if err := f.uids.Bind(ctx, local, remoteUID); err != nil {
				return err
			}
		}
		f.mu[local] = remoteUID
		if local > maxLocal {
			maxLocal = local
		}
	}
	if maxLocal > f.nextLoc {
		f.nextLoc = maxLocal
	}
	return f.applyFilter(opts)
}

// applyFilter drops translated UIDs below MinUID (compared with local UIDs)
// and messages older than MinDate. List runs the wrapped IMAPFolder's List
// without filters, so MaxSize is not applied: the wrapped cache holds no
// message sizes.
func (f *MappedIMAPFolder) applyFilter(opts ListOptions) error {
	if opts.MinDate.IsZero() && opts.MinUID == 0 && opts.MaxSize == 0 {
		return nil
	}
	for local, remote := range f.mu {
		if opts.MinUID > 0 && local < opts.MinUID {
			delete(f.mu, local)
			continue
		}
		msg, ok := f.inner.cache[remote]
		if !ok {
			continue
		}
		if !opts.MinDate.IsZero() && msg.InternalTime.Before(opts.MinDate) {
			delete(f.mu, local)
		}
	}
	return nil
}

func (f *MappedIMAPFolder) remoteOf(local int64) (int64, bool) {
	remote, ok := f.mu[local]
	return remote, ok
}

func (f *MappedIMAPFolder) UIDExists(local int64) bool {
	_, ok := f.remoteOf(local)
	return ok
}

func (f *MappedIMAPFolder) GetFlags(local int64) flagset.Set {
	if remote, ok := f.remoteOf(local); ok {
		return f.inner.GetFlags(remote)
	}
	return nil
}

func (f *MappedIMAPFolder) GetKeywords(local int64) map[string]struct{} {
	if remote, ok := f.remoteOf(local); ok {
		return f.inner.GetKeywords(remote)
	}
	return nil
}

func (f *MappedIMAPFolder) GetTime(local int64) time.Time {
	if remote, ok := f.remoteOf(local); ok {
		return f.inner.GetTime(remote)
	}
	return time.Time{}
}

func (f *MappedIMAPFolder) UIDs() []int64 {
	out := make([]int64, 0, len(f.mu))
	for local := range f.mu {
		out = append(out, local)
	}
	return out
}

func (f *MappedIMAPFolder) GetBody(ctx context.Context, local int64) (io.ReadCloser, error) {
	remote, ok := f.remoteOf(local)
	if !ok {
		return nil, syncerr.New(syncerr.Message, "no such local uid in map")
	}
	return f.inner.GetBody(ctx, remote)
}

// Save appends to the remote side and binds the result back to uidHint
// (treated as the local UID the caller wants this message to keep). If the
// server's UID cannot be determined, the attempt is recorded against the
// zero-UID retry counter instead of immediately failing.
func (f *MappedIMAPFolder) Save(ctx context.Context, uidHint int64, body io.Reader, flags flagset.Set, t time.Time) (SaveResult, error) {
	result, err := f.inner.Save(ctx, -1, body, flags, t)
	if err != nil {
		return -1, err
	}
	if !result.Saved() {
		return result, nil
	}

	local := uidHint
	if local <= 0 {
		f.nextLoc++
		local = f.nextLoc
	}

	if result == 0 {
		if err := f.uids.RecordUnknownUID(ctx, local); err != nil {
			return 0, err
		}
		return 0, nil
	}

	remote := int64(result)
	if err := f.uids.Bind(ctx, local, remote); err != nil {
		return -1, err
	}
	f.mu[local] = remote
	if local > f.nextLoc {
		f.nextLoc = local
	}
	return SaveResult(local), nil
}

func (f *MappedIMAPFolder) SaveFlags(ctx context.Context, local int64, flags flagset.Set) error {
	remote, ok := f.remoteOf(local)
	if !ok {
		return syncerr.New(syncerr.Message, "no such local uid in map")
	}
	return f.inner.SaveFlags(ctx, remote, flags)
}

// SaveFlagsMany translates the whole batch of local UIDs to remote UIDs
// before delegating to the wrapped IMAPFolder, so the batching it performs
// at the wire level (one SeqSet per chunk) still applies across a mapped
// IMAP<->IMAP pair.
func (f *MappedIMAPFolder) SaveFlagsMany(ctx context.Context, locals []int64, flag flagset.Set, add bool) error {
	remotes := make([]int64, 0, len(locals))
	for _, local := range locals {
		if remote, ok := f.remoteOf(local); ok {
			remotes = append(remotes, remote)
		}
	}
	return f.inner.SaveFlagsMany(ctx, remotes, flag, add)
}

func (f *MappedIMAPFolder) Delete(ctx context.Context, local int64) error {
	return f.DeleteMany(ctx, []int64{local})
}

func (f *MappedIMAPFolder) DeleteMany(ctx context.Context, locals []int64) error {
	remotes := make([]int64, 0, len(locals))
	for _, local := range locals {
		if remote, ok := f.remoteOf(local); ok {
			remotes = append(remotes, remote)
			delete(f.mu, local)
		}
	}
	return f.inner.DeleteMany(ctx, remotes)
}

// ChangeUID is not supported: the local identifier here is already stable
// across server-side UIDVALIDITY resets by construction of the map.
func (f *MappedIMAPFolder) ChangeUID(ctx context.Context, uid, newUID int64) error {
	return ErrNotSupported
}

func (f *MappedIMAPFolder) UIDValidity() int64 { return f.inner.UIDValidity() }

func (f *MappedIMAPFolder) SuggestsThreads() bool { return f.inner.SuggestsThreads() }

func (f *MappedIMAPFolder) Close() error {
	if err := f.uids.Close(); err != nil {
		return err
	}
	return f.inner.Close()
}
