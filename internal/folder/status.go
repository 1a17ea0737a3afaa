package folder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/syncerr"
)

// StatusFolder is the persistent record of "what we believe is synced" for
// one (repository-pair, folder) combination (spec.md §4.4): the three-pass
// synchronizer diffs the two live folders against this cache, not against
// each other, so a message that vanished from both sides between runs is
// recognized as "already deleted" instead of "never existed".
//
// On-disk format is the one spec.md §4.4/§6 mandates: one record per line,
// `uid|flags-letters|mtime|labels`, the whole file rewritten atomically via
// temp-file-rename (grounded on UIDValidityGuard.Save in uidvalidity.go,
// which does the same thing for a single integer) and fsynced on commit
// unless Fsync is set false.
type StatusFolder struct {
	path  string
	fsync bool

	uidValidity int64

	cache map[int64]Message
	order []int64
	dirty bool
}

// OpenStatusFolder opens (creating if necessary) the record file backing
// one folder's synced-state cache and loads it into memory.
func OpenStatusFolder(ctx context.Context, dbDir, folderName string) (*StatusFolder, error) {
	return OpenStatusFolderWithFsync(ctx, dbDir, folderName, true)
}

// OpenStatusFolderWithFsync is OpenStatusFolder with the fsync-on-commit
// behavior explicit, for callers honoring the top-level `fsync` setting
// (spec.md §6: "Fsync on commit unless disabled").
func OpenStatusFolderWithFsync(ctx context.Context, dbDir, folderName string, fsync bool) (*StatusFolder, error) {
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, syncerr.Wrap(syncerr.Repo, err, "creating status dir")
	}
	sf := &StatusFolder{
		path:  filepath.Join(dbDir, folderBasename(folderName)+".status"),
		fsync: fsync,
		cache: make(map[int64]Message),
	}
	if err := sf.load(); err != nil {
		return nil, err
	}
	return sf, nil
}

// uidValidityPath is where SetUIDValidity records the folder's remote
// UIDVALIDITY; kept alongside the record file rather than inside it so a
// validity mismatch can be detected without parsing every record.
func (sf *StatusFolder) uidValidityPath() string {
	return sf.path + ".uidvalidity"
}

func (sf *StatusFolder) load() error {
	sf.cache = make(map[int64]Message)
	sf.order = sf.order[:0]

	if data, err := os.ReadFile(sf.uidValidityPath()); err == nil {
		if v, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); perr == nil {
			sf.uidValidity = v
		}
	} else if !os.IsNotExist(err) {
		return syncerr.Wrap(syncerr.Folder, err, "reading status uidvalidity")
	}

	f, err := os.Open(sf.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return syncerr.Wrap(syncerr.Folder, err, "opening status file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, err := decodeStatusLine(line)
		if err != nil {
			return syncerr.Wrap(syncerr.Folder, err, "parsing status record")
		}
		sf.cache[msg.UID] = msg
		sf.order = append(sf.order, msg.UID)
	}
	if err := scanner.Err(); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "reading status file")
	}
	return nil
}

// decodeStatusLine parses one `uid|flags-letters|mtime|labels` record.
func decodeStatusLine(line string) (Message, error) {
	fields := strings.SplitN(line, "|", 4)
	if len(fields) != 4 {
		return Message{}, fmt.Errorf("status record has %d fields, want 4: %q", len(fields), line)
	}
	uid, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("invalid uid field %q: %w", fields[0], err)
	}
	mtimeUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("invalid mtime field %q: %w", fields[2], err)
	}
	return Message{
		UID:          uid,
		Flags:        decodeFlagString(fields[1]),
		Keywords:     decodeLabelString(fields[3]),
		InternalTime: time.Unix(mtimeUnix, 0).UTC(),
	}, nil
}

func encodeStatusLine(m Message) string {
	return fmt.Sprintf("%d|%s|%d|%s", m.UID, encodeFlagString(m.Flags), m.InternalTime.Unix(), encodeLabelString(m.Keywords))
}

func decodeFlagString(s string) flagset.Set {
	out := make(flagset.Set, len(s))
	for i := 0; i < len(s); i++ {
		out.Add(s[i])
	}
	return out
}

func encodeFlagString(s flagset.Set) string { return string(s.Sorted()) }

// decodeLabelString/encodeLabelString store the labels field as a
// comma-joined list, matching the '|'-as-record-separator/','-as-list-
// separator convention the rest of the status line format uses.
func decodeLabelString(s string) map[string]struct{} {
	out := map[string]struct{}{}
	if s == "" {
		return out
	}
	for _, label := range strings.Split(s, ",") {
		if label != "" {
			out[label] = struct{}{}
		}
	}
	return out
}

func encodeLabelString(m map[string]struct{}) string {
	labels := make([]string, 0, len(m))
	for k := range m {
		labels = append(labels, k)
	}
	return strings.Join(labels, ",")
}

// commit rewrites the whole record file via temp-file-rename, the same
// discipline UIDValidityGuard.Save uses, so a crash mid-write never leaves
// a corrupt status file. Fsynced before the rename unless sf.fsync is
// false.
func (sf *StatusFolder) commit() error {
	tmp := sf.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "creating status temp file")
	}

	w := bufio.NewWriter(f)
	for _, uid := range sf.order {
		if _, err := io.WriteString(w, encodeStatusLine(sf.cache[uid])+"\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return syncerr.Wrap(syncerr.Folder, err, "writing status record")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return syncerr.Wrap(syncerr.Folder, err, "flushing status temp file")
	}
	if sf.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return syncerr.Wrap(syncerr.Folder, err, "fsyncing status temp file")
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return syncerr.Wrap(syncerr.Folder, err, "closing status temp file")
	}
	if err := os.Rename(tmp, sf.path); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "renaming status file into place")
	}
	sf.dirty = false
	return nil
}

func (sf *StatusFolder) List(ctx context.Context, opts ListOptions) error { return nil }

func (sf *StatusFolder) UIDExists(uid int64) bool { _, ok := sf.cache[uid]; return ok }

func (sf *StatusFolder) GetFlags(uid int64) flagset.Set { return sf.cache[uid].Flags }

func (sf *StatusFolder) GetKeywords(uid int64) map[string]struct{} { return sf.cache[uid].Keywords }

func (sf *StatusFolder) GetTime(uid int64) time.Time { return sf.cache[uid].InternalTime }

func (sf *StatusFolder) UIDs() []int64 {
	out := make([]int64, len(sf.order))
	copy(out, sf.order)
	return out
}

// GetBody is never meaningful for a status folder: it caches metadata only.
func (sf *StatusFolder) GetBody(ctx context.Context, uid int64) (io.ReadCloser, error) {
	return nil, ErrNotSupported
}

// Save records that uidHint (which must already be known -- a status
// folder never originates new UIDs) is now synced with the given flags and
// time.
func (sf *StatusFolder) Save(ctx context.Context, uidHint int64, body io.Reader, flags flagset.Set, t time.Time) (SaveResult, error) {
	if uidHint <= 0 {
		return -1, syncerr.New(syncerr.Critical, "status folder cannot assign a UID")
	}
	if _, existed := sf.cache[uidHint]; !existed {
		sf.order = append(sf.order, uidHint)
	}
	sf.cache[uidHint] = Message{UID: uidHint, Flags: flags, InternalTime: t}
	if err := sf.commit(); err != nil {
		return -1, err
	}
	return SaveResult(uidHint), nil
}

func (sf *StatusFolder) SaveFlags(ctx context.Context, uid int64, flags flagset.Set) error {
	m, ok := sf.cache[uid]
	if !ok {
		return syncerr.New(syncerr.Message, "no such uid in status folder")
	}
	m.Flags = flags
	sf.cache[uid] = m
	return sf.commit()
}

// SaveFlagsMany applies the same add-or-remove of flag to every uid in one
// rewrite of the record file, instead of one rewrite per UID -- there is
// no wire protocol here to batch against, but the file is still only
// written once per chunk, per spec.md §4.6's batching intent.
func (sf *StatusFolder) SaveFlagsMany(ctx context.Context, uids []int64, flag flagset.Set, add bool) error {
	changed := false
	for _, uid := range uids {
		m, ok := sf.cache[uid]
		if !ok {
			continue
		}
		if add {
			m.Flags = m.Flags.Union(flag)
		} else {
			m.Flags = m.Flags.Diff(flag)
		}
		sf.cache[uid] = m
		changed = true
	}
	if !changed {
		return nil
	}
	return sf.commit()
}

func (sf *StatusFolder) Delete(ctx context.Context, uid int64) error {
	return sf.DeleteMany(ctx, []int64{uid})
}

func (sf *StatusFolder) DeleteMany(ctx context.Context, uids []int64) error {
	changed := false
	for _, uid := range uids {
		if _, ok := sf.cache[uid]; ok {
			delete(sf.cache, uid)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	newOrder := sf.order[:0]
	for _, uid := range sf.order {
		if _, ok := sf.cache[uid]; ok {
			newOrder = append(newOrder, uid)
		}
	}
	sf.order = newOrder
	return sf.commit()
}

// ChangeUID re-keys the record for uid under newUID, keeping its position
// in the record file.
func (sf *StatusFolder) ChangeUID(ctx context.Context, uid, newUID int64) error {
	m, ok := sf.cache[uid]
	if !ok {
		return syncerr.New(syncerr.Message, "no such uid in status folder")
	}
	delete(sf.cache, uid)
	m.UID = newUID
	sf.cache[newUID] = m
	for i, u := range sf.order {
		if u == uid {
			sf.order[i] = newUID
			break
		}
	}
	return sf.commit()
}

func (sf *StatusFolder) UIDValidity() int64 { return sf.uidValidity }

// SetUIDValidity records the remote UIDVALIDITY this status cache is valid
// against, via the same temp-file-rename discipline UIDValidityGuard uses.
func (sf *StatusFolder) SetUIDValidity(ctx context.Context, v int64) error {
	tmp := sf.uidValidityPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", v)), 0600); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "writing status uidvalidity")
	}
	if err := os.Rename(tmp, sf.uidValidityPath()); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "renaming status uidvalidity into place")
	}
	sf.uidValidity = v
	return nil
}

// SuggestsThreads is false: the record file is local and fast to rewrite,
// no benefit from concurrent folder sync against the same repository.
func (sf *StatusFolder) SuggestsThreads() bool { return false }

func (sf *StatusFolder) Close() error { return nil }
