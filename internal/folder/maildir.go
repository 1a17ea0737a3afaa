package folder

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/syncerr"
)

// maildir flag letters appear in the info suffix sorted alphabetically, per
// the maildir convention (D F P R S T).
const maildirFlagLetters = "DFPRST"

var seqCounter int64

// MaildirFolder is the Folder backend for one maildir directory (tmp/cur/new),
// grounded on createMailDir/getMessage's naming scheme.
type MaildirFolder struct {
	path     string
	hostname string
	pid      int

	mu    sync.Mutex
	cache map[int64]maildirEntry
	order []int64

	// nextUID tracks the highest UID assigned so far in this maildir, since
	// unlike IMAP a maildir has no server-assigned counter.
	nextUID int64
}

type maildirEntry struct {
	uid      int64
	filename string
	flags    flagset.Set
	keywords map[string]struct{}
	mtime    time.Time
	size     int64
}

// NewMaildirFolder opens (creating if necessary) the maildir at path.
func NewMaildirFolder(path string) (*MaildirFolder, error) {
	if err := ensureMaildirLayout(path); err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &MaildirFolder{
		path:     path,
		hostname: hostname,
		pid:      os.Getpid(),
		cache:    make(map[int64]maildirEntry),
	}, nil
}

func ensureMaildirLayout(path string) error {
	if st, err := os.Stat(path); err == nil {
		if !st.IsDir() {
			return syncerr.New(syncerr.Repo, fmt.Sprintf("path %s is not a directory", path))
		}
	} else if !os.IsNotExist(err) {
		return syncerr.Wrap(syncerr.Repo, err, "statting maildir")
	}
	for _, sub := range []string{"tmp", "cur", "new"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0700); err != nil {
			return syncerr.Wrap(syncerr.Repo, err, "creating maildir layout")
		}
	}
	return nil
}

// List scans cur/ and new/, parsing the UID out of each filename's
// ",U=<uid>" info field (the local-only UID convention this backend uses
// in place of a server-assigned one).
func (f *MaildirFolder) List(ctx context.Context, opts ListOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cache = make(map[int64]maildirEntry)
	f.order = f.order[:0]

	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(f.path, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return syncerr.Wrap(syncerr.Folder, err, "reading "+dir)
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			uid, flags, keywords, ok := parseMaildirFilename(de.Name())
			if !ok {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			if opts.MinUID > 0 && uid < opts.MinUID {
				continue
			}
			if opts.MaxSize > 0 && info.Size() > opts.MaxSize {
				continue
			}
			if !opts.MinDate.IsZero() && info.ModTime().Before(opts.MinDate) {
				continue
			}
			f.cache[uid] = maildirEntry{
				uid:      uid,
				filename: filepath.Join(dir, de.Name()),
				flags:    flags,
				keywords: keywords,
				mtime:    info.ModTime(),
				size:     info.Size(),
			}
			if uid > f.nextUID {
				f.nextUID = uid
			}
		}
	}
	f.order = make([]int64, 0, len(f.cache))
	for uid := range f.cache {
		f.order = append(f.order, uid)
	}
	sort.Slice(f.order, func(i, j int) bool { return f.order[i] < f.order[j] })
	return nil
}

// parseMaildirFilename extracts the UID and flags from a filename of the
// form "<unique>,U=<uid>:2,<flags>".
func parseMaildirFilename(name string) (uid int64, flags flagset.Set, keywords map[string]struct{}, ok bool) {
	flags = make(flagset.Set)
	keywords = make(map[string]struct{})

	base := name
	if i := strings.LastIndex(base, ":2,"); i >= 0 {
		flagChars := base[i+3:]
		for _, c := range flagChars {
			switch byte(c) {
			case 'S':
				flags.Add(flagset.Seen)
			case 'R':
				flags.Add(flagset.Answered)
			case 'F':
				flags.Add(flagset.Flagged)
			case 'T':
				flags.Add(flagset.Deleted)
			case 'D':
				flags.Add(flagset.Draft)
			}
		}
		base = base[:i]
	}

	const marker = ",U="
	i := strings.Index(base, marker)
	if i < 0 {
		return 0, nil, nil, false
	}
	rest := base[i+len(marker):]
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, nil, nil, false
	}
	uid, err := strconv.ParseInt(rest[:j], 10, 64)
	if err != nil {
		return 0, nil, nil, false
	}
	return uid, flags, keywords, true
}

func (f *MaildirFolder) UIDExists(uid int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cache[uid]
	return ok
}

func (f *MaildirFolder) GetFlags(uid int64) flagset.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[uid].flags
}

func (f *MaildirFolder) GetKeywords(uid int64) map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[uid].keywords
}

func (f *MaildirFolder) GetTime(uid int64) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[uid].mtime
}

func (f *MaildirFolder) UIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.order))
	copy(out, f.order)
	return out
}

func (f *MaildirFolder) GetBody(ctx context.Context, uid int64) (io.ReadCloser, error) {
	f.mu.Lock()
	entry, ok := f.cache[uid]
	f.mu.Unlock()
	if !ok {
		return nil, syncerr.New(syncerr.Message, "no such message in maildir")
	}
	fh, err := os.Open(entry.filename)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Message, err, "opening maildir entry")
	}
	return fh, nil
}

// Save writes body into tmp/ then renames into cur/, following the
// write-then-rename discipline of createMailDir/getMessage: a reader never
// observes a partially written file. uidHint is honored when positive and
// free; otherwise the folder assigns the next local UID.
func (f *MaildirFolder) Save(ctx context.Context, uidHint int64, body io.Reader, flags flagset.Set, t time.Time) (SaveResult, error) {
	f.mu.Lock()
	uid := uidHint
	if uid <= 0 || f.cacheHasLocked(uid) {
		f.nextUID++
		uid = f.nextUID
	} else if uid > f.nextUID {
		f.nextUID = uid
	}
	f.mu.Unlock()

	seq := atomic.AddInt64(&seqCounter, 1)
	uniqueName := fmt.Sprintf("%d_%d.%d.%s,U=%d", time.Now().Unix(), seq, f.pid, f.hostname, uid)

	tmpPath := filepath.Join(f.path, "tmp", uniqueName)
	fh, err := os.Create(tmpPath)
	if err != nil {
		return -1, syncerr.Wrap(syncerr.Folder, err, "creating maildir tmp file")
	}

	hash := md5.New()
	w := io.MultiWriter(fh, hash)
	if _, err := io.Copy(w, body); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmpPath)
		return -1, syncerr.Wrap(syncerr.Message, err, "writing message body")
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return -1, syncerr.Wrap(syncerr.Message, err, "closing message body")
	}

	finalName := fmt.Sprintf("%s,FMD5=%x:2,%s", uniqueName, hash.Sum(nil), flagInfoSuffix(flags))
	finalPath := filepath.Join(f.path, "cur", finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return -1, syncerr.Wrap(syncerr.Message, err, "renaming into cur")
	}
	if t.IsZero() {
		t = time.Now()
	} else if err := os.Chtimes(finalPath, t, t); err != nil {
		return -1, syncerr.Wrap(syncerr.Message, err, "setting mtime")
	}

	f.mu.Lock()
	f.cache[uid] = maildirEntry{uid: uid, filename: finalPath, flags: flags, keywords: map[string]struct{}{}, mtime: t}
	f.order = append(f.order, uid)
	f.mu.Unlock()

	return SaveResult(uid), nil
}

func (f *MaildirFolder) cacheHasLocked(uid int64) bool {
	_, ok := f.cache[uid]
	return ok
}

func flagInfoSuffix(flags flagset.Set) string {
	var b strings.Builder
	for _, c := range maildirFlagLetters {
		letter := maildirLetterFromInfoChar(byte(c))
		if flags.Has(letter) {
			b.WriteByte(byte(c))
		}
	}
	return b.String()
}

func maildirLetterFromInfoChar(c byte) byte {
	switch c {
	case 'S':
		return flagset.Seen
	case 'R':
		return flagset.Answered
	case 'F':
		return flagset.Flagged
	case 'T':
		return flagset.Deleted
	case 'D':
		return flagset.Draft
	default:
		return 0
	}
}

// SaveFlags renames the file to reflect the new flag set, per maildir's
// convention that flags live in the filename.
func (f *MaildirFolder) SaveFlags(ctx context.Context, uid int64, flags flagset.Set) error {
	f.mu.Lock()
	entry, ok := f.cache[uid]
	f.mu.Unlock()
	if !ok {
		return syncerr.New(syncerr.Message, "no such message in maildir")
	}

	dir := filepath.Dir(entry.filename)
	base := filepath.Base(entry.filename)
	if i := strings.LastIndex(base, ":2,"); i >= 0 {
		base = base[:i]
	}
	newName := fmt.Sprintf("%s:2,%s", base, flagInfoSuffix(flags))
	newPath := filepath.Join(dir, newName)

	if newPath != entry.filename {
		if err := os.Rename(entry.filename, newPath); err != nil {
			return syncerr.Wrap(syncerr.Message, err, "renaming to reflect new flags")
		}
	}

	entry.flags = flags
	entry.filename = newPath
	f.mu.Lock()
	f.cache[uid] = entry
	f.mu.Unlock()
	return nil
}

// SaveFlagsMany has no wire call to batch against -- a maildir rename is
// already a single local filesystem operation per message -- so it simply
// applies the same add/remove to each uid in turn.
func (f *MaildirFolder) SaveFlagsMany(ctx context.Context, uids []int64, flag flagset.Set, add bool) error {
	for _, uid := range uids {
		f.mu.Lock()
		entry, ok := f.cache[uid]
		f.mu.Unlock()
		if !ok {
			continue
		}
		var next flagset.Set
		if add {
			next = entry.flags.Union(flag)
		} else {
			next = entry.flags.Diff(flag)
		}
		if err := f.SaveFlags(ctx, uid, next); err != nil {
			return err
		}
	}
	return nil
}

func (f *MaildirFolder) Delete(ctx context.Context, uid int64) error {
	return f.DeleteMany(ctx, []int64{uid})
}

func (f *MaildirFolder) DeleteMany(ctx context.Context, uids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range uids {
		entry, ok := f.cache[uid]
		if !ok {
			continue
		}
		if err := os.Remove(entry.filename); err != nil && !os.IsNotExist(err) {
			return syncerr.Wrap(syncerr.Message, err, "deleting maildir entry")
		}
		delete(f.cache, uid)
	}
	f.order = f.order[:0]
	for u := range f.cache {
		f.order = append(f.order, u)
	}
	sort.Slice(f.order, func(i, j int) bool { return f.order[i] < f.order[j] })
	return nil
}

// ChangeUID renames uid's file to carry newUID in its ",U=" field. The copy
// pass calls it on its source folder when the destination stored a message
// under a different UID.
func (f *MaildirFolder) ChangeUID(ctx context.Context, uid, newUID int64) error {
	f.mu.Lock()
	entry, ok := f.cache[uid]
	f.mu.Unlock()
	if !ok {
		return syncerr.New(syncerr.Message, "no such message in maildir")
	}

	dir := filepath.Dir(entry.filename)
	base := filepath.Base(entry.filename)
	const marker = ",U="
	i := strings.Index(base, marker)
	if i < 0 {
		return syncerr.New(syncerr.Critical, "maildir filename missing UID marker")
	}
	rest := base[i+len(marker):]
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	newBase := base[:i+len(marker)] + strconv.FormatInt(newUID, 10) + rest[j:]
	newPath := filepath.Join(dir, newBase)

	if err := os.Rename(entry.filename, newPath); err != nil {
		return syncerr.Wrap(syncerr.Message, err, "renaming to new UID")
	}

	f.mu.Lock()
	delete(f.cache, uid)
	entry.uid = newUID
	entry.filename = newPath
	f.cache[newUID] = entry
	if newUID > f.nextUID {
		f.nextUID = newUID
	}
	f.mu.Unlock()
	return nil
}

func (f *MaildirFolder) UIDValidity() int64 { return 1 }

// SuggestsThreads is false: local disk I/O doesn't benefit from the
// concurrency that hides IMAP round-trip latency.
func (f *MaildirFolder) SuggestsThreads() bool { return false }

func (f *MaildirFolder) Close() error { return nil }
