package folder

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"

	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/syncerr"
	"github.com/heliotrope/mailsync/internal/uidset"
)

// imapClient is the subset of *client.Client (plus the UIDPLUS extension)
// that IMAPFolder depends on, grounded on yzzyx-nm-imap-sync/imap.Client.
type imapClient struct {
	*client.Client
	uidplus *uidplus.UidPlusClient
}

// IMAPFolder is the Folder backend for a single mailbox on an IMAP server.
// It keeps no in-memory message bodies; List only caches envelope metadata.
type IMAPFolder struct {
	name       string
	c          *imapClient
	filterHdrs []string

	uidValidity int64
	cache       map[int64]Message
	order       []int64
}

// NewIMAPFolder wraps an already-authenticated client for the named
// mailbox. filterHeaders lists header names stripped before APPEND
// (spec.md §6's filterheaders option).
func NewIMAPFolder(c *client.Client, up *uidplus.UidPlusClient, name string, filterHeaders []string) *IMAPFolder {
	return &IMAPFolder{
		name:       name,
		c:          &imapClient{c, up},
		filterHdrs: filterHeaders,
		cache:      make(map[int64]Message),
	}
}

func (f *IMAPFolder) List(ctx context.Context, opts ListOptions) error {
	status, err := f.c.Select(f.name, false)
	if err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "selecting "+f.name)
	}
	f.uidValidity = int64(status.UidValidity)

	f.cache = make(map[int64]Message)
	f.order = f.order[:0]

	if status.Messages == 0 {
		return nil
	}

	seqSet := new(goimap.SeqSet)
	lo := uint32(1)
	if opts.MinUID > 0 {
		lo = uint32(opts.MinUID)
	}
	seqSet.AddRange(lo, math.MaxUint32)

	items := []goimap.FetchItem{goimap.FetchFlags, goimap.FetchUid, goimap.FetchInternalDate}
	if opts.MaxSize > 0 {
		items = append(items, goimap.FetchRFC822Size)
	}

	messages := make(chan *goimap.Message, 64)
	done := make(chan error, 1)
	go func() { done <- f.c.UidFetch(seqSet, items, messages) }()

	for msg := range messages {
		if msg == nil || msg.Uid == 0 {
			continue
		}
		if opts.MaxSize > 0 && msg.Size > uint32(opts.MaxSize) {
			continue
		}
		if !opts.MinDate.IsZero() && msg.InternalDate.Before(opts.MinDate) {
			continue
		}
		flags, keywords := flagset.ParseServerFlags(msg.Flags)
		uid := int64(msg.Uid)
		f.cache[uid] = Message{
			UID:          uid,
			Flags:        flags,
			Keywords:     keywords,
			InternalTime: msg.InternalDate,
		}
		f.order = append(f.order, uid)
	}
	if err := <-done; err != nil {
		return syncerr.Wrap(syncerr.FolderRetry, err, "fetching message list for "+f.name)
	}
	return nil
}

func (f *IMAPFolder) UIDExists(uid int64) bool { _, ok := f.cache[uid]; return ok }

func (f *IMAPFolder) GetFlags(uid int64) flagset.Set { return f.cache[uid].Flags }

func (f *IMAPFolder) GetKeywords(uid int64) map[string]struct{} { return f.cache[uid].Keywords }

func (f *IMAPFolder) GetTime(uid int64) time.Time { return f.cache[uid].InternalTime }

func (f *IMAPFolder) UIDs() []int64 {
	out := make([]int64, len(f.order))
	copy(out, f.order)
	return out
}

func (f *IMAPFolder) GetBody(ctx context.Context, uid int64) (io.ReadCloser, error) {
	if _, err := f.c.Select(f.name, false); err != nil {
		return nil, syncerr.Wrap(syncerr.Folder, err, "selecting "+f.name)
	}

	section := &goimap.BodySectionName{Peek: true}
	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uint32(uid))

	messages := make(chan *goimap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- f.c.UidFetch(seqSet, []goimap.FetchItem{section.FetchItem()}, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, syncerr.Wrap(syncerr.Message, err, "fetching body")
	}
	if msg == nil {
		return nil, syncerr.New(syncerr.Message, "server returned no message for uid "+strconv.FormatInt(uid, 10))
	}
	r := msg.GetBody(section)
	if r == nil {
		return nil, syncerr.New(syncerr.Message, "server returned no body for uid "+strconv.FormatInt(uid, 10))
	}
	return io.NopCloser(r), nil
}

// Save implements spec.md §4.3's APPEND algorithm: UIDPLUS when the server
// advertises it, else the X-OfflineIMAP random-header fallback (ported
// from offlineimap/folder/IMAP.py:savemessage).
func (f *IMAPFolder) Save(ctx context.Context, uidHint int64, body io.Reader, flags flagset.Set, t time.Time) (SaveResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return -1, syncerr.Wrap(syncerr.Message, err, "reading message body")
	}
	raw = stripHeaders(raw, f.filterHdrs)

	if _, err := f.c.Select(f.name, false); err != nil {
		return -1, syncerr.Wrap(syncerr.Folder, err, "selecting "+f.name)
	}

	hasUIDPlus, err := f.c.uidplus.SupportUidPlus()
	if err != nil {
		return -1, syncerr.Wrap(syncerr.FolderRetry, err, "checking UIDPLUS support")
	}

	var headerName, headerValue string
	if !hasUIDPlus {
		headerName, headerValue = "X-OfflineIMAP", randomHeaderValue(raw)
		raw = append([]byte(headerName+": "+headerValue+"\r\n"), raw...)
	}

	flagTokens := flagTokensFromSet(flags)
	literal := bytes.NewReader(raw)

	if hasUIDPlus {
		newValidity, newUID, err := f.c.uidplus.Append(f.name, flagTokens, t, literal)
		if err != nil {
			return -1, syncerr.Wrap(syncerr.Message, err, "appending message")
		}
		if newValidity == 0 || newUID == 0 {
			return 0, nil
		}
		f.uidValidity = int64(newValidity)
		uid := int64(newUID)
		f.cache[uid] = Message{UID: uid, Flags: flags, InternalTime: t}
		f.order = append(f.order, uid)
		return SaveResult(uid), nil
	}

	if err := f.c.Append(f.name, flagTokens, t, literal); err != nil {
		return -1, syncerr.Wrap(syncerr.Message, err, "appending message")
	}

	uid, err := f.searchForHeader(headerName, headerValue)
	if err != nil {
		return -1, err
	}
	if uid == 0 {
		return 0, nil
	}
	f.cache[uid] = Message{UID: uid, Flags: flags, InternalTime: t}
	f.order = append(f.order, uid)
	return SaveResult(uid), nil
}

// searchForHeader ports __savemessage_searchforheader: a UID SEARCH for the
// random header just appended. Returns 0, nil when the search comes back
// empty rather than erroring — the caller falls back to "unknown UID".
func (f *IMAPFolder) searchForHeader(headerName, headerValue string) (int64, error) {
	criteria := goimap.NewSearchCriteria()
	criteria.Header.Add(headerName, headerValue)
	uids, err := f.c.UidSearch(criteria)
	if err != nil {
		return 0, nil
	}
	if len(uids) != 1 {
		return 0, nil
	}
	return int64(uids[0]), nil
}

func (f *IMAPFolder) SaveFlags(ctx context.Context, uid int64, flags flagset.Set) error {
	if _, err := f.c.Select(f.name, false); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "selecting "+f.name)
	}
	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uint32(uid))

	current := f.cache[uid].Flags
	add := flags.Diff(current)
	remove := current.Diff(flags)

	if len(add) > 0 {
		item := goimap.FormatFlagsOp(goimap.AddFlags, true)
		if err := f.c.UidStore(seqSet, item, tagsInterface(flagTokensFromSet(add)), nil); err != nil {
			return syncerr.Wrap(syncerr.Message, err, "adding flags")
		}
	}
	if len(remove) > 0 {
		item := goimap.FormatFlagsOp(goimap.RemoveFlags, true)
		if err := f.c.UidStore(seqSet, item, tagsInterface(flagTokensFromSet(remove)), nil); err != nil {
			return syncerr.Wrap(syncerr.Message, err, "removing flags")
		}
	}
	if m, ok := f.cache[uid]; ok {
		m.Flags = flags
		f.cache[uid] = m
	}
	return nil
}

// SaveFlagsMany issues at most one UidStore per chunk, building its
// sequence set from the compacted range list uidset produces rather than
// one bare UID per message, per spec.md §4.6's batched-call/line-length
// rationale and grounded on offlineimap/folder/IMAP.py's
// __processmessagesflags_real (imaputil.uid_sequence feeds exactly one
// STORE per flag group).
func (f *IMAPFolder) SaveFlagsMany(ctx context.Context, uids []int64, flag flagset.Set, add bool) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := f.c.Select(f.name, false); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "selecting "+f.name)
	}

	seqSet, err := seqSetFromUIDs(uids)
	if err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "building flags sequence set")
	}

	op := goimap.RemoveFlags
	if add {
		op = goimap.AddFlags
	}
	item := goimap.FormatFlagsOp(op, true)
	if err := f.c.UidStore(seqSet, item, tagsInterface(flagTokensFromSet(flag)), nil); err != nil {
		verb := "removing"
		if add {
			verb = "adding"
		}
		return syncerr.Wrap(syncerr.Folder, err, verb+" flags in batch")
	}

	for _, uid := range uids {
		m, ok := f.cache[uid]
		if !ok {
			continue
		}
		if add {
			m.Flags = m.Flags.Union(flag)
		} else {
			m.Flags = m.Flags.Diff(flag)
		}
		f.cache[uid] = m
	}
	return nil
}

// seqSetFromUIDs builds one goimap.SeqSet out of uidset's compacted range
// representation, so a contiguous run of UIDs becomes a single "lo:hi"
// range in the wire command instead of one token per UID.
func seqSetFromUIDs(uids []int64) (*goimap.SeqSet, error) {
	seqSet := new(goimap.SeqSet)
	for _, token := range strings.Split(uidset.Format(uids), ",") {
		if idx := strings.IndexByte(token, ':'); idx >= 0 {
			lo, err := strconv.ParseUint(token[:idx], 10, 32)
			if err != nil {
				return nil, err
			}
			hi, err := strconv.ParseUint(token[idx+1:], 10, 32)
			if err != nil {
				return nil, err
			}
			seqSet.AddRange(uint32(lo), uint32(hi))
			continue
		}
		v, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			return nil, err
		}
		seqSet.AddNum(uint32(v))
	}
	return seqSet, nil
}

func (f *IMAPFolder) Delete(ctx context.Context, uid int64) error {
	return f.DeleteMany(ctx, []int64{uid})
}

func (f *IMAPFolder) DeleteMany(ctx context.Context, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := f.c.Select(f.name, false); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "selecting "+f.name)
	}
	seqSet := new(goimap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uint32(uid))
	}
	item := goimap.FormatFlagsOp(goimap.AddFlags, true)
	if err := f.c.UidStore(seqSet, item, tagsInterface([]string{goimap.DeletedFlag}), nil); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "marking deleted")
	}
	if err := f.c.Expunge(nil); err != nil {
		return syncerr.Wrap(syncerr.FolderRetry, err, "expunging")
	}
	for _, uid := range uids {
		delete(f.cache, uid)
	}
	return nil
}

// ChangeUID is not meaningful against a live IMAP server: UIDs are assigned
// by the server, never by the client.
func (f *IMAPFolder) ChangeUID(ctx context.Context, uid, newUID int64) error { return ErrNotSupported }

func (f *IMAPFolder) UIDValidity() int64 { return f.uidValidity }

// SuggestsThreads is true: IMAP round-trips dominate wall time, so the
// scheduler should run several folders from this repository concurrently.
func (f *IMAPFolder) SuggestsThreads() bool { return true }

func (f *IMAPFolder) Close() error { return nil }

func flagTokensFromSet(s flagset.Set) []string {
	out := make([]string, 0, len(s))
	for _, letter := range s.Sorted() {
		if tok, ok := flagset.ServerToken(letter); ok {
			out = append(out, tok)
		}
	}
	return out
}

func tagsInterface(tokens []string) []interface{} {
	out := make([]interface{}, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}

// randomHeaderValue ports __generate_randomheader: crc32 of the message
// body concatenated with a random 64-bit value, giving a header a UID
// SEARCH can find uniquely even across duplicate uploads.
func randomHeaderValue(body []byte) string {
	sum := crc32.ChecksumIEEE(body)
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	r := binary.BigEndian.Uint64(buf[:])
	return fmt.Sprintf("%08x-%016x", sum, r)
}

// stripHeaders removes the named headers from a raw RFC 5322 message before
// APPEND, per spec.md §6's filterheaders option.
func stripHeaders(raw []byte, names []string) []byte {
	if len(names) == 0 {
		return raw
	}
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := "\r\n\r\n"
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		sep = "\n\n"
		if idx < 0 {
			return raw
		}
	}
	headerBlock, rest := raw[:idx], raw[idx+len(sep):]

	m, err := mail.ReadMessage(bytes.NewReader(append(append([]byte{}, headerBlock...), []byte(sep)...)))
	if err != nil {
		return raw
	}
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[strings.ToLower(n)] = struct{}{}
	}

	var out bytes.Buffer
	for k, vs := range m.Header {
		if _, skip := drop[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vs {
			out.WriteString(k)
			out.WriteString(": ")
			out.WriteString(v)
			out.WriteString("\r\n")
		}
	}
	out.WriteString("\r\n")
	out.Write(rest)
	return out.Bytes()
}
