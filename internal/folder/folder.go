// Package folder defines the uniform capability set every synchronizable
// mail folder backend must provide (spec.md §4.3), and implements the four
// concrete backends: IMAP, maildir, the mapped-UID wrapper for IMAP↔IMAP
// pairs, and the local status folder.
package folder

import (
	"context"
	"io"
	"time"

	"github.com/heliotrope/mailsync/internal/flagset"
)

// Message is the unit of synchronization (spec.md §3). Body is loaded
// lazily through GetBody and is never held by the Folder's cached list.
type Message struct {
	UID          int64
	Flags        flagset.Set
	Keywords     map[string]struct{}
	InternalTime time.Time
}

// ListOptions filters the cached message list (spec.md's supplemented
// maxage/maxsize/startdate configuration surface, §6).
type ListOptions struct {
	MinDate time.Time // Zero means no filter.
	MinUID  int64     // Zero means no filter.
	MaxSize int64     // Zero means no filter.
}

// SaveResult is the tri-state outcome of Save, per spec.md §4.3: positive
// means saved with a known UID, zero means saved but the UID could not be
// determined, negative means not saved at all.
type SaveResult int64

// Saved reports whether the message was actually stored, regardless of
// whether its UID is known.
func (r SaveResult) Saved() bool { return r >= 0 }

// Folder is the capability set spec.md §4.3 requires of every backend.
// Composition, not inheritance, builds variants: MappedIMAPFolder wraps an
// IMAPFolder rather than subclassing it.
type Folder interface {
	// List populates the in-memory cache according to opts. After it
	// returns, UIDExists/GetFlags/GetKeywords/GetTime reflect every message
	// matching the filter.
	List(ctx context.Context, opts ListOptions) error

	UIDExists(uid int64) bool
	GetFlags(uid int64) flagset.Set
	GetKeywords(uid int64) map[string]struct{}
	GetTime(uid int64) time.Time
	UIDs() []int64

	// GetBody fetches a message body lazily; it may fail (e.g. the status
	// folder never supports it).
	GetBody(ctx context.Context, uid int64) (io.ReadCloser, error)

	// Save implements the tri-state contract of spec.md §4.3: a negative
	// uidHint requests a freshly assigned UID; a positive one asks the
	// backend to preserve it if it can.
	Save(ctx context.Context, uidHint int64, body io.Reader, flags flagset.Set, t time.Time) (SaveResult, error)
	SaveFlags(ctx context.Context, uid int64, flags flagset.Set) error

	// SaveFlagsMany adds (add == true) or removes (add == false) flag
	// across every uid in one call, so a flags-pass chunk reaches the
	// backend as a single batched operation (spec.md §4.6: "Issue at most
	// one batched call per (operation, flag) to dst") instead of one call
	// per UID.
	SaveFlagsMany(ctx context.Context, uids []int64, flag flagset.Set, add bool) error

	Delete(ctx context.Context, uid int64) error
	DeleteMany(ctx context.Context, uids []int64) error

	// ChangeUID renames uid to newUID locally, if the backend supports it
	// (maildir and the status folder do; raw IMAP and MappedIMAPFolder
	// never do — they return ErrNotSupported).
	ChangeUID(ctx context.Context, uid, newUID int64) error

	UIDValidity() int64
	SuggestsThreads() bool

	Close() error
}

// ErrNotSupported is returned by capability methods a backend cannot
// fulfill (e.g. GetBody on a status folder, ChangeUID on raw IMAP).
var ErrNotSupported = notSupportedError{}

type notSupportedError struct{}

func (notSupportedError) Error() string { return "folder: operation not supported by this backend" }
