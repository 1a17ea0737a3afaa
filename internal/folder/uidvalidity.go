package folder

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/heliotrope/mailsync/internal/syncerr"
)

// ErrUIDValidityChanged is returned by EnsureValid when the server's
// UIDVALIDITY no longer matches the cached one: every locally held UID for
// this folder is now meaningless, and recovery is manual (the operator
// removes the status folder so it can be rebuilt from scratch).
var ErrUIDValidityChanged = syncerr.New(syncerr.Folder, "uidvalidity changed: local UID cache is stale")

// UIDValidityGuard caches a folder's UIDVALIDITY token on disk and detects
// when the server has reset its UID space, per get_saveduidvalidity /
// save_uidvalidity / check_uidvalidity in Base.py. Persistence uses the
// same write-to-tmp-then-rename discipline the original uses, so a crash
// mid-write never leaves a corrupt cache file.
type UIDValidityGuard struct {
	dir string
}

// NewUIDValidityGuard roots the guard's cache files under dir (one file per
// folder basename).
func NewUIDValidityGuard(dir string) *UIDValidityGuard {
	return &UIDValidityGuard{dir: dir}
}

// folderBasename flattens a folder's hierarchical name into a cache
// filename, mirroring getfolderbasename's '/' -> '.' substitution.
func folderBasename(folderName string) string {
	if folderName == "" {
		return "."
	}
	return strings.ReplaceAll(folderName, "/", ".")
}

func (g *UIDValidityGuard) path(folderName string) string {
	return filepath.Join(g.dir, folderBasename(folderName))
}

// Saved returns the cached UIDVALIDITY for folderName, or (0, false) if
// nothing has been cached yet.
func (g *UIDValidityGuard) Saved(folderName string) (int64, bool, error) {
	data, err := os.ReadFile(g.path(folderName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, syncerr.Wrap(syncerr.Folder, err, "reading cached uidvalidity")
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, syncerr.Wrap(syncerr.Folder, err, "parsing cached uidvalidity")
	}
	return v, true, nil
}

// Save persists current as folderName's cached UIDVALIDITY.
func (g *UIDValidityGuard) Save(folderName string, current int64) error {
	if err := os.MkdirAll(g.dir, 0700); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "creating uidvalidity cache dir")
	}
	target := g.path(folderName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", current)), 0600); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "writing uidvalidity cache")
	}
	if err := os.Rename(tmp, target); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "renaming uidvalidity cache into place")
	}
	return nil
}

// Check compares current against the cached value. A first-ever check
// (nothing cached) saves current and reports ok. A mismatch reports !ok
// without overwriting the cache — the caller must decide how to recover
// (spec.md's UID-validity guard treats this as a Folder-severity error
// requiring the local cache for that folder to be rebuilt).
func (g *UIDValidityGuard) Check(folderName string, current int64) (ok bool, err error) {
	saved, found, err := g.Saved(folderName)
	if err != nil {
		return false, err
	}
	if !found {
		return true, g.Save(folderName, current)
	}
	return saved == current, nil
}

// EnsureValid is the entry point spec.md §4.9 describes: it calls Check and
// turns a mismatch into ErrUIDValidityChanged so callers can treat it like
// any other tagged-severity error instead of branching on a bool.
func (g *UIDValidityGuard) EnsureValid(folderName string, current int64) error {
	ok, err := g.Check(folderName, current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUIDValidityChanged
	}
	return nil
}
