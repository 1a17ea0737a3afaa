// Package syncerr defines the tagged-severity error variant used across the
// synchronizer (spec.md §7) in place of exception-class hierarchies: a
// single Error type carrying a Severity, branched on by the pass loop
// instead of relying on stack-unwinding semantics.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Severity classifies how far an error should propagate, ascending.
type Severity int

const (
	// Message: one message failed. Logged, sync continues.
	Message Severity = iota
	// Folder: this folder cannot proceed. Abort this folder, continue with
	// the next.
	Folder
	// FolderRetry: a transport failure classified as retriable. Caught
	// inside the operation; promoted to Folder once retries are exhausted.
	FolderRetry
	// Repo: account-wide failure (auth, config, CA file missing). Abort
	// this account, continue with the next.
	Repo
	// Critical: programmer error. Propagate and terminate.
	Critical
)

func (s Severity) String() string {
	switch s {
	case Message:
		return "message"
	case Folder:
		return "folder"
	case FolderRetry:
		return "folder-retry"
	case Repo:
		return "repo"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a severity-tagged error. It wraps an underlying cause with
// github.com/pkg/errors so Repo/Critical errors retain a stack trace,
// while Message/Folder errors stay cheap (they're expected to be common
// and are usually just logged and swallowed).
type Error struct {
	Severity Severity
	cause    error
}

// New creates a severity-tagged error from a message.
func New(severity Severity, msg string) *Error {
	var cause error
	if severity >= Repo {
		cause = errors.New(msg)
	} else {
		cause = fmt.Errorf("%s", msg)
	}
	return &Error{Severity: severity, cause: cause}
}

// Wrap attaches a severity to an existing error.
func Wrap(severity Severity, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	var cause error
	if severity >= Repo {
		cause = errors.Wrap(err, msg)
	} else {
		cause = fmt.Errorf("%s: %w", msg, err)
	}
	return &Error{Severity: severity, cause: cause}
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }

// SeverityOf extracts the Severity from err, defaulting to Critical for any
// error that isn't a *Error — an un-tagged error is, by construction, a bug
// we didn't anticipate and should not be silently downgraded.
func SeverityOf(err error) Severity {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Severity
	}
	return Critical
}

// Retriable reports whether err is classified as a retriable transport
// failure (FolderRetry severity).
func Retriable(err error) bool {
	return SeverityOf(err) == FolderRetry
}
