package sip

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies an archival error. Retry decisions are made on the kind,
// never on the message text.
type Kind int

// The error kinds.
const (
	KindUnknown Kind = iota
	KindDuplicatePath
	KindMissingMetadata
	KindMalformed
	KindIO
	KindArchiveFilesystem
	KindAlreadyArchived
	KindLockBusy
	KindTimedOut
	KindIntegrity
)

var kindNames = []string{
	"unknown",
	"duplicate path",
	"missing metadata",
	"malformed input",
	"i/o error",
	"archive filesystem error",
	"already archived",
	"lock busy",
	"timed out",
	"integrity error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Retryable is true for transient failures: reading the record, writing to
// the archive, and timeouts. A lock being busy is left for the caller to
// decide.
func (k Kind) Retryable() bool {
	switch k {
	case KindIO, KindArchiveFilesystem, KindTimedOut:
		return true
	}
	return false
}

// Error is the error type returned by the archival pipeline.
type Error struct {
	Kind       Kind
	PackageID  string
	SnapshotID string
	Path       string // the entry involved, if any
	Err        error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.PackageID != "" {
		fmt.Fprintf(&b, ": package %s", e.PackageID)
	}
	if e.SnapshotID != "" {
		fmt.Fprintf(&b, " snapshot %s", e.SnapshotID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Cause returns the underlying cause, for github.com/pkg/errors.
func (e *Error) Cause() error { return e.Err }

// Retryable reports whether the kind of e is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NewError makes an *Error of the given kind wrapping err.
func NewError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Errorf makes an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, path string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Path: path, Err: errors.Errorf(format, args...)}
}

// WithIDs attaches the package and snapshot ids to err. An error that is
// not an *Error becomes KindUnknown. Ids already present are kept.
func WithIDs(err error, pkgID, snapshotID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindUnknown, Err: err}
	} else {
		dup := *e
		e = &dup
	}
	if e.PackageID == "" {
		e.PackageID = pkgID
	}
	if e.SnapshotID == "" {
		e.SnapshotID = snapshotID
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsAlreadyArchived reports whether err means there was nothing to do.
func IsAlreadyArchived(err error) bool {
	return KindOf(err) == KindAlreadyArchived
}

// IsLockBusy reports whether err came from a non-blocking lock attempt.
func IsLockBusy(err error) bool {
	return KindOf(err) == KindLockBusy
}
