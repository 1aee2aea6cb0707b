// Package catalog persists logical packages and their snapshots. It holds
// the only shared mutable datum of the archiver: each package's pointer to
// its latest archived snapshot, which only moves forward, by compare and
// set, in the same transaction that marks the snapshot archived.
//
// There are three implementations. Memory is for tests and development.
// QL uses the embedded QL database, either in a file or in memory. MySQL is
// for production.
package catalog

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/sip"
)

// Catalog stores packages and snapshots.
type Catalog interface {
	// Package returns the package with the given id, or ErrNotFound.
	Package(id string) (*sip.Package, error)

	// EnsurePackage returns the package with the given id, creating it
	// with the given creation time if it does not exist.
	EnsurePackage(id string, created time.Time) (*sip.Package, error)

	// Snapshot returns the snapshot with the given id, or ErrNotFound.
	Snapshot(id string) (*sip.Snapshot, error)

	// Snapshots returns every snapshot of a package, oldest first.
	Snapshots(pkgID string) ([]*sip.Snapshot, error)

	// SaveSnapshot inserts or updates a snapshot. It returns ErrArchived
	// if the stored copy is already archived.
	SaveSnapshot(s *sip.Snapshot) error

	// Commit marks s archived and COMMITTED, and advances the package's
	// latest archived pointer to it, all in one transaction. The pointer
	// only moves if the package version still equals version and s was
	// created strictly after the current pointer; otherwise nothing
	// changes and ErrConflict is returned.
	Commit(s *sip.Snapshot, version int) error

	// Unfinished returns the snapshots an interrupted or failed attempt
	// may be resumed from: those in BUILDING or WRITING, and those which
	// FAILED with a retryable error.
	Unfinished() ([]*sip.Snapshot, error)

	FixityDB

	Close() error
}

// FixityDB tracks the schedule of fixity checks on archived snapshots.
type FixityDB interface {
	// NextFixity returns the id of the snapshot with the earliest
	// scheduled check at or before cutoff, or "" if there is none.
	NextFixity(cutoff time.Time) string

	// UpdateFixity records the outcome of the earliest scheduled check
	// of id, making one if none was scheduled.
	UpdateFixity(id string, status string, notes string) error

	// SetCheck schedules a check of id at the given time.
	SetCheck(id string, when time.Time) error

	// LookupCheck returns the earliest scheduled check of id, or the zero
	// time if none is scheduled.
	LookupCheck(id string) (time.Time, error)
}

var (
	// ErrNotFound means there is no package or snapshot with the id.
	ErrNotFound = errors.New("not found in catalog")

	// ErrArchived means an archived snapshot would have been changed.
	ErrArchived = errors.New("snapshot is archived and cannot change")

	// ErrConflict means the package pointer moved since it was read.
	ErrConflict = errors.New("package was updated concurrently")
)

// Latest returns the latest archived snapshot of a package, or nil if it
// has none.
func Latest(c Catalog, pkg *sip.Package) (*sip.Snapshot, error) {
	if pkg.LatestArchived == "" {
		return nil, nil
	}
	return c.Snapshot(pkg.LatestArchived)
}
