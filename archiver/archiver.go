// Package archiver runs the archival state machine. An attempt to archive a
// package takes the package lock, reads the record, builds and diffs a new
// snapshot against the last archived one, writes the resulting bag into the
// store, and finally commits the snapshot in the catalog:
//
//	PENDING -> BUILDING -> WRITING -> COMMITTED
//
// Any step may fail, leaving the attempt FAILED. Writing is idempotent, so
// an attempt which failed or crashed while WRITING may be resumed.
package archiver

import (
	"context"
	"log"
	"path"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/google/uuid"

	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/store"
)

// Version is the software version written into Bag-Software-Agent. It is
// set at link time.
var Version = "dev"

// Where record files and metadata documents go inside a bag.
const (
	DefaultFilesDir    = "data/files"
	DefaultMetadataDir = "data/metadata"
)

// Archiver turns records into bags. The exported fields should be set
// before the first call and not changed afterwards.
type Archiver struct {
	Store   store.Store
	Catalog catalog.Catalog
	Source  record.Source

	// Workers is the number of files checksummed at once.
	Workers int

	FilesDir    string
	MetadataDir string

	// RequiredMetadata lists metadata types every record must have.
	RequiredMetadata []string

	// Agent is written as Bag-Software-Agent. Defaults to sipstore/Version.
	Agent string

	// Tags are added to every bag-info.txt.
	Tags map[string]string

	// FixityInterval is how long after commit the first fixity check of
	// a snapshot is scheduled. Zero means none is scheduled.
	FixityInterval time.Duration

	Clock clock.Clock

	// NewID makes snapshot ids. Defaults to random uuids.
	NewID func() string

	locks lockTable
}

// Options adjust one attempt.
type Options struct {
	Mode sip.Mode

	// NoWait makes Begin fail with a KindLockBusy error instead of waiting
	// when another attempt holds the package.
	NoWait bool

	// Restart abandons a resumable snapshot and starts a new one.
	Restart bool

	// Timeout bounds the whole attempt, measured from Begin and including
	// any wait for the package lock. When it passes the attempt fails and
	// the lock is released, even if the attempt is never advanced again.
	// Zero means no limit.
	Timeout time.Duration

	// UserID and Agent, when set, replace the values from the record.
	UserID string
	Agent  map[string]string

	// Progress, if not nil, is called after each file is written.
	Progress func(Progress)
}

// Progress reports how far the WRITING step has come.
type Progress struct {
	Files      int
	TotalFiles int
	Bytes      int64
	TotalBytes int64
	Name       string // bag relative path of the file just written
}

// New returns an Archiver with default settings.
func New(s store.Store, c catalog.Catalog, src record.Source) *Archiver {
	return &Archiver{
		Store:   s,
		Catalog: c,
		Source:  src,
	}
}

func (a *Archiver) clock() clock.Clock {
	if a.Clock == nil {
		return clock.New()
	}
	return a.Clock
}

func (a *Archiver) newID() string {
	if a.NewID == nil {
		return uuid.New().String()
	}
	return a.NewID()
}

func (a *Archiver) filesDir() string {
	if a.FilesDir == "" {
		return DefaultFilesDir
	}
	return a.FilesDir
}

func (a *Archiver) metadataDir() string {
	if a.MetadataDir == "" {
		return DefaultMetadataDir
	}
	return a.MetadataDir
}

func (a *Archiver) agent() string {
	if a.Agent == "" {
		return "sipstore/" + Version
	}
	return a.Agent
}

// now returns the current time in the precision the catalogs keep.
func (a *Archiver) now() time.Time {
	return a.clock().Now().UTC().Truncate(time.Microsecond)
}

// Archive runs a complete attempt on the package pid and returns the
// resulting snapshot. A package whose record has not changed since the last
// archived snapshot gives a KindAlreadyArchived error.
func (a *Archiver) Archive(ctx context.Context, pid string, opts Options) (*sip.Snapshot, error) {
	at, err := a.Begin(ctx, pid, opts)
	if err != nil {
		return nil, err
	}
	return at.Run(ctx)
}

// Begin starts an attempt on the package pid. It takes the package lock,
// which is held until the attempt reaches a terminal state or is closed.
// If the package has a snapshot which failed or was interrupted while
// WRITING, that snapshot is resumed, unless opts.Restart is set.
func (a *Archiver) Begin(ctx context.Context, pid string, opts Options) (*Attempt, error) {
	if pid == "" {
		return nil, sip.Errorf(sip.KindMalformed, "", "empty package id")
	}
	at, err := a.lock(ctx, pid, opts)
	if err != nil {
		return nil, err
	}
	err = a.begin(at, pid)
	if err != nil {
		at.release()
		return nil, sip.WithIDs(err, pid, "")
	}
	at.arm()
	log.Printf("archiver: begin package %s snapshot %s state %s", pid, at.snap.ID, at.snap.State)
	return at, nil
}

// Resume starts an attempt on the snapshot id, which must have failed or
// been interrupted while WRITING.
func (a *Archiver) Resume(ctx context.Context, id string, opts Options) (*Attempt, error) {
	s, err := a.Catalog.Snapshot(id)
	if err != nil {
		return nil, catalogError(err, "")
	}
	if s.Archived {
		return nil, sip.WithIDs(sip.Errorf(sip.KindAlreadyArchived, "", "snapshot is archived"), s.PackageID, id)
	}
	at, err := a.lock(ctx, s.PackageID, opts)
	if err != nil {
		return nil, sip.WithIDs(err, "", id)
	}
	err = a.resume(at, id)
	if err != nil {
		at.release()
		return nil, sip.WithIDs(err, s.PackageID, id)
	}
	at.arm()
	log.Printf("archiver: resume package %s snapshot %s", s.PackageID, id)
	return at, nil
}

// lock takes the package lock and returns an empty attempt holding it.
// Waiting for the lock counts against opts.Timeout.
func (a *Archiver) lock(ctx context.Context, pid string, opts Options) (*Attempt, error) {
	begun := a.clock().Now()
	if opts.Timeout > 0 && !opts.NoWait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		t := a.clock().AfterFunc(opts.Timeout, cancel)
		defer t.Stop()
	}
	release, ok, err := a.locks.acquire(ctx, pid, !opts.NoWait)
	if err != nil {
		return nil, sip.WithIDs(sip.NewError(sip.KindTimedOut, "", err), pid, "")
	}
	if !ok {
		return nil, sip.WithIDs(sip.Errorf(sip.KindLockBusy, "", "another attempt is running"), pid, "")
	}
	at := &Attempt{
		a:       a,
		opts:    opts,
		release: release,
	}
	if opts.Timeout > 0 {
		at.deadline = begun.Add(opts.Timeout)
	}
	return at, nil
}

func (a *Archiver) begin(at *Attempt, pid string) error {
	pkg, err := a.Catalog.Package(pid)
	if err == catalog.ErrNotFound {
		pkg, err = a.Catalog.EnsurePackage(pid, a.now())
	}
	if err != nil {
		return catalogError(err, "")
	}
	at.pkg = pkg

	old, err := a.resumable(pkg)
	if err != nil {
		return err
	}
	if old != nil && at.opts.Restart {
		log.Printf("archiver: package %s: abandoning snapshot %s", pid, old.ID)
		old.State = sip.StateFailed
		old.Retryable = false
		old.LastError = "superseded by a new attempt"
		if err := a.Catalog.SaveSnapshot(old); err != nil {
			return catalogError(err, "")
		}
		old = nil
	}
	if old != nil {
		return a.startResume(at, old)
	}

	prev, err := catalog.Latest(a.Catalog, pkg)
	if err != nil {
		return catalogError(err, "")
	}
	created := a.now()
	if prev != nil && !created.After(prev.Created) {
		// keep the chain strictly ordered even if the clock went back
		created = prev.Created.Add(time.Microsecond)
	}
	s, err := sip.NewSnapshot(a.newID(), pid, created, prev)
	if err != nil {
		return sip.NewError(sip.KindMalformed, "", err)
	}
	s.Attempts = 1
	at.snap = s
	at.prev = prev
	return nil
}

func (a *Archiver) resume(at *Attempt, id string) error {
	s, err := a.Catalog.Snapshot(id)
	if err != nil {
		return catalogError(err, "")
	}
	pkg, err := a.Catalog.Package(s.PackageID)
	if err != nil {
		return catalogError(err, "")
	}
	at.pkg = pkg
	switch {
	case s.Archived:
		return sip.Errorf(sip.KindAlreadyArchived, "", "snapshot is archived")
	case !canResume(s):
		return sip.Errorf(sip.KindMalformed, "", "snapshot is %s and cannot be resumed", s.State)
	case s.Previous != pkg.LatestArchived:
		return sip.Errorf(sip.KindAlreadyArchived, "", "package has moved on to snapshot %s", pkg.LatestArchived)
	}
	return a.startResume(at, s)
}

// resumable returns the snapshot of pkg an attempt should continue, if
// any. Unfinished snapshots which can no longer be committed, because the
// package has moved on, are marked failed.
func (a *Archiver) resumable(pkg *sip.Package) (*sip.Snapshot, error) {
	list, err := a.Catalog.Snapshots(pkg.ID)
	if err != nil {
		return nil, catalogError(err, "")
	}
	var result *sip.Snapshot
	for _, s := range list {
		if s.Archived || !canResume(s) {
			continue
		}
		if s.Previous != pkg.LatestArchived {
			log.Printf("archiver: package %s: snapshot %s is stale", pkg.ID, s.ID)
			s.State = sip.StateFailed
			s.Retryable = false
			s.LastError = "package moved on to snapshot " + pkg.LatestArchived
			if err := a.Catalog.SaveSnapshot(s); err != nil {
				return nil, catalogError(err, "")
			}
			continue
		}
		// list is oldest first, so the newest wins
		result = s
	}
	return result, nil
}

// canResume is true for snapshots which stopped while WRITING. A snapshot
// is only saved once it is WRITING, so a saved FAILED snapshot failed there.
func canResume(s *sip.Snapshot) bool {
	switch s.State {
	case sip.StateWriting:
		return true
	case sip.StateFailed:
		return s.Retryable
	}
	return false
}

func (a *Archiver) startResume(at *Attempt, s *sip.Snapshot) error {
	s.State = sip.StateWriting
	s.Attempts++
	s.LastError = ""
	s.Retryable = false
	if err := a.Catalog.SaveSnapshot(s); err != nil {
		return catalogError(err, "")
	}
	at.snap = s
	at.saved = true
	return nil
}

// catalogError classifies an error from the catalog. Problems talking to
// the database are worth retrying.
func catalogError(err error, path string) error {
	switch err {
	case catalog.ErrNotFound:
		return sip.NewError(sip.KindMalformed, path, err)
	case catalog.ErrArchived, catalog.ErrConflict:
		return sip.NewError(sip.KindAlreadyArchived, path, err)
	}
	if sip.KindOf(err) != sip.KindUnknown {
		return err
	}
	return sip.NewError(sip.KindIO, path, err)
}

// report logs a failed attempt and sends it to sentry.
func report(err error, pid, id string) {
	log.Printf("archiver: %s", err.Error())
	if sip.IsAlreadyArchived(err) {
		return
	}
	raven.CaptureError(err, map[string]string{
		"package":  pid,
		"snapshot": id,
		"kind":     sip.KindOf(err).String(),
	})
}

// bagKey returns the store key of the bag relative path p of snapshot s.
func bagKey(s *sip.Snapshot, p string) string {
	return path.Join(s.BagRoot, p)
}
