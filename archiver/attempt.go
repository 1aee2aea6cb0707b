package archiver

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/bagit"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/store"
	"github.com/ndlib/sipstore/util"
)

// An Attempt is one run of the state machine over a snapshot. It holds the
// package lock until it reaches a terminal state, its deadline passes, or
// Close is called. The
// methods are safe to call from more than one goroutine, but the steps
// themselves run one at a time.
type Attempt struct {
	a        *Archiver
	opts     Options
	deadline time.Time // zero means none
	release  func()
	timer    *clock.Timer

	// interrupt cancels the step in progress. Guarded by cm, not m, since
	// the step holds m while it runs.
	cm        sync.Mutex
	interrupt context.CancelFunc

	m     sync.Mutex
	pkg   *sip.Package
	prev  *sip.Snapshot
	snap  *sip.Snapshot
	rec   *record.Record
	saved bool // snap is in the catalog
	err   error
}

// ID returns the id of the snapshot being archived.
func (at *Attempt) ID() string {
	at.m.Lock()
	defer at.m.Unlock()
	return at.snap.ID
}

// PackageID returns the id of the package being archived.
func (at *Attempt) PackageID() string {
	at.m.Lock()
	defer at.m.Unlock()
	return at.pkg.ID
}

// State returns the state the attempt is in.
func (at *Attempt) State() sip.State {
	at.m.Lock()
	defer at.m.Unlock()
	return at.snap.State
}

// Err returns the error which ended the attempt, if any.
func (at *Attempt) Err() error {
	at.m.Lock()
	defer at.m.Unlock()
	return at.err
}

// Snapshot returns a copy of the snapshot as it is now.
func (at *Attempt) Snapshot() *sip.Snapshot {
	at.m.Lock()
	defer at.m.Unlock()
	c := *at.snap
	c.Files = append([]sip.Entry(nil), at.snap.Files...)
	c.Metadata = append([]sip.Entry(nil), at.snap.Metadata...)
	return &c
}

// Close releases the package lock without finishing the attempt. A
// snapshot already saved stays as it is and may be resumed later.
func (at *Attempt) Close() {
	if at.timer != nil {
		at.timer.Stop()
	}
	at.release()
}

// arm starts the timer which fails the attempt at its deadline, whether or
// not anyone is advancing it.
func (at *Attempt) arm() {
	if at.deadline.IsZero() {
		return
	}
	at.m.Lock()
	defer at.m.Unlock()
	at.timer = at.a.clock().AfterFunc(at.deadline.Sub(at.a.clock().Now()), at.expire)
}

// expire interrupts the step in progress, if any, and moves the attempt
// into FAILED, which releases the package lock.
func (at *Attempt) expire() {
	at.cm.Lock()
	if at.interrupt != nil {
		at.interrupt()
	}
	at.cm.Unlock()

	at.m.Lock()
	defer at.m.Unlock()
	if !at.snap.State.Terminal() {
		log.Printf("archiver: package %s snapshot %s: deadline passed", at.pkg.ID, at.snap.ID)
		at.fail(sip.NewError(sip.KindTimedOut, "", context.DeadlineExceeded))
	}
}

// Run advances the attempt until it reaches a terminal state. It returns
// the snapshot and the error which ended the attempt, if any.
func (at *Attempt) Run(ctx context.Context) (*sip.Snapshot, error) {
	for {
		state, err := at.Advance(ctx)
		if state.Terminal() {
			return at.Snapshot(), err
		}
	}
}

// Advance performs the work of the current state and returns the state
// reached. Once the attempt is terminal, Advance returns the terminal state
// and the error recorded with it.
func (at *Attempt) Advance(ctx context.Context) (sip.State, error) {
	at.m.Lock()
	defer at.m.Unlock()
	if at.snap.State.Terminal() {
		return at.snap.State, at.err
	}
	if !at.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		at.cm.Lock()
		at.interrupt = cancel
		at.cm.Unlock()
		defer func() {
			at.cm.Lock()
			at.interrupt = nil
			at.cm.Unlock()
		}()
		if !at.a.clock().Now().Before(at.deadline) {
			at.fail(sip.NewError(sip.KindTimedOut, "", context.DeadlineExceeded))
			return at.snap.State, at.err
		}
	}
	var err error
	switch at.snap.State {
	case sip.StatePending:
		err = at.pending(ctx)
	case sip.StateBuilding:
		err = at.building(ctx)
	case sip.StateWriting:
		err = at.writing(ctx)
	}
	if err != nil {
		switch sip.KindOf(err) {
		case sip.KindTimedOut, sip.KindIntegrity:
		default:
			if ctx.Err() != nil {
				err = sip.NewError(sip.KindTimedOut, "", err)
			}
		}
		at.fail(err)
	}
	return at.snap.State, at.err
}

// fail moves the attempt into FAILED and releases the lock.
func (at *Attempt) fail(err error) {
	err = sip.WithIDs(err, at.pkg.ID, at.snap.ID)
	at.err = err
	at.snap.State = sip.StateFailed
	at.snap.LastError = err.Error()
	at.snap.Retryable = sip.IsRetryable(err)
	if at.saved {
		if err2 := at.a.Catalog.SaveSnapshot(at.snap); err2 != nil {
			log.Printf("archiver: saving failed snapshot %s: %s", at.snap.ID, err2.Error())
		}
	}
	report(err, at.pkg.ID, at.snap.ID)
	if at.timer != nil {
		at.timer.Stop()
	}
	at.release()
}

// pending reads the record.
func (at *Attempt) pending(ctx context.Context) error {
	rec, err := at.a.Source.Record(ctx, at.pkg.ID)
	if err == record.ErrNotFound {
		return sip.NewError(sip.KindMalformed, "", err)
	} else if err != nil {
		if sip.KindOf(err) == sip.KindUnknown {
			err = sip.NewError(sip.KindIO, "", err)
		}
		return err
	}
	at.rec = rec
	at.snap.UserID = rec.UserID
	at.snap.Agent = rec.Agent
	if at.opts.UserID != "" {
		at.snap.UserID = at.opts.UserID
	}
	if at.opts.Agent != nil {
		at.snap.Agent = at.opts.Agent
	}
	at.snap.State = sip.StateBuilding
	return nil
}

// building checksums the record, diffs it against the previous snapshot,
// and serializes the bag. The snapshot is saved only if all that works.
func (at *Attempt) building(ctx context.Context) error {
	for _, typ := range at.a.RequiredMetadata {
		if !at.rec.HasMetadata(typ) {
			return sip.Errorf(sip.KindMissingMetadata, "", "record has no %s metadata", typ)
		}
	}
	b := sip.Builder{Workers: at.a.Workers}
	entries, err := b.Build(ctx, at.sources())
	if err != nil {
		return err
	}
	s := at.snap
	if err := s.SetEntries(entries); err != nil {
		return sip.NewError(sip.KindAlreadyArchived, "", err)
	}
	earlier, err := at.earlier(s)
	if err != nil {
		return err
	}
	d, err := sip.Diff(s, at.prev, at.opts.Mode, earlier...)
	if err != nil {
		return err
	}
	if !d.HasChanges() {
		return sip.Errorf(sip.KindAlreadyArchived, "", "no changes since snapshot %s", d.Base)
	}
	for _, p := range d.Written() {
		e := s.Lookup(p)
		e.FullPath = at.a.Store.FullPath(bagKey(s, p))
	}
	bag, err := bagit.Serialize(s, d, bagit.Options{Agent: at.a.agent(), Tags: at.a.Tags})
	if err != nil {
		return err
	}
	for _, e := range bag.TagFiles {
		e.FullPath = at.a.Store.FullPath(bagKey(s, e.FilePath))
		s.Metadata = append(s.Metadata, e)
	}
	s.Diff = d
	s.State = sip.StateWriting
	if err := at.a.Catalog.SaveSnapshot(s); err != nil {
		s.State = sip.StateBuilding
		return catalogError(err, "")
	}
	at.saved = true
	log.Printf("archiver: package %s snapshot %s: %d new, %d changed, %d unchanged, %d removed",
		s.PackageID, s.ID, len(d.New), len(d.Changed), len(d.Unchanged), len(d.Removed))
	return nil
}

// earlier loads the lineage older than the previous snapshot. It is only
// needed when some entry of s is missing from the previous snapshot, since
// such a path may have existed further back.
func (at *Attempt) earlier(s *sip.Snapshot) ([]*sip.Snapshot, error) {
	if at.prev == nil || at.prev.Previous == "" || at.opts.Mode == sip.ModeIncludeAll {
		return nil, nil
	}
	have := make(map[string]bool)
	for _, e := range at.prev.Entries() {
		have[e.FilePath] = true
	}
	missing := false
	for _, e := range s.Entries() {
		if !e.IsTagFile() && !have[e.FilePath] {
			missing = true
			break
		}
	}
	if !missing {
		return nil, nil
	}
	chain, err := sip.Lineage(at.prev.ID, func(id string) (*sip.Snapshot, error) {
		if id == at.prev.ID {
			return at.prev, nil
		}
		return at.a.Catalog.Snapshot(id)
	})
	if err != nil {
		return nil, catalogError(err, "")
	}
	return chain[1:], nil
}

// sources lists what the Builder reads from the record.
func (at *Attempt) sources() []sip.Source {
	var result []sip.Source
	for _, f := range at.rec.Files {
		f := f
		result = append(result, sip.Source{
			Path:        path.Join(at.a.filesDir(), f.Path),
			Open:        f.Open,
			Size:        f.Size,
			FileUUID:    f.FileUUID,
			SIPFilePath: f.Path,
			FileName:    path.Base(f.Path),
		})
	}
	for _, m := range at.rec.Metadata {
		src := sip.ContentSource(path.Join(at.a.metadataDir(), m.FileName()), m.Type, m.Content)
		src.FileName = m.FileName()
		result = append(result, src)
	}
	return result
}

// toWrite returns the entries whose bytes go into this snapshot's bag.
func (at *Attempt) toWrite() []sip.Entry {
	s := at.snap
	var result []sip.Entry
	for _, p := range s.Diff.Written() {
		if e := s.Lookup(p); e != nil {
			result = append(result, *e)
		}
	}
	for _, e := range s.Metadata {
		if e.IsTagFile() {
			result = append(result, e)
		}
	}
	return result
}

// writing copies the bag into the store and commits the snapshot. Files
// already in the store with the right checksum are left alone, so this
// may be repeated after a failure.
func (at *Attempt) writing(ctx context.Context) error {
	s := at.snap
	if s.Diff == nil {
		return sip.Errorf(sip.KindMalformed, "", "snapshot has no diff result")
	}
	list := at.toWrite()
	var p Progress
	p.TotalFiles = len(list)
	for _, e := range list {
		p.TotalBytes += e.Size
	}
	for _, e := range list {
		if err := at.writeEntry(ctx, e); err != nil {
			return err
		}
		p.Files++
		p.Bytes += e.Size
		p.Name = e.FilePath
		if at.opts.Progress != nil {
			at.opts.Progress(p)
		}
	}
	return at.commit()
}

func (at *Attempt) writeEntry(ctx context.Context, e sip.Entry) error {
	st := at.a.Store
	key := bagKey(at.snap, e.FilePath)
	sum, err := e.MD5()
	if err != nil {
		return sip.NewError(sip.KindMalformed, e.FilePath, err)
	}
	if size, err := st.Stat(key); err == nil {
		if size == e.Size && at.matches(ctx, key, sum) {
			return nil
		}
		log.Printf("archiver: replacing partial %s", st.FullPath(key))
		if err := st.Delete(key); err != nil {
			return sip.NewError(sip.KindArchiveFilesystem, e.FilePath, err)
		}
	}
	if ctx.Err() != nil {
		return sip.NewError(sip.KindTimedOut, e.FilePath, ctx.Err())
	}

	r, err := at.open(ctx, e)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := st.Create(key)
	if err == store.ErrKeyExists {
		// left over from an interrupted write
		st.Delete(key)
		w, err = st.Create(key)
	}
	if err != nil {
		return sip.NewError(sip.KindArchiveFilesystem, e.FilePath, err)
	}
	hw := util.NewHashWriter(w)
	_, err = util.CopyContext(ctx, hw, readTracker{r})
	if err != nil {
		w.Close()
		st.Delete(key)
		switch {
		case ctx.Err() != nil:
			return sip.NewError(sip.KindTimedOut, e.FilePath, ctx.Err())
		case isReadError(err):
			return sip.NewError(sip.KindIO, e.FilePath, errors.Cause(err))
		}
		return sip.NewError(sip.KindArchiveFilesystem, e.FilePath, err)
	}
	if err := w.Close(); err != nil {
		st.Delete(key)
		return sip.NewError(sip.KindArchiveFilesystem, e.FilePath, err)
	}
	if _, ok := hw.CheckMD5(sum); !ok || hw.Size() != e.Size {
		st.Delete(key)
		return sip.Errorf(sip.KindIntegrity, e.FilePath,
			"source changed since it was checksummed (%d bytes, expected %d)", hw.Size(), e.Size)
	}
	return nil
}

// matches is true if the item at key has the given checksum.
func (at *Attempt) matches(ctx context.Context, key string, sum []byte) bool {
	r, _, err := at.a.Store.Open(key)
	if err != nil {
		return false
	}
	defer r.Close()
	ok, err := util.VerifyStreamHash(ctx, store.NewReader(r), sum)
	return ok && err == nil
}

// open returns a reader for the bytes of e: the inline content, or the
// record file it came from.
func (at *Attempt) open(ctx context.Context, e sip.Entry) (io.ReadCloser, error) {
	if e.HasContent() {
		return ioutil.NopCloser(strings.NewReader(e.Content)), nil
	}
	if at.rec == nil {
		// resumed attempts have not read the record yet
		rec, err := at.a.Source.Record(ctx, at.pkg.ID)
		if err == record.ErrNotFound {
			return nil, sip.NewError(sip.KindIntegrity, e.FilePath, err)
		} else if err != nil {
			return nil, sip.NewError(sip.KindIO, e.FilePath, err)
		}
		at.rec = rec
	}
	for _, f := range at.rec.Files {
		if f.Path == e.SIPFilePath {
			r, err := f.Open()
			if err != nil {
				return nil, sip.NewError(sip.KindIO, e.FilePath, err)
			}
			return r, nil
		}
	}
	return nil, sip.Errorf(sip.KindIntegrity, e.FilePath, "no longer in the record")
}

// commit marks the snapshot archived and moves the package pointer.
func (at *Attempt) commit() error {
	s := at.snap
	s.ArchivedAt = at.a.now()
	err := at.a.Catalog.Commit(s, at.pkg.Version)
	if err != nil {
		s.ArchivedAt = time.Time{}
		return catalogError(err, "")
	}
	s.Archived = true
	s.State = sip.StateCommitted
	s.LastError = ""
	s.Retryable = false
	at.pkg.LatestArchived = s.ID
	at.pkg.LatestCreated = s.Created
	at.pkg.Version++
	if at.a.FixityInterval > 0 {
		err := at.a.Catalog.SetCheck(s.ID, at.a.clock().Now().Add(at.a.FixityInterval))
		if err != nil {
			log.Printf("archiver: scheduling fixity for %s: %s", s.ID, err.Error())
		}
	}
	log.Printf("archiver: package %s snapshot %s committed", s.PackageID, s.ID)
	at.release()
	return nil
}

// readTracker marks errors coming from the source so they can be told
// apart from errors writing to the store.
type readTracker struct {
	r io.Reader
}

type readError struct{ error }

func (rt readTracker) Read(p []byte) (int, error) {
	n, err := rt.r.Read(p)
	if err != nil && err != io.EOF {
		err = readError{err}
	}
	return n, err
}

func (e readError) Cause() error { return e.error }

func isReadError(err error) bool {
	_, ok := err.(readError)
	return ok
}
