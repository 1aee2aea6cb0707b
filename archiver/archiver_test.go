package archiver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/bagit"
	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/store"
)

// newTest returns an archiver over memory stores with a mock clock and
// predictable snapshot ids.
func newTest() (*Archiver, *record.Memory, *clock.Mock) {
	records := &record.Memory{}
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	a := New(store.NewMemory(), catalog.NewMemory(), records)
	a.Clock = mock
	a.Agent = "sipstore/test"
	var n int
	var m sync.Mutex
	a.NewID = func() string {
		m.Lock()
		defer m.Unlock()
		n++
		return fmt.Sprintf("snap%04d", n)
	}
	return a, records, mock
}

func TestArchiveFirst(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	records.SetFile("pkg", "sub/b.txt", []byte("bbbb"))
	records.SetFileUUID("pkg", "a.txt", "a-uuid")
	records.SetMetadata("pkg", "json", "json", []byte(`{"title":"x"}`))
	records.SetUser("pkg", "user1", map[string]string{"ip": "127.0.0.1"})

	s, err := a.Archive(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if !s.Archived || s.State != sip.StateCommitted || s.UserID != "user1" {
		t.Errorf("Received %+v, expected committed snapshot for user1", s)
	}
	for _, key := range []string{
		"data/files/a.txt",
		"data/files/sub/b.txt",
		"data/metadata/json.json",
		"manifest-md5.txt",
		"bagit.txt",
		"bag-info.txt",
		"tagmanifest-md5.txt",
	} {
		if !store.Exists(a.Store, s.BagRoot+key) {
			t.Errorf("Missing %s", key)
		}
	}
	if store.Exists(a.Store, s.BagRoot+bagit.FetchFile) {
		t.Errorf("Received a fetch file, expected none")
	}
	pkg, _ := a.Catalog.Package("pkg")
	if pkg.LatestArchived != s.ID {
		t.Errorf("Received %s, expected %s", pkg.LatestArchived, s.ID)
	}
	e := s.Lookup("data/files/a.txt")
	if e == nil || e.FullPath != "mem:"+s.BagRoot+"data/files/a.txt" || e.SIPFilePath != "a.txt" || e.FileUUID != "a-uuid" {
		t.Errorf("Received %+v", e)
	}
	problems, err := a.Verify(context.Background(), s.ID)
	if err != nil || len(problems) > 0 {
		t.Errorf("Verify: Received %v %v, expected nothing", problems, err)
	}
}

func TestUnchangedAndNew(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	first, err := a.Archive(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	mock.Add(time.Hour)
	records.SetFile("pkg", "b.txt", []byte("bbb"))
	second, err := a.Archive(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if second.Previous != first.ID {
		t.Errorf("Received previous %s, expected %s", second.Previous, first.ID)
	}

	manifest := readKey(t, a.Store, second.BagRoot+bagit.ManifestFile)
	fetch := readKey(t, a.Store, second.BagRoot+bagit.FetchFile)
	if strings.Contains(manifest, "a.txt") || !strings.Contains(manifest, "data/files/b.txt") {
		t.Errorf("Received manifest %q", manifest)
	}
	expected := "mem:" + first.BagRoot + "data/files/a.txt 3 data/files/a.txt\n"
	if fetch != expected {
		t.Errorf("Received fetch %q, expected %q", fetch, expected)
	}
	if store.Exists(a.Store, second.BagRoot+"data/files/a.txt") {
		t.Errorf("a.txt was written again")
	}
	if !store.Exists(a.Store, second.BagRoot+"data/files/b.txt") {
		t.Errorf("b.txt was not written")
	}

	// the manifest and fetch file give back what the differ decided
	m, _ := bagit.ParseManifest(strings.NewReader(manifest))
	f, _ := bagit.ParseFetch(strings.NewReader(fetch))
	got := make(map[string]string)
	for _, line := range m {
		got[line.Path] = fmt.Sprintf("%x written", line.MD5)
	}
	for _, line := range f {
		e := first.Lookup(line.Path)
		got[line.Path] = fmt.Sprintf("%s %d fetched", sip.ChecksumHex(e.Checksum), line.Size)
	}
	for _, e := range second.Files {
		want := sip.ChecksumHex(e.Checksum) + " written"
		if e.Fetched {
			want = fmt.Sprintf("%s %d fetched", sip.ChecksumHex(e.Checksum), e.Size)
		}
		if got[e.FilePath] != want {
			t.Errorf("%s: Received %q, expected %q", e.FilePath, got[e.FilePath], want)
		}
	}

	problems, err := a.Verify(context.Background(), second.ID)
	if err != nil || len(problems) > 0 {
		t.Errorf("Verify: Received %v %v, expected nothing", problems, err)
	}
}

func TestAlreadyArchived(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	records.SetMetadata("pkg", "json", "json", []byte(`{}`))
	if _, err := a.Archive(context.Background(), "pkg", Options{}); err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	mock.Add(time.Hour)
	_, err := a.Archive(context.Background(), "pkg", Options{})
	if !sip.IsAlreadyArchived(err) {
		t.Errorf("Received %v, expected already archived", err)
	}
	list, _ := a.Catalog.Snapshots("pkg")
	if len(list) != 1 {
		t.Errorf("Received %d snapshots, expected 1", len(list))
	}
	if a.locks.held() != 0 {
		t.Errorf("Lock still held")
	}
	// include-all always makes a new bag
	s, err := a.Archive(context.Background(), "pkg", Options{Mode: sip.ModeIncludeAll})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if !store.Exists(a.Store, s.BagRoot+"data/files/a.txt") {
		t.Errorf("include-all did not write a.txt")
	}
}

func TestRemovedFile(t *testing.T) {
	for _, mode := range []sip.Mode{sip.ModeHistory, sip.ModeCarryRemoved} {
		a, records, mock := newTest()
		records.SetFile("pkg", "a.txt", []byte("aaa"))
		records.SetFile("pkg", "b.txt", []byte("bbb"))
		first, _ := a.Archive(context.Background(), "pkg", Options{})
		mock.Add(time.Hour)
		records.RemoveFile("pkg", "b.txt")
		s, err := a.Archive(context.Background(), "pkg", Options{Mode: mode})
		if err != nil {
			t.Fatalf("%s: Received %s", mode, err.Error())
		}
		if len(s.Diff.Removed) != 1 || s.Diff.Removed[0] != "data/files/b.txt" {
			t.Errorf("%s: Received removed %v", mode, s.Diff.Removed)
		}
		fetch := readKey(t, a.Store, s.BagRoot+bagit.FetchFile)
		carried := strings.Contains(fetch, "mem:"+first.BagRoot+"data/files/b.txt")
		if carried != (mode == sip.ModeCarryRemoved) {
			t.Errorf("%s: Received fetch %q", mode, fetch)
		}
	}
}

func TestMissingMetadata(t *testing.T) {
	a, records, _ := newTest()
	a.RequiredMetadata = []string{"marcxml"}
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	_, err := a.Archive(context.Background(), "pkg", Options{})
	if sip.KindOf(err) != sip.KindMissingMetadata || sip.IsRetryable(err) {
		t.Errorf("Received %v, expected missing metadata", err)
	}
	if !strings.Contains(err.Error(), "package pkg") || !strings.Contains(err.Error(), "snapshot snap0001") {
		t.Errorf("Received %q, expected ids in message", err.Error())
	}
	list, _ := a.Catalog.Snapshots("pkg")
	if len(list) != 0 {
		t.Errorf("Received %d snapshots, expected none saved", len(list))
	}
}

func TestRecordNotFound(t *testing.T) {
	a, _, _ := newTest()
	_, err := a.Archive(context.Background(), "nothing", Options{})
	if sip.KindOf(err) != sip.KindMalformed {
		t.Errorf("Received %v, expected malformed", err)
	}
}

func TestStepByStep(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, err := a.Begin(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	var table = []sip.State{sip.StateBuilding, sip.StateWriting, sip.StateCommitted, sip.StateCommitted}
	for _, expected := range table {
		state, err := at.Advance(context.Background())
		if state != expected || err != nil {
			t.Errorf("Received %v %v, expected %v", state, err, expected)
		}
	}
	// lock is free again
	at2, err := a.Begin(context.Background(), "pkg", Options{NoWait: true})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	at2.Close()
}

func TestLockBusy(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, err := a.Begin(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	_, err = a.Begin(context.Background(), "pkg", Options{NoWait: true})
	if !sip.IsLockBusy(err) || sip.IsRetryable(err) {
		t.Errorf("Received %v, expected lock busy", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err = a.Begin(ctx, "pkg", Options{})
	cancel()
	if sip.KindOf(err) != sip.KindTimedOut {
		t.Errorf("Received %v, expected timed out", err)
	}
	// other packages are not affected
	other, err := a.Begin(context.Background(), "other", Options{NoWait: true})
	if err != nil {
		t.Errorf("Received %v, expected nil", err)
	} else {
		other.Close()
	}
	at.Close()
	if a.locks.held() != 0 {
		t.Errorf("Received %d locks, expected 0", a.locks.held())
	}
}

func TestConcurrentArchive(t *testing.T) {
	for _, nowait := range []bool{true, false} {
		a, records, _ := newTest()
		records.SetFile("pkg", "a.txt", []byte("aaa"))
		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = a.Archive(context.Background(), "pkg", Options{NoWait: nowait})
			}(i)
		}
		wg.Wait()
		var committed int
		for _, err := range errs {
			switch {
			case err == nil:
				committed++
			case sip.IsLockBusy(err), sip.IsAlreadyArchived(err):
			default:
				t.Errorf("Received %v", err)
			}
		}
		if committed != 1 {
			t.Errorf("nowait=%v: Received %d commits, expected 1", nowait, committed)
		}
	}
}

func TestChain(t *testing.T) {
	a, records, mock := newTest()
	var last *sip.Snapshot
	for i := 0; i < 4; i++ {
		records.SetFile("pkg", fmt.Sprintf("f%d.txt", i), []byte{byte(i)})
		if i == 2 {
			// the clock going backwards still yields an ordered chain
			mock.Add(-time.Hour)
		} else {
			mock.Add(time.Minute)
		}
		s, err := a.Archive(context.Background(), "pkg", Options{})
		if err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		last = s
	}
	chain, err := sip.Lineage(last.ID, a.Catalog.Snapshot)
	if err != nil {
		t.Errorf("Received %s", err.Error())
	}
	if len(chain) != 4 {
		t.Errorf("Received %d snapshots, expected 4", len(chain))
	}
}

func TestReaddedFileIsChanged(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	records.SetFile("pkg", "b.txt", []byte("bbb"))
	archive := func() *sip.Snapshot {
		mock.Add(time.Minute)
		s, err := a.Archive(context.Background(), "pkg", Options{})
		if err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		return s
	}
	archive()
	records.RemoveFile("pkg", "b.txt")
	second := archive()
	if strings.Join(second.Diff.Removed, ",") != "data/files/b.txt" {
		t.Errorf("Received removed %v, expected b.txt", second.Diff.Removed)
	}
	records.SetFile("pkg", "b.txt", []byte("bbbb"))
	records.SetFile("pkg", "c.txt", []byte("ccc"))
	third := archive()
	d := third.Diff
	if strings.Join(d.Changed, ",") != "data/files/b.txt" || strings.Join(d.New, ",") != "data/files/c.txt" {
		t.Errorf("Received changed %v new %v, expected b.txt changed and c.txt new", d.Changed, d.New)
	}
	if !store.Exists(a.Store, third.BagRoot+"data/files/b.txt") {
		t.Errorf("re-added b.txt was not written")
	}
}

func TestTimeout(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, err := a.Begin(context.Background(), "pkg", Options{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	at.Advance(context.Background())
	mock.Add(2 * time.Minute)
	state, err := at.Advance(context.Background())
	if state != sip.StateFailed || sip.KindOf(err) != sip.KindTimedOut || !sip.IsRetryable(err) {
		t.Errorf("Received %v %v, expected FAILED timed out", state, err)
	}
	at2, err := a.Begin(context.Background(), "pkg", Options{NoWait: true})
	if err != nil {
		t.Errorf("Received %v, expected lock to be released", err)
	} else {
		at2.Close()
	}
}

func TestTimeoutIdleAttempt(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, err := a.Begin(context.Background(), "pkg", Options{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	// nobody advances the attempt
	mock.Add(time.Hour)
	if at.State() != sip.StateFailed || sip.KindOf(at.Err()) != sip.KindTimedOut {
		t.Errorf("Received %v %v, expected FAILED timed out", at.State(), at.Err())
	}
	if a.locks.held() != 0 {
		t.Errorf("Received %d locks, expected 0", a.locks.held())
	}
	at2, err := a.Begin(context.Background(), "pkg", Options{NoWait: true})
	if err != nil {
		t.Fatalf("Received %v, expected lock to be released", err)
	}
	at2.Close()
	state, err := at.Advance(context.Background())
	if state != sip.StateFailed || sip.KindOf(err) != sip.KindTimedOut {
		t.Errorf("Received %v %v, expected FAILED timed out", state, err)
	}
}

func TestTimeoutIdleWriting(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, err := a.Begin(context.Background(), "pkg", Options{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	at.Advance(context.Background())
	state, err := at.Advance(context.Background())
	if state != sip.StateWriting {
		t.Fatalf("Received %v %v, expected WRITING", state, err)
	}
	id := at.ID()
	mock.Add(time.Hour)
	saved, err := a.Catalog.Snapshot(id)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if saved.State != sip.StateFailed || !saved.Retryable {
		t.Errorf("Received %v retryable=%v, expected FAILED retryable", saved.State, saved.Retryable)
	}
	// the next attempt picks up where the expired one stopped
	s, err := a.Archive(context.Background(), "pkg", Options{NoWait: true})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if s.ID != id || s.Attempts != 2 || !s.Archived {
		t.Errorf("Received %s attempts %d archived %v, expected %s resumed", s.ID, s.Attempts, s.Archived, id)
	}
}

func TestTimeoutLockWait(t *testing.T) {
	a, records, mock := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, err := a.Begin(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	defer at.Close()
	result := make(chan error)
	go func() {
		_, err := a.Begin(context.Background(), "pkg", Options{Timeout: time.Minute})
		result <- err
	}()
	// wait until the second Begin has armed its timer
	for i := 0; i < 1000 && a.locks.waiters("pkg") < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	mock.Add(2 * time.Minute)
	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatalf("Begin still waiting after its timeout")
	}
	if sip.KindOf(err) != sip.KindTimedOut {
		t.Errorf("Received %v, expected timed out", err)
	}
}

func TestCancelDuringBuild(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	ctx, cancel := context.WithCancel(context.Background())
	at, _ := a.Begin(ctx, "pkg", Options{})
	at.Advance(ctx)
	cancel()
	state, err := at.Advance(ctx)
	if state != sip.StateFailed || sip.KindOf(err) != sip.KindTimedOut {
		t.Errorf("Received %v %v, expected FAILED timed out", state, err)
	}
}

// flakyStore fails creating items after the first few succeed.
type flakyStore struct {
	store.Store
	m       sync.Mutex
	allowed int
	creates map[string]int
}

func (fs *flakyStore) Create(key string) (io.WriteCloser, error) {
	fs.m.Lock()
	defer fs.m.Unlock()
	if fs.allowed == 0 {
		return nil, errors.New("disk on fire")
	}
	fs.allowed--
	if fs.creates == nil {
		fs.creates = make(map[string]int)
	}
	fs.creates[key]++
	return fs.Store.Create(key)
}

func TestResumeAfterStoreFailure(t *testing.T) {
	a, records, _ := newTest()
	flaky := &flakyStore{Store: a.Store, allowed: 2}
	a.Store = flaky
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	records.SetFile("pkg", "b.txt", []byte("bbb"))
	records.SetFile("pkg", "c.txt", []byte("ccc"))

	s, err := a.Archive(context.Background(), "pkg", Options{})
	if sip.KindOf(err) != sip.KindArchiveFilesystem || !sip.IsRetryable(err) {
		t.Fatalf("Received %v, expected archive filesystem error", err)
	}
	saved, _ := a.Catalog.Snapshot(s.ID)
	if saved.State != sip.StateFailed || !saved.Retryable || saved.LastError == "" {
		t.Errorf("Received %+v, expected retryable FAILED snapshot", saved)
	}

	flaky.allowed = 100
	s2, err := a.Archive(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if s2.ID != s.ID || s2.Attempts != 2 {
		t.Errorf("Received %s attempt %d, expected %s attempt 2", s2.ID, s2.Attempts, s.ID)
	}
	for key, n := range flaky.creates {
		if n != 1 {
			t.Errorf("%s written %d times, expected once", key, n)
		}
	}

	// the result is byte identical to an uninterrupted run
	b, brecords, _ := newTest()
	brecords.SetFile("pkg", "a.txt", []byte("aaa"))
	brecords.SetFile("pkg", "b.txt", []byte("bbb"))
	brecords.SetFile("pkg", "c.txt", []byte("ccc"))
	if _, err := b.Archive(context.Background(), "pkg", Options{}); err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if d1, d2 := dump(flaky.Store), dump(b.Store); d1 != d2 {
		t.Errorf("Received\n%s\nexpected\n%s", d1, d2)
	}
}

func TestWritingTwice(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, _ := a.Begin(context.Background(), "pkg", Options{})
	at.Advance(context.Background())
	at.Advance(context.Background())
	id := at.ID()
	at.Close()

	// write everything by hand, with one file wrong
	s, _ := a.Catalog.Snapshot(id)
	for _, e := range at.toWrite() {
		data := []byte(e.Content)
		if e.FilePath == "data/files/a.txt" {
			data = []byte("xx")
		}
		store.Write(a.Store, bagKey(s, e.FilePath), bytes.NewReader(data))
	}

	at, err := a.Resume(context.Background(), id, Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if state, err := at.Advance(context.Background()); state != sip.StateCommitted {
		t.Fatalf("Received %v %v, expected COMMITTED", state, err)
	}
	if got := readKey(t, a.Store, s.BagRoot+"data/files/a.txt"); got != "aaa" {
		t.Errorf("Received %q, expected partial file replaced", got)
	}
	if _, err := a.Resume(context.Background(), id, Options{}); !sip.IsAlreadyArchived(err) {
		t.Errorf("Received %v, expected already archived", err)
	}
}

func TestIntegrity(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, _ := a.Begin(context.Background(), "pkg", Options{})
	at.Advance(context.Background())
	at.Advance(context.Background())
	id := at.ID()
	at.Close()

	// same size, different bytes
	records.SetFile("pkg", "a.txt", []byte("abc"))
	_, err := a.Archive(context.Background(), "pkg", Options{})
	if sip.KindOf(err) != sip.KindIntegrity || sip.IsRetryable(err) {
		t.Errorf("Received %v, expected integrity error", err)
	}
	s, _ := a.Catalog.Snapshot(id)
	if s.State != sip.StateFailed || s.Retryable {
		t.Errorf("Received %v retryable=%v, expected FAILED", s.State, s.Retryable)
	}
	if store.Exists(a.Store, s.BagRoot+"data/files/a.txt") {
		t.Errorf("bad copy was left in the store")
	}
	// a fresh attempt starts over
	s2, err := a.Archive(context.Background(), "pkg", Options{})
	if err != nil || s2.ID == id {
		t.Errorf("Received %v %v, expected a new committed snapshot", s2, err)
	}
}

func TestRecordReadFailure(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	records.FailOpen("pkg", "a.txt", errors.New("nfs hiccup"))
	_, err := a.Archive(context.Background(), "pkg", Options{})
	if sip.KindOf(err) != sip.KindIO || !sip.IsRetryable(err) {
		t.Errorf("Received %v, expected retryable i/o error", err)
	}
}

func TestRestart(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	at, _ := a.Begin(context.Background(), "pkg", Options{})
	at.Advance(context.Background())
	at.Advance(context.Background())
	old := at.ID()
	at.Close()

	s, err := a.Archive(context.Background(), "pkg", Options{Restart: true})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if s.ID == old {
		t.Errorf("Received resumed snapshot, expected a new one")
	}
	abandoned, _ := a.Catalog.Snapshot(old)
	if abandoned.State != sip.StateFailed || abandoned.Retryable {
		t.Errorf("Received %v, expected abandoned snapshot FAILED", abandoned.State)
	}
}

func TestProgress(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	records.SetFile("pkg", "b.txt", []byte("bbbbb"))
	var reports []Progress
	_, err := a.Archive(context.Background(), "pkg", Options{
		Progress: func(p Progress) { reports = append(reports, p) },
	})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if len(reports) == 0 {
		t.Fatalf("Received no progress")
	}
	last := reports[len(reports)-1]
	if last.Files != last.TotalFiles || last.Bytes != last.TotalBytes {
		t.Errorf("Received %+v, expected everything done", last)
	}
	// two data files and four tag files
	if last.TotalFiles != 6 {
		t.Errorf("Received %d files, expected 6", last.TotalFiles)
	}
}

func TestVerifyDamage(t *testing.T) {
	a, records, _ := newTest()
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	s, err := a.Archive(context.Background(), "pkg", Options{})
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	key := s.BagRoot + "data/files/a.txt"
	a.Store.Delete(key)
	store.Write(a.Store, key, strings.NewReader("abc"))
	problems, err := a.Verify(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if len(problems) == 0 || !strings.Contains(problems[0], "checksum mismatch") {
		t.Errorf("Received %v, expected checksum mismatch", problems)
	}
}

func readKey(t *testing.T, s store.ROStore, key string) string {
	data, err := store.ReadAll(s, key)
	if err != nil {
		t.Fatalf("reading %s: %s", key, err.Error())
	}
	return string(data)
}

func dump(s store.ROStore) string {
	var b strings.Builder
	for key := range s.List() {
		data, _ := store.ReadAll(s, key)
		fmt.Fprintf(&b, "%s %q\n", key, data)
	}
	return b.String()
}
