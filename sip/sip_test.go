package sip

import (
	"errors"
	"fmt"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
)

func TestNewSnapshot(t *testing.T) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	prev, err := NewSnapshot("1a2b3c4d-0000", "pkg", t0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if prev.State != StatePending || prev.BagRoot != "1a/2b/1a2b3c4d-0000/" {
		t.Errorf("Received %+v", prev)
	}
	s, err := NewSnapshot("5e6f-0001", "pkg", t0.Add(time.Second), prev)
	if err != nil || s.Previous != prev.ID {
		t.Errorf("Received %v, %v", s, err)
	}
	var table = []struct {
		name    string
		pkg     string
		created time.Time
	}{
		{"same time", "pkg", t0},
		{"earlier", "pkg", t0.Add(-time.Second)},
		{"other package", "other", t0.Add(time.Second)},
	}
	for _, tab := range table {
		_, err := NewSnapshot("x", tab.pkg, tab.created, prev)
		if err == nil {
			t.Errorf("%s: expected an error", tab.name)
		}
	}
}

func TestLineage(t *testing.T) {
	t0 := time.Unix(1000, 0)
	snaps := map[string]*Snapshot{
		"c": {ID: "c", PackageID: "p", Created: t0.Add(2), Previous: "b"},
		"b": {ID: "b", PackageID: "p", Created: t0.Add(1), Previous: "a"},
		"a": {ID: "a", PackageID: "p", Created: t0},
	}
	get := func(id string) (*Snapshot, error) {
		s, ok := snaps[id]
		if !ok {
			return nil, fmt.Errorf("no snapshot %s", id)
		}
		return s, nil
	}
	chain, err := Lineage("c", get)
	var ids []string
	for _, s := range chain {
		ids = append(ids, s.ID)
	}
	if err != nil || fmt.Sprint(ids) != "[c b a]" {
		t.Errorf("Received %v, %v", ids, err)
	}
	snaps["a"].Previous = "c"
	if _, err := Lineage("c", get); KindOf(err) != KindMalformed {
		t.Errorf("Received %v, expected a malformed cycle", err)
	}
	snaps["a"].Previous = ""
	snaps["a"].Created = t0.Add(5)
	if _, err := Lineage("c", get); KindOf(err) != KindMalformed {
		t.Errorf("Received %v, expected malformed for out of order timestamps", err)
	}
	if _, err := Lineage("nope", get); err == nil || KindOf(err) == KindMalformed {
		t.Errorf("Received %v, expected the lookup error", err)
	}
}

func TestChecksum(t *testing.T) {
	c := ContentChecksum([]byte("hello"))
	if c != "md5:5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("Received %s", c)
	}
	b, err := ParseChecksum(c)
	if err != nil || FormatChecksum(b) != c {
		t.Errorf("Received %x, %v", b, err)
	}
	for _, bad := range []string{"sha256:abcd", "md5:xyz", "md5:abcd"} {
		if _, err := ParseChecksum(bad); err == nil {
			t.Errorf("ParseChecksum(%s) did not fail", bad)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	base := NewError(KindArchiveFilesystem, "data/files/a.txt", errors.New("disk full"))
	wrapped := pkgerrors.Wrap(WithIDs(base, "pkg1", "snap1"), "writing")
	if KindOf(wrapped) != KindArchiveFilesystem || !IsRetryable(wrapped) {
		t.Errorf("Received kind %s", KindOf(wrapped))
	}
	msg := WithIDs(base, "pkg1", "snap1").Error()
	want := "archive filesystem error: package pkg1 snapshot snap1: data/files/a.txt: disk full"
	if msg != want {
		t.Errorf("Received %q, expected %q", msg, want)
	}
	if base.PackageID != "" {
		t.Errorf("WithIDs modified its argument")
	}
	var table = []struct {
		kind      Kind
		retryable bool
	}{
		{KindDuplicatePath, false},
		{KindMissingMetadata, false},
		{KindMalformed, false},
		{KindIO, true},
		{KindArchiveFilesystem, true},
		{KindAlreadyArchived, false},
		{KindLockBusy, false},
		{KindTimedOut, true},
		{KindIntegrity, false},
	}
	for _, tab := range table {
		if tab.kind.Retryable() != tab.retryable {
			t.Errorf("%s: Received retryable %v", tab.kind, !tab.retryable)
		}
	}
	if KindOf(errors.New("plain")) != KindUnknown || IsRetryable(nil) {
		t.Errorf("plain errors should be unknown and not retryable")
	}
	if !IsLockBusy(NewError(KindLockBusy, "", nil)) || !IsAlreadyArchived(NewError(KindAlreadyArchived, "", nil)) {
		t.Errorf("helpers do not match their kinds")
	}
}

func TestStateText(t *testing.T) {
	for s := StatePending; s <= StateFailed; s++ {
		b, _ := s.MarshalText()
		var back State
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("%s: Received %v, %v", s, back, err)
		}
	}
	if !StateCommitted.Terminal() || StateWriting.Terminal() {
		t.Errorf("wrong terminal states")
	}
}
