package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/store"
)

func TestFixityStatus(t *testing.T) {
	var table = []struct {
		problems []string
		err      error
		status   string
		notes    string
	}{
		{nil, nil, "ok", ""},
		{[]string{}, nil, "ok", ""},
		{[]string{"a: checksum mismatch", "b: missing"}, nil, "mismatch", "a: checksum mismatch\nb: missing"},
		{nil, errors.New("disk gone"), "error", "disk gone"},
		{[]string{"a"}, errors.New("disk gone"), "error", "disk gone"},
	}
	for _, row := range table {
		status, notes := fixityStatus(row.problems, row.err)
		if status != row.status || notes != row.notes {
			t.Errorf("Received (%q, %q), expected (%q, %q)", status, notes, row.status, row.notes)
		}
	}
}

func TestFixityChecker(t *testing.T) {
	records := &record.Memory{}
	records.SetFile("pkg", "a.txt", []byte("aaa"))
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	st := store.NewMemory()
	c := catalog.NewMemory()
	a := archiver.New(st, c, records)
	a.Clock = mock
	a.FixityInterval = time.Hour

	s, err := a.Archive(context.Background(), "pkg", archiver.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if id := c.NextFixity(mock.Now()); id != "" {
		t.Errorf("Received %q, expected no check due yet", id)
	}
	mock.Add(2 * time.Hour)
	if id := c.NextFixity(mock.Now()); id != s.ID {
		t.Errorf("Received %q, expected %q", id, s.ID)
	}

	fc := newFixityChecker(a, 1000, mock)
	defer fc.stop()
	fc.run()
	if id := c.NextFixity(mock.Now()); id != "" {
		t.Errorf("Received %q, expected nothing left to check", id)
	}
	next, _ := c.LookupCheck(s.ID)
	if !next.Equal(mock.Now().Add(minDurationChecksum)) {
		t.Errorf("Received next check %s, expected %s", next, mock.Now().Add(minDurationChecksum))
	}

	// damage the bag and check again
	key := s.BagRoot + "data/files/a.txt"
	st.Delete(key)
	if _, err := store.Write(st, key, strings.NewReader("abc")); err != nil {
		t.Fatal(err)
	}
	if status := fc.check(s.ID); status != "mismatch" {
		t.Errorf("Received %q, expected mismatch", status)
	}
	if status := fc.check("nosuchsnapshot"); status != "error" {
		t.Errorf("Received %q, expected error", status)
	}
}
