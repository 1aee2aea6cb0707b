package main

import (
	"context"
	"strings"
	"testing"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/config"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/store"
)

func TestRehearse(t *testing.T) {
	records := &record.Memory{}
	archive := store.NewMemory()
	c := catalog.NewMemory()
	a := archiver.New(archive, c, records)
	ctx := context.Background()

	records.SetFile("pkg", "a.txt", []byte("aaa"))
	first, err := a.Archive(ctx, "pkg", archiver.Options{})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := archive.ListPrefix("")

	records.SetFile("pkg", "b.txt", []byte("bbb"))
	cow, err := rehearse(a, "pkg")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Archive(ctx, "pkg", archiver.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Previous != first.ID {
		t.Errorf("Received previous %s, expected %s", second.Previous, first.ID)
	}
	written := cow.Written()
	if len(written) == 0 || !strings.HasPrefix(written[0], second.BagRoot) {
		t.Errorf("Received written %v, expected keys under %s", written, second.BagRoot)
	}
	for _, key := range written {
		if key == second.BagRoot+"data/files/a.txt" {
			t.Errorf("unchanged a.txt was written")
		}
	}
	problems, err := a.Verify(ctx, second.ID)
	if err != nil || len(problems) != 0 {
		t.Errorf("Received %v %v, expected a good rehearsed bag", problems, err)
	}

	after, _ := archive.ListPrefix("")
	if len(after) != len(before) {
		t.Errorf("Received %d keys in the real archive, expected %d", len(after), len(before))
	}
	pkg, _ := c.Package("pkg")
	if pkg.LatestArchived != first.ID {
		t.Errorf("Received %s, expected the real catalog unchanged", pkg.LatestArchived)
	}
}

func TestNewArchiver(t *testing.T) {
	cfg := config.Default()
	cfg.Records = t.TempDir()
	cfg.Workers = 3
	cfg.RequiredMetadata = []string{"json"}
	a, err := newArchiver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Catalog.Close()
	if _, ok := a.Store.(*store.Memory); !ok {
		t.Errorf("Received %T, expected a memory store", a.Store)
	}
	if a.Workers != 3 || len(a.RequiredMetadata) != 1 {
		t.Errorf("Received %+v", a)
	}
	cfg.ArchivePrefix = "one"
	b, err := newArchiver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Catalog.Close()
	if fp := b.Store.FullPath("x"); fp != "mem:one/x" {
		t.Errorf("Received %s, expected mem:one/x", fp)
	}
	cfg.Database = "mysql:"
	cfg.Archive = "ftp://nowhere"
	if _, err := newArchiver(cfg); err == nil {
		t.Errorf("Received nil error for a bad archive location")
	}
}
