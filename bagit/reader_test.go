package bagit

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/store"
)

func TestTagParser(t *testing.T) {
	var table = []struct {
		name     string
		contents string
		tags     map[string]string
	}{
		// Parse normal tag file
		{"ok-1",
			"a-tag: some text\nanother-tag: more text\n  extended line",
			map[string]string{
				"a-tag":       "some text",
				"another-tag": "more text extended line",
			}},
		{"ok-2",
			"first tag:important\nthis line is skipped\n\n this line continues the first\n",
			map[string]string{
				"first tag": "important this line continues the first",
			}},
		{"crlf",
			"BagIt-Version: 0.97\r\nTag-File-Character-Encoding: UTF-8\r\n",
			map[string]string{
				"BagIt-Version":               "0.97",
				"Tag-File-Character-Encoding": "UTF-8",
			}},
		{"colon in value",
			"Source-Organization: a: b\n",
			map[string]string{
				"Source-Organization": "a: b",
			}},
	}
	for _, tab := range table {
		tags, err := ParseTags(strings.NewReader(tab.contents))
		if err != nil {
			t.Errorf("%s: %s", tab.name, err)
		}
		if !mapsEqual(tags, tab.tags) {
			t.Errorf("%s: tags unequal received %#v, expected %#v", tab.name, tags, tab.tags)
		}
	}
}

func TestParseManifest(t *testing.T) {
	var table = []struct {
		name     string
		contents string
		paths    string
		ok       bool
	}{
		{"two spaces", "5d41402abc4b2a76b9719d911017c592  data/hello1\n", "data/hello1", true},
		{"one space", "5d41402abc4b2a76b9719d911017c592 data/hello 1\n", "data/hello 1", true},
		{"no final newline", "5d41402abc4b2a76b9719d911017c592 data/a\n5d41402abc4b2a76b9719d911017c592 data/b", "data/a,data/b", true},
		{"blank lines", "\n5d41402abc4b2a76b9719d911017c592 data/a\n\n", "data/a", true},
		{"not hex", "thisisnothexdata0000000000000000 data/hello1\n", "", false},
		{"only hash", "2cf24dba5fb0a30e26e83b2ac5b9e29e\n", "", false},
		{"empty", "", "", true},
	}
	for _, tab := range table {
		lines, err := ParseManifest(strings.NewReader(tab.contents))
		if (err == nil) != tab.ok {
			t.Errorf("%s: Received error %v", tab.name, err)
			continue
		}
		var paths []string
		for _, l := range lines {
			paths = append(paths, l.Path)
		}
		if err == nil && strings.Join(paths, ",") != tab.paths {
			t.Errorf("%s: Received %v, expected %s", tab.name, paths, tab.paths)
		}
	}
}

func TestParseFetch(t *testing.T) {
	lines, err := ParseFetch(strings.NewReader(
		"/archive/ab/cd/x/data/files/a%20b.txt 12 data/files/a b.txt\nhttp://example.com/y - data/y\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("Received %v", lines)
	}
	if lines[0].URL != "/archive/ab/cd/x/data/files/a b.txt" || lines[0].Size != 12 || lines[0].Path != "data/files/a b.txt" {
		t.Errorf("Received %+v", lines[0])
	}
	if lines[1].Size != -1 {
		t.Errorf("Received %+v", lines[1])
	}
	for _, bad := range []string{"url 12\n", "url twelve data/x\n"} {
		if _, err := ParseFetch(strings.NewReader(bad)); err == nil {
			t.Errorf("ParseFetch(%q) did not fail", bad)
		}
	}
}

// writeBag stores a serialized bag, taking payload bytes from data or from
// the entry's inline content.
func writeBag(t *testing.T, s store.Store, b *Bag, data map[string]string) {
	for _, e := range b.Entries() {
		content := e.Content
		if !e.HasContent() {
			content = data[e.FilePath]
		}
		if _, err := store.Write(s, b.Root+e.FilePath, strings.NewReader(content)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRoundtrip(t *testing.T) {
	s, d := abSnapshot(t)
	b, err := Serialize(s, d, Options{Agent: "sipstore/test"})
	if err != nil {
		t.Fatal(err)
	}
	mstore := store.NewMemory()
	store.Write(mstore, "pr/ev/prev/data/files/a.txt", strings.NewReader("aaa"))
	writeBag(t, mstore, b, map[string]string{"data/files/b.txt": "bbb"})

	r, err := Open(mstore, b.Root)
	if err != nil {
		t.Fatal(err)
	}
	if r.Tags()["BagIt-Version"] != Version || r.Tags()["Payload-Oxum"] != "8.3" {
		t.Errorf("Received tags %v", r.Tags())
	}

	// parse back the (path, checksum, unchanged) tuples the diff decided on
	type tuple struct {
		checksum  string
		size      int64
		unchanged bool
	}
	got := make(map[string]tuple)
	for _, m := range r.Manifest() {
		got[m.Path] = tuple{checksum: "md5:" + hex.EncodeToString(m.MD5), size: -1}
	}
	for _, f := range r.Fetch() {
		got[f.Path] = tuple{size: f.Size, unchanged: true}
	}
	for _, e := range s.Entries() {
		g, ok := got[e.FilePath]
		if !ok {
			t.Errorf("%s missing from bag", e.FilePath)
			continue
		}
		if g.unchanged != e.Fetched {
			t.Errorf("%s: unchanged %v, expected %v", e.FilePath, g.unchanged, e.Fetched)
		}
		if g.unchanged && g.size != e.Size {
			t.Errorf("%s: size %d, expected %d", e.FilePath, g.size, e.Size)
		}
		if !g.unchanged && g.checksum != e.Checksum {
			t.Errorf("%s: checksum %s, expected %s", e.FilePath, g.checksum, e.Checksum)
		}
	}
	if len(got) != len(s.Entries()) {
		t.Errorf("Received %d payload files, expected %d", len(got), len(s.Entries()))
	}

	if err := r.Verify(context.Background()); err != nil {
		t.Errorf("Verify returned %s", err)
	}
	if strings.Join(r.Files(), ",") != "data/files/a.txt,data/files/b.txt,data/metadata/json.json" {
		t.Errorf("File list is %v", r.Files())
	}
}

func TestVerify(t *testing.T) {
	var table = []struct {
		name  string
		alter func(s *store.Memory, root string)
		ok    bool
	}{
		{"ok", func(s *store.Memory, root string) {}, true},
		{"extra payload file", func(s *store.Memory, root string) {
			store.Write(s, root+"data/files/extra", strings.NewReader("x"))
		}, false},
		{"missing payload file", func(s *store.Memory, root string) {
			s.Delete(root + "data/files/b.txt")
		}, false},
		{"mismatch payload file", func(s *store.Memory, root string) {
			s.Delete(root + "data/files/b.txt")
			store.Write(s, root+"data/files/b.txt", strings.NewReader("BBB"))
		}, false},
		{"mismatch tag file", func(s *store.Memory, root string) {
			s.Delete(root + BagInfoFile)
			store.Write(s, root+BagInfoFile, strings.NewReader("Contact-Name: someone else\n"))
		}, false},
		{"fetched file gone", func(s *store.Memory, root string) {
			s.Delete("pr/ev/prev/data/files/a.txt")
		}, false},
		{"extra tag file", func(s *store.Memory, root string) {
			store.Write(s, root+"tagfile.txt", strings.NewReader("extra tag file"))
		}, true},
	}
	for _, tab := range table {
		s, d := abSnapshot(t)
		b, err := Serialize(s, d, Options{})
		if err != nil {
			t.Fatal(err)
		}
		mstore := store.NewMemory()
		store.Write(mstore, "pr/ev/prev/data/files/a.txt", strings.NewReader("aaa"))
		writeBag(t, mstore, b, map[string]string{"data/files/b.txt": "bbb"})
		tab.alter(mstore, b.Root)

		r, err := Open(mstore, b.Root)
		if err != nil {
			t.Fatalf("%s: %s", tab.name, err)
		}
		err = r.Verify(context.Background())
		if tab.ok && err != nil {
			t.Errorf("%s: Verify returned %s", tab.name, err)
		} else if !tab.ok && err == nil {
			t.Errorf("%s: Verify returned nil", tab.name)
		}
		if err != nil {
			if _, isVerify := err.(*VerifyError); !isVerify {
				t.Errorf("%s: Received %T, expected *VerifyError", tab.name, err)
			}
		}
	}
}

func TestOpenNotABag(t *testing.T) {
	mstore := store.NewMemory()
	store.Write(mstore, "x/manifest-md5.txt", strings.NewReader(""))
	if _, err := Open(mstore, "x"); err == nil {
		t.Errorf("Open succeeded without bagit.txt")
	}
}

func TestTagFilesAreEntries(t *testing.T) {
	s, d := abSnapshot(t)
	b, _ := Serialize(s, d, Options{})
	for _, e := range b.TagFiles {
		if !e.IsTagFile() || !e.HasContent() {
			t.Errorf("%s is not an inline tag entry", e.FilePath)
		}
		if err := sip.ValidatePath(e.FilePath); err != nil {
			t.Errorf("%s: %s", e.FilePath, err)
		}
	}
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v1 := range a {
		v2, ok := b[k]
		if !ok || v1 != v2 {
			return false
		}
	}
	return true
}
