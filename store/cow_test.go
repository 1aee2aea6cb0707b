package store

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"
)

func TestCOW(t *testing.T) {
	dir, err := ioutil.TempDir("", "sipstore-cow")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	parent := NewFileSystem(dir)
	Write(parent, "ab/old.txt", strings.NewReader("old"))
	Write(parent, "ab/shadow.txt", strings.NewReader("parent"))
	local := NewMemory()
	cow := NewCOW(local, parent)

	if _, err := Write(cow, "ab/shadow.txt", strings.NewReader("local!")); err != nil {
		t.Fatal(err)
	}
	if _, err := Write(cow, "ab/new.txt", strings.NewReader("new")); err != nil {
		t.Fatal(err)
	}
	var table = []struct {
		key      string
		content  string
		fullpath string
	}{
		{"ab/old.txt", "old", parent.FullPath("ab/old.txt")},
		{"ab/shadow.txt", "local!", "mem:ab/shadow.txt"},
		{"ab/new.txt", "new", "mem:ab/new.txt"},
	}
	for _, row := range table {
		data, err := ReadAll(cow, row.key)
		if err != nil || string(data) != row.content {
			t.Errorf("%s: Received (%q, %v), expected %q", row.key, data, err, row.content)
		}
		fp := cow.FullPath(row.key)
		if fp != row.fullpath {
			t.Errorf("%s: Received full path %q, expected %q", row.key, fp, row.fullpath)
		}
		if key, ok := cow.KeyOf(fp); !ok || key != row.key {
			t.Errorf("%s: KeyOf(%s) = (%q, %v)", row.key, fp, key, ok)
		}
	}
	if _, err := cow.Stat("ab/missing.txt"); err != ErrNotExist {
		t.Errorf("Received %v, expected ErrNotExist", err)
	}

	list, _ := cow.ListPrefix("ab/")
	if strings.Join(list, ",") != "ab/new.txt,ab/old.txt,ab/shadow.txt" {
		t.Errorf("Received %v", list)
	}
	var all []string
	for key := range cow.List() {
		all = append(all, key)
	}
	if len(all) != 3 {
		t.Errorf("Received %v, expected 3 keys", all)
	}
	if w := cow.Written(); strings.Join(w, ",") != "ab/new.txt,ab/shadow.txt" {
		t.Errorf("Received written %v", w)
	}

	// deleting only removes the local copy
	cow.Delete("ab/shadow.txt")
	cow.Delete("ab/old.txt")
	data, _ := ReadAll(cow, "ab/shadow.txt")
	if string(data) != "parent" || !Exists(cow, "ab/old.txt") {
		t.Errorf("Received %q, expected the parent copy", data)
	}
}

func TestMergeList(t *testing.T) {
	var table = []struct {
		a, b   []string
		output string
	}{
		{nil, nil, ""},
		{[]string{"b", "a"}, nil, "a,b"},
		{[]string{"a", "c"}, []string{"c", "b", "a"}, "a,b,c"},
	}
	for _, row := range table {
		result := strings.Join(mergelist(row.a, row.b), ",")
		if result != row.output {
			t.Errorf("Received %q, expected %q", result, row.output)
		}
	}
}
