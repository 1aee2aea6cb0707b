// Package storetest provides functions for testing anything implementing
// the store.Store interface. Every store used as an archive filesystem
// should pass Conformance.
package storetest

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ndlib/sipstore/store"
)

// Conformance checks the behavior the archiver relies on: nested keys,
// refusing to overwrite, Stat, FullPath and KeyOf, prefix listing, and
// deleting then replacing an item. The store should start out empty.
func Conformance(t *testing.T, s store.Store) {
	keys := []string{
		"ab/cd/abcd-0001/bagit.txt",
		"ab/cd/abcd-0001/data/files/a.txt",
		"ab/cd/abcd-0001/data/files/sub dir/b.txt",
		"ab/cd/abcd-0002/bagit.txt",
		"zz/top.txt",
	}
	for _, k := range keys {
		add(t, s, k, "content of "+k)
	}

	_, err := s.Create(keys[0])
	if err != store.ErrKeyExists {
		t.Errorf("Create(%s) = %v, expected ErrKeyExists", keys[0], err)
	}

	size, err := s.Stat(keys[1])
	if err != nil || size != int64(len("content of "+keys[1])) {
		t.Errorf("Stat(%s) = %d, %v", keys[1], size, err)
	}
	_, err = s.Stat("ab/cd/missing")
	if err != store.ErrNotExist {
		t.Errorf("Stat(missing) = %v, expected ErrNotExist", err)
	}
	_, _, err = s.Open("ab/cd/missing")
	if err == nil {
		t.Errorf("Open(missing) did not return an error")
	}

	data, err := store.ReadAll(s, keys[2])
	if err != nil || string(data) != "content of "+keys[2] {
		t.Errorf("ReadAll(%s) = %q, %v", keys[2], data, err)
	}

	for _, k := range keys {
		fp := s.FullPath(k)
		back, ok := s.KeyOf(fp)
		if !ok || back != k {
			t.Errorf("KeyOf(FullPath(%s)) = %q, %v", k, back, ok)
		}
	}

	got, err := s.ListPrefix("ab/cd/abcd-0001/")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(keys[:3], ",") {
		t.Errorf("ListPrefix returned %v", got)
	}

	var all []string
	for k := range s.List() {
		all = append(all, k)
	}
	sort.Strings(all)
	if strings.Join(all, ",") != strings.Join(keys, ",") {
		t.Errorf("List returned %v", all)
	}

	if err := s.Delete(keys[1]); err != nil {
		t.Fatal(err)
	}
	if store.Exists(s, keys[1]) {
		t.Errorf("%s still exists after Delete", keys[1])
	}
	if err := s.Delete(keys[1]); err != nil {
		t.Errorf("second Delete returned %v", err)
	}
	add(t, s, keys[1], "replacement")
	data, _ = store.ReadAll(s, keys[1])
	if string(data) != "replacement" {
		t.Errorf("after replace got %q", data)
	}
}

// Concurrent has n goroutines each write, read back, and delete their own
// items in the store. It is a good test to run with the -race flag.
func Concurrent(t *testing.T, s store.Store, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 1+rand.Intn(200000))
			rand.Read(buf)
			goal := md5.Sum(buf)
			key := fmt.Sprintf("c%02d/%02d/item", i%7, i)
			if _, err := store.Write(s, key, bytes.NewReader(buf)); err != nil {
				t.Error(key, err)
				return
			}
			rac, size, err := s.Open(key)
			if err != nil {
				t.Error(key, err)
				return
			}
			h := md5.New()
			_, err = io.Copy(h, store.NewReader(rac))
			rac.Close()
			if err != nil {
				t.Error(key, err)
			}
			if size != int64(len(buf)) {
				t.Errorf("%s: size %d, expected %d", key, size, len(buf))
			}
			if !bytes.Equal(h.Sum(nil), goal[:]) {
				t.Errorf("%s: hash mismatch", key)
			}
			if err := s.Delete(key); err != nil {
				t.Error(key, err)
			}
		}(i)
	}
	wg.Wait()
}

func add(t *testing.T, s store.Store, key string, data string) {
	w, err := s.Create(key)
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", key, err.Error())
	}
	_, err = w.Write([]byte(data))
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", key, err.Error())
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", key, err.Error())
	}
}
