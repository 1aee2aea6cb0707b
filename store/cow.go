package store

import (
	"io"
	"sort"
)

// COW implements a Copy-on-Write store layered over a read-only parent.
// The local store is used for writes and is the first checked for reads.
// Anything not in the local store is looked up in the parent. Hence, the
// local store appears to have everything in the parent, but all changes are
// local and nothing is ever written to the parent.
//
// It lets an archival be rehearsed against a live archive: bags are written
// into the local store while fetch references and fixity checks still see
// the earlier bags in the parent.
type COW struct {
	local  Store   // where we write into
	parent ROStore // never written to
}

var _ Store = &COW{}

// NewCOW creates a COW store writing into local and reading through to
// parent.
func NewCOW(local Store, parent ROStore) *COW {
	return &COW{local: local, parent: parent}
}

// List returns a channel enumerating everything in this store. It will
// combine the items in both the local store and the parent.
func (c *COW) List() <-chan string {
	out := make(chan string)
	go mergechan(out, c.parent.List(), c.local.List())
	return out
}

// ListPrefix returns all items with a specified prefix, sorted. It will
// combine the items found in both stores.
func (c *COW) ListPrefix(prefix string) ([]string, error) {
	loc, err := c.local.ListPrefix(prefix)
	if err != nil {
		return loc, err
	}
	rmt, err := c.parent.ListPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return mergelist(loc, rmt), nil
}

// Open will return an item for reading, from the local store if it is
// there and otherwise from the parent.
func (c *COW) Open(key string) (ReadAtCloser, int64, error) {
	rac, n, err := c.local.Open(key)
	if err != ErrNotExist {
		return rac, n, err
	}
	return c.parent.Open(key)
}

// Stat returns the size of key, looking in the local store first.
func (c *COW) Stat(key string) (int64, error) {
	n, err := c.local.Stat(key)
	if err != ErrNotExist {
		return n, err
	}
	return c.parent.Stat(key)
}

// FullPath returns the parent's full path for keys only the parent has, and
// the local full path for everything else, including keys not yet written.
func (c *COW) FullPath(key string) string {
	if !Exists(c.local, key) && Exists(c.parent, key) {
		return c.parent.FullPath(key)
	}
	return c.local.FullPath(key)
}

// KeyOf maps a full path from either store back to its key.
func (c *COW) KeyOf(fullpath string) (string, bool) {
	if key, ok := c.local.KeyOf(fullpath); ok {
		return key, true
	}
	return c.parent.KeyOf(fullpath)
}

// Create will make a new item in the local store. It is acceptable to
// make an item in the local store with the same name as an item in the
// parent. The local item will shadow the parent one.
func (c *COW) Create(key string) (io.WriteCloser, error) {
	return c.local.Create(key)
}

// Delete `key`. Items will only be deleted from the local store. Trying to
// delete a parent item will result in a nop (but not an error). Note: If
// there were a local item shadowing a parent item, doing a delete will
// delete the local one, but the parent one will still exist. So deleting an
// item may not remove it from the store.
func (c *COW) Delete(key string) error {
	return c.local.Delete(key)
}

// Written lists the keys written into the local store, sorted.
func (c *COW) Written() []string {
	var result []string
	for key := range c.local.List() {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

// merge in1 and in2 into c. Removes any duplicate entries. Closes c
// when both in1 and in2 are closed.
func mergechan(c chan<- string, in1, in2 <-chan string) {
	dedup := make(map[string]struct{})
	for in1 != nil || in2 != nil {
		var n string
		var ok bool
		select {
		case n, ok = <-in1:
			if !ok {
				in1 = nil
				continue
			}
		case n, ok = <-in2:
			if !ok {
				in2 = nil
				continue
			}
		}
		_, ok = dedup[n]
		if !ok {
			dedup[n] = struct{}{}
			c <- n
		}
	}
	close(c)
}

// mergelist returns the sorted union of a and b.
func mergelist(a, b []string) []string {
	result := append(a[:len(a):len(a)], b...)
	sort.Strings(result)
	j := 0
	for i, s := range result {
		if i > 0 && s == result[j-1] {
			continue
		}
		result[j] = s
		j++
	}
	return result[:j]
}
