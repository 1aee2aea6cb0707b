package store

import (
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing. Full paths have the form "mem:<key>".
type Memory struct {
	m     sync.RWMutex
	store map[string]*buf
}

var (
	// ensure Memory satisfies the Store interface
	_ Store = &Memory{}
)

const memScheme = "mem:"

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*buf)}
}

// List returns a channel giving the key for every item in the store.
// The keys are snapshotted when List is called.
func (ms *Memory) List() <-chan string {
	keys, _ := ms.ListPrefix("")
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns all the keys which begin with the given prefix, sorted.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given item.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	v.m.RLock()
	return &memReader{b: v}, int64(len(v.b)), nil
}

// Stat returns the size of the given item.
func (ms *Memory) Stat(key string) (int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	// an item still being written is not visible yet
	if !ok || !v.m.TryRLock() {
		return 0, ErrNotExist
	}
	defer v.m.RUnlock()
	return int64(len(v.b)), nil
}

// FullPath returns "mem:" followed by the key.
func (ms *Memory) FullPath(key string) string {
	return memScheme + key
}

// KeyOf reverses FullPath.
func (ms *Memory) KeyOf(fullpath string) (string, bool) {
	if !strings.HasPrefix(fullpath, memScheme) {
		return "", false
	}
	return strings.TrimPrefix(fullpath, memScheme), true
}

// A buf is write locked while it is being created, so readers of an item
// that is in the middle of being written wait for the writer to close.
type buf struct {
	m    sync.RWMutex
	b    []byte
}

type memReader struct {
	b    *buf
	once sync.Once
}

func (r *memReader) Close() error {
	r.once.Do(r.b.m.RUnlock)
	return nil
}

func (r *memReader) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(r.b.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type memWriter struct {
	ms   *Memory
	key  string
	b    *buf
	once sync.Once
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.b.b = append(w.b.b, p...)
	return len(p), nil
}

func (w *memWriter) Close() error {
	w.once.Do(w.b.m.Unlock)
	return nil
}

// Create makes a new entry in the store, and returns a writer to save data
// into it. The item becomes visible to Stat once the writer is closed.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	r := &buf{}
	r.m.Lock()
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.store[key]; ok {
		r.m.Unlock()
		return nil, ErrKeyExists
	}
	ms.store[key] = r
	return &memWriter{ms: ms, key: key, b: r}, nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

