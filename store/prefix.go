package store

import (
	"io"
	"strings"
)

// NewWithPrefix returns a view of s holding only the keys under prefix,
// with the prefix removed. Several archives can share one bucket or
// directory this way. A prefix not ending in a slash gets one.
func NewWithPrefix(s Store, prefix string) Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefixstore{s: s, p: prefix}
}

type prefixstore struct {
	s Store  // the store being wrapped
	p string // the prefix for our keys
}

// List sends the keys in sorted order. It is built on ListPrefix, so only
// the part of the wrapped store under the prefix is scanned.
func (ps prefixstore) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		keys, _ := ps.ListPrefix("")
		for _, key := range keys {
			out <- key
		}
	}()
	return out
}

func (ps prefixstore) ListPrefix(prefix string) ([]string, error) {
	keys, err := ps.s.ListPrefix(ps.p + prefix)
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, strings.TrimPrefix(key, ps.p))
	}
	return result, err
}

func (ps prefixstore) Open(key string) (ReadAtCloser, int64, error) {
	return ps.s.Open(ps.p + key)
}

func (ps prefixstore) Stat(key string) (int64, error) {
	return ps.s.Stat(ps.p + key)
}

func (ps prefixstore) FullPath(key string) string {
	return ps.s.FullPath(ps.p + key)
}

// KeyOf only accepts full paths of keys under the prefix.
func (ps prefixstore) KeyOf(fullpath string) (string, bool) {
	key, ok := ps.s.KeyOf(fullpath)
	if !ok || !strings.HasPrefix(key, ps.p) {
		return "", false
	}
	return key[len(ps.p):], true
}

func (ps prefixstore) Create(key string) (io.WriteCloser, error) {
	return ps.s.Create(ps.p + key)
}

func (ps prefixstore) Delete(key string) error {
	return ps.s.Delete(ps.p + key)
}
