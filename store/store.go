// Package store provides the archive filesystem: a simple, goroutine safe
// key-value interface where values are streams. Keys are slash separated
// paths relative to the root of the archive, e.g.
// "ab/cd/abcd1234/data/files/a.txt". This approach allows large files to be
// stored easily and lets a bag be laid out as a directory tree.
//
// Probably the most important implementation is the FileSystem. S3 keeps the
// archive in a bucket. The others are useful for testing or other
// specialized situations.
package store

import (
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value. Create returns ErrKeyExists if the key is present.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
//
// Stat returns the size of the given key, or ErrNotExist.
// FullPath returns the resolved location of a key, e.g. an absolute file
// name or an s3:// url. It is what ends up in fetch.txt, so it must be
// stable. KeyOf maps a full path produced by this store back to its key.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
	Stat(key string) (int64, error)
	FullPath(key string) string
	KeyOf(fullpath string) (string, bool)
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrNotExist means the key is not in the store
	ErrNotExist = errors.New("Key does not exist")
)

// Write saves everything from r under key and returns the full path of the
// new item. On error nothing is guaranteed about the state of key.
func Write(s Store, key string, r io.Reader) (string, error) {
	w, err := s.Create(key)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", key)
	}
	_, err = io.Copy(w, r)
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return "", errors.Wrapf(err, "write %s", key)
	}
	return s.FullPath(key), nil
}

// ReadAll returns the complete contents of key. Only use it for small items
// such as tag files.
func ReadAll(s ROStore, key string) ([]byte, error) {
	r, _, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(NewReader(r))
}

// Exists returns true if key is present in the store.
func Exists(s ROStore, key string) bool {
	_, err := s.Stat(key)
	return err == nil
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}
