package store

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// FileSystem implements the file system based archive store. Keys are slash
// separated paths, and each is stored as the file root/key. Files are
// written into a scratch directory first and renamed into place when
// closed, so a partially written file is never visible under its key.
type FileSystem struct {
	root string
}

const (
	// the subdir to store files while they are being written to.
	scratchdir = ".scratch"
)

var (
	// make sure it implements the Store interface
	_ Store = &FileSystem{}

	// ErrInvalidKey means the key is empty, absolute, or has an empty,
	// "." or ".." path segment.
	ErrInvalidKey = errors.New("Key is not a clean relative path")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsControlChar  means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
// The root is made absolute so full paths are stable.
func NewFileSystem(root string) *FileSystem {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &FileSystem{root: root}
}

// List returns a channel listing all the keys in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go func() {
		defer close(c)
		s.walk(s.root, func(key string) { c <- key })
	}()
	return c
}

// walk performs a depth first traversal of dir, passing the key of every
// regular file to emit. The scratch directory is skipped. Errors are logged
// since there is no other way of passing them back to List.
func (s *FileSystem) walk(dir string, emit func(string)) {
	f, err := os.Open(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Println(err)
			raven.CaptureError(err, map[string]string{"root": s.root})
		}
		return
	}
	entries, err := f.Readdir(-1)
	f.Close()
	if err != nil {
		log.Println(err)
		raven.CaptureError(err, map[string]string{"root": s.root})
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if dir == s.root && e.Name() == scratchdir {
				continue
			}
			s.walk(p, emit)
			continue
		}
		if !e.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			continue
		}
		emit(filepath.ToSlash(rel))
	}
}

// ListPrefix returns a sorted list of all the keys beginning with the given
// prefix. Only the directory containing the prefix is scanned.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}
	var result []string
	s.walk(dir, func(key string) {
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	})
	return result, nil
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	if err := isKeyValid(key); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotExist
	} else if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Stat returns the size of the file stored under key.
func (s *FileSystem) Stat(key string) (int64, error) {
	if err := isKeyValid(key); err != nil {
		return 0, err
	}
	fi, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return 0, ErrNotExist
	} else if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, ErrNotExist
	}
	return fi.Size(), nil
}

// FullPath returns the absolute file name for key.
func (s *FileSystem) FullPath(key string) string {
	return s.path(key)
}

// KeyOf returns the key for an absolute file name inside this store.
func (s *FileSystem) KeyOf(fullpath string) (string, bool) {
	rel, err := filepath.Rel(s.root, fullpath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (s *FileSystem) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Create creates a new item with the given key, and a writer to allow for
// saving data into the new item.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	if err := isKeyValid(key); err != nil {
		return nil, err
	}
	target := s.path(key)
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return nil, err
	}
	// the scratch name flattens the key so concurrent writers of different
	// keys never collide
	scratch := filepath.Join(s.root, scratchdir)
	if err := os.MkdirAll(scratch, 0775); err != nil {
		return nil, err
	}
	temp := s.scratchPath(key)
	// pass the O_EXCL flag explicitly to prevent two writers sharing
	// the same scratch file
	w, err := os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if os.IsExist(err) {
		return nil, ErrKeyExists
	} else if err != nil {
		return nil, err
	}
	return &moveCloser{File: w, source: temp, target: target}, nil
}

// track the file so when it is closed, we can move it into the correct place
type moveCloser struct {
	*os.File
	source string
	target string
}

func (w *moveCloser) Close() error {
	err := w.File.Sync()
	if err2 := w.File.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(w.source)
		return err
	}
	if _, err = os.Stat(w.target); !os.IsNotExist(err) {
		os.Remove(w.source)
		return ErrKeyExists
	}
	return os.Rename(w.source, w.target)
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist. Directories left empty are not removed.
func (s *FileSystem) Delete(key string) error {
	if err := isKeyValid(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	// also clear out anything left from an interrupted write
	err2 := os.Remove(s.scratchPath(key))
	if err == nil && err2 != nil && !os.IsNotExist(err2) {
		err = err2
	}
	return err
}

// scratchPath flattens key into a file name in the scratch directory.
func (s *FileSystem) scratchPath(key string) string {
	return filepath.Join(s.root, scratchdir, strings.Replace(key, "/", "%", -1))
}

// isKeyValid rejects keys which could escape the root or which do not name
// a file.
func isKeyValid(key string) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
		if seg == scratchdir {
			return ErrInvalidKey
		}
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
