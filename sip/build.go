package sip

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/ndlib/sipstore/util"
)

// MaxPathLength is the longest bag relative path accepted, in bytes.
const MaxPathLength = 1024

// A Source is one input to the Builder: a bag relative path and a way to
// read its bytes. Either Content is set, for small inline documents, or
// Open is.
type Source struct {
	Path        string // bag relative, e.g. "data/files/a.txt"
	Open        func() (io.ReadCloser, error)
	Size        int64 // declared size, or -1 if unknown
	Content     []byte
	FileUUID    string
	MetadataID  string
	SIPFilePath string
	FileName    string
}

// Builder computes checksummed entries for a list of sources.
type Builder struct {
	// Workers is the number of sources checksummed at the same time.
	// Values less than 1 mean 1.
	Workers int
}

// Build streams every source through md5 and returns one Entry per source,
// in the same order. Paths are validated and checked for duplicates before
// any bytes are read. Cancelling ctx stops the work with a KindTimedOut
// error.
func (b Builder) Build(ctx context.Context, sources []Source) ([]Entry, error) {
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if err := ValidatePath(src.Path); err != nil {
			return nil, err
		}
		if seen[src.Path] {
			return nil, Errorf(KindDuplicatePath, src.Path, "appears more than once")
		}
		seen[src.Path] = true
		if src.Content == nil && src.Open == nil {
			return nil, Errorf(KindMalformed, src.Path, "source has no content")
		}
	}

	result := make([]Entry, len(sources))
	errs := make([]error, len(sources))
	workers := b.Workers
	if workers < 1 {
		workers = 1
	}
	gate := util.NewGate(workers)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for i := range sources {
		if err := gate.EnterContext(ctx); err != nil {
			errs[i] = NewError(KindTimedOut, sources[i].Path, err)
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer gate.Leave()
			result[i], errs[i] = buildEntry(ctx, sources[i])
			if errs[i] != nil {
				// no point in doing the rest
				cancel()
			}
		}(i)
	}
	wg.Wait()
	// report the first real error, not one caused by our own cancel
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if KindOf(err) != KindTimedOut {
			return nil, err
		}
	}
	if first != nil {
		return nil, asTimeout(first)
	}
	return result, nil
}

func buildEntry(ctx context.Context, src Source) (Entry, error) {
	e := Entry{
		FilePath:    src.Path,
		FileUUID:    src.FileUUID,
		MetadataID:  src.MetadataID,
		SIPFilePath: src.SIPFilePath,
		FileName:    src.FileName,
	}
	if src.Content != nil {
		e.Content = string(src.Content)
		e.Size = int64(len(src.Content))
		e.Checksum = ContentChecksum(src.Content)
		return e, nil
	}
	r, err := src.Open()
	if err != nil {
		return e, NewError(KindIO, src.Path, err)
	}
	defer r.Close()
	hw := util.NewHashWriterPlain()
	_, err = util.CopyContext(ctx, hw, r)
	if err != nil {
		if ctx.Err() != nil {
			return e, NewError(KindTimedOut, src.Path, ctx.Err())
		}
		return e, NewError(KindIO, src.Path, err)
	}
	if src.Size >= 0 && hw.Size() != src.Size {
		return e, Errorf(KindIO, src.Path, "read %d bytes, expected %d", hw.Size(), src.Size)
	}
	sum, _ := hw.CheckMD5(nil)
	e.Size = hw.Size()
	e.Checksum = FormatChecksum(sum)
	return e, nil
}

func asTimeout(err error) error {
	if KindOf(err) == KindTimedOut {
		return err
	}
	return NewError(KindTimedOut, "", err)
}

// ValidatePath makes sure p is a clean relative slash separated path which
// stays inside the bag and is not too long.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return Errorf(KindMalformed, p, "empty path")
	case len(p) > MaxPathLength:
		return Errorf(KindMalformed, p[:32]+"...", "path is %d bytes long, limit %d", len(p), MaxPathLength)
	case strings.HasPrefix(p, "/"):
		return Errorf(KindMalformed, p, "path is absolute")
	case path.Clean(p) != p:
		return Errorf(KindMalformed, p, "path is not clean")
	case p == ".." || strings.HasPrefix(p, "../"):
		return Errorf(KindMalformed, p, "path leaves the bag")
	case strings.ContainsAny(p, "\x00"):
		return Errorf(KindMalformed, p, "path contains a NUL byte")
	}
	return nil
}

// ContentSource makes a Source for an inline document.
func ContentSource(p, metadataID string, content []byte) Source {
	if content == nil {
		content = []byte{}
	}
	return Source{Path: p, MetadataID: metadataID, Content: content, Size: int64(len(content))}
}

// ReaderSource makes a Source reading from an in-memory byte slice through
// Open, as if it were a file. It is mainly useful in tests.
func ReaderSource(p string, data []byte) Source {
	return Source{
		Path: p,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// CheckDuplicates returns a KindDuplicatePath error if two entries share a
// bag relative path.
func CheckDuplicates(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.FilePath] {
			return Errorf(KindDuplicatePath, e.FilePath, "appears more than once")
		}
		seen[e.FilePath] = true
	}
	return nil
}
