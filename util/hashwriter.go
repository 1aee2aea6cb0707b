package util

import (
	"bytes"
	"context"
	"crypto/md5"
	"hash"
	"io"
)

// ChunkSize is the size of the buffer used when streaming content through
// a HashWriter. Files are never held in memory as a whole.
const ChunkSize = 32 * 1024

// VerifyStreamHash checksums the given io.Reader and compares the checksum
// against the provided md5 checksum. It returns true if everything
// matches, and false otherwise. An empty goal is treated as matching.
// The reader is not closed when finished.
func VerifyStreamHash(ctx context.Context, r io.Reader, md5 []byte) (bool, error) {
	if len(md5) == 0 {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := CopyContext(ctx, hw, r)
	_, ok := hw.CheckMD5(md5)
	return ok, err
}

// An HashWriter wraps an io.Writer and also calculates the MD5 hash and
// the number of bytes written.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	n         int64
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5: md5.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5)
	return hw
}

// NewHashWriterPlain return a HashWriter that does not wrap an output stream.
// It will just compute the checksum of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		md5: md5.New(),
	}
	hw.Writer = hw.md5
	return hw
}

func (hw *HashWriter) Write(p []byte) (int, error) {
	n, err := hw.Writer.Write(p)
	hw.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (hw *HashWriter) Size() int64 {
	return hw.n
}

// CheckMD5 returns the MD5 hash for this writer, and compares it for equality
// with the goal hash passed in. Returns true if goal matches the MD5 hash,
// false otherwise. If the goal is empty then it is treated as matching, and
// true is returned.
func (hw *HashWriter) CheckMD5(goal []byte) ([]byte, bool) {
	computed := hw.md5.Sum(nil)
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// CopyContext copies src into dst in ChunkSize pieces. It stops with the
// context's error if ctx is done between two chunks.
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
