// Package record reads the records which get archived. A record is the
// current state of one logical package: an ordered list of data files and a
// set of metadata documents, plus who asked for it to be archived.
package record

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Source gives the archiver the record for a package id.
type Source interface {
	// Record returns the current state of the record pid, or ErrNotFound.
	Record(ctx context.Context, pid string) (*Record, error)
}

// ErrNotFound means there is no record with the given id.
var ErrNotFound = errors.New("record not found")

// Record is the current state of a record.
type Record struct {
	PackageID string
	UserID    string
	Agent     map[string]string
	Files     []File     // sorted by path
	Metadata  []Metadata // sorted by type
}

// File is one data file of a record.
type File struct {
	Path     string // relative to the record, slash separated
	Size     int64  // -1 if unknown
	FileUUID string
	Open     func() (io.ReadCloser, error)
}

// Metadata is one metadata document. Type is the metadata type id, e.g.
// "marcxml", and Format the file extension it is stored with.
type Metadata struct {
	Type    string
	Format  string
	Content []byte
}

// FileName returns the name the document is stored under.
func (m Metadata) FileName() string {
	if m.Format == "" {
		return m.Type
	}
	return m.Type + "." + m.Format
}

// HasMetadata reports whether the record has a document of type typ.
func (r *Record) HasMetadata(typ string) bool {
	for _, m := range r.Metadata {
		if m.Type == typ {
			return true
		}
	}
	return false
}
