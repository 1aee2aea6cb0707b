// Package sip holds the data model for archival packages: logical packages,
// their snapshots (Submission Information Packages), and the file and
// metadata entries making up a snapshot. It also contains the two pure
// stages of an archival attempt: building checksummed entries from byte
// sources, and diffing a snapshot against the previously archived one.
//
// A Package is one archival lineage, keyed by the persistent identifier of
// a record. Each time the record is archived a new Snapshot is made. The
// snapshots of a package form a singly linked history through their
// Previous field, and once a snapshot is archived its entries never change.
package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Package identifies one archival lineage.
type Package struct {
	ID      string
	Created time.Time

	// the most recent archived snapshot, empty if none. The pointer only
	// moves forward in time; Version counts the advances and is used for
	// compare-and-set updates.
	LatestArchived string
	LatestCreated  time.Time
	Version        int
}

// State is the place a snapshot is at in the archival state machine.
type State int

// The archival states. An attempt moves forward through
// PENDING -> BUILDING -> WRITING -> COMMITTED, and may fail out of
// BUILDING or WRITING.
const (
	StatePending State = iota
	StateBuilding
	StateWriting
	StateCommitted
	StateFailed
)

var stateNames = []string{"PENDING", "BUILDING", "WRITING", "COMMITTED", "FAILED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal is true for COMMITTED and FAILED.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// MarshalText writes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText reads a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// MetadataBagit is the metadata id given to the bag's own tag files when
// they are attached to a snapshot.
const MetadataBagit = "bagit"

// Entry describes one file in a snapshot. File entries and metadata entries
// share this shape; metadata entries have a MetadataID.
type Entry struct {
	FilePath    string `json:"filepath"` // relative to the bag root
	FullPath    string `json:"fullpath"` // where the bytes are in the archive
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"` // "md5:" + hex
	FileUUID    string `json:"file_uuid,omitempty"`
	MetadataID  string `json:"metadata_id,omitempty"`
	SIPFilePath string `json:"sipfilepath,omitempty"` // path on the record side
	FileName    string `json:"filename,omitempty"`
	Content     string `json:"content,omitempty"` // inline text for small documents
	Fetched     bool   `json:"fetched,omitempty"`
}

// IsMetadata is true for metadata entries.
func (e Entry) IsMetadata() bool {
	return e.MetadataID != ""
}

// IsTagFile is true for entries holding the bag's own tag files.
func (e Entry) IsTagFile() bool {
	return e.MetadataID == MetadataBagit
}

// HasContent is true when the entry's bytes are carried inline.
func (e Entry) HasContent() bool {
	return e.Content != "" || (e.Size == 0 && e.IsMetadata() && !e.Fetched)
}

// MD5 returns the raw md5 digest of the entry.
func (e Entry) MD5() ([]byte, error) {
	return ParseChecksum(e.Checksum)
}

// Snapshot is one immutable point-in-time capture of a record: a SIP.
type Snapshot struct {
	ID         string
	PackageID  string
	Created    time.Time
	UserID     string
	Agent      map[string]string
	Archived   bool
	ArchivedAt time.Time
	State      State
	Files      []Entry
	Metadata   []Entry
	Previous   string // id of the snapshot this one was diffed against
	BagRoot    string // store key prefix of the bag, ending in "/"
	Diff       *DiffResult

	// bookkeeping for retries
	Attempts  int
	LastError string
	Retryable bool
}

// NewSnapshot makes a new PENDING snapshot for the package pkgID. If prev is
// not nil it must belong to the same package and have been created strictly
// before created.
func NewSnapshot(id, pkgID string, created time.Time, prev *Snapshot) (*Snapshot, error) {
	s := &Snapshot{
		ID:        id,
		PackageID: pkgID,
		Created:   created,
		State:     StatePending,
		BagRoot:   BagRoot(id),
	}
	if prev == nil {
		return s, nil
	}
	if prev.PackageID != pkgID {
		return nil, errors.Errorf("previous snapshot %s belongs to package %s, not %s", prev.ID, prev.PackageID, pkgID)
	}
	if prev.ID == id {
		return nil, errors.Errorf("snapshot %s cannot follow itself", id)
	}
	if !prev.Created.Before(created) {
		return nil, errors.Errorf("previous snapshot %s was created at %s, not before %s",
			prev.ID, prev.Created.Format(time.RFC3339Nano), created.Format(time.RFC3339Nano))
	}
	s.Previous = prev.ID
	return s, nil
}

// Entries returns the files followed by the metadata.
func (s *Snapshot) Entries() []Entry {
	result := make([]Entry, 0, len(s.Files)+len(s.Metadata))
	result = append(result, s.Files...)
	return append(result, s.Metadata...)
}

// SetEntries splits entries into the Files and Metadata lists, keeping
// their order. It refuses to change an archived snapshot.
func (s *Snapshot) SetEntries(entries []Entry) error {
	if s.Archived {
		return errors.Errorf("snapshot %s is archived", s.ID)
	}
	s.Files = nil
	s.Metadata = nil
	for _, e := range entries {
		if e.IsMetadata() {
			s.Metadata = append(s.Metadata, e)
		} else {
			s.Files = append(s.Files, e)
		}
	}
	return nil
}

// Lookup returns a pointer to the entry with the given bag relative path.
func (s *Snapshot) Lookup(filepath string) *Entry {
	for i := range s.Files {
		if s.Files[i].FilePath == filepath {
			return &s.Files[i]
		}
	}
	for i := range s.Metadata {
		if s.Metadata[i].FilePath == filepath {
			return &s.Metadata[i]
		}
	}
	return nil
}

// BagRoot returns the archive location of the bag for a snapshot id. The
// id is split into directories "ab/cd/<id>/" so no single directory
// collects too many bags.
func BagRoot(id string) string {
	clean := strings.Replace(id, "-", "", -1)
	if len(clean) < 4 {
		return id + "/"
	}
	return path.Join(clean[0:2], clean[2:4], id) + "/"
}

// ChecksumPrefix tags an md5 digest in Entry.Checksum.
const ChecksumPrefix = "md5:"

// FormatChecksum renders a raw md5 digest as "md5:<hex>".
func FormatChecksum(sum []byte) string {
	return ChecksumPrefix + hex.EncodeToString(sum)
}

// ParseChecksum returns the raw digest of a "md5:<hex>" string.
func ParseChecksum(s string) ([]byte, error) {
	if !strings.HasPrefix(s, ChecksumPrefix) {
		return nil, errors.Errorf("unsupported checksum %q", s)
	}
	b, err := hex.DecodeString(s[len(ChecksumPrefix):])
	if err != nil || len(b) != md5.Size {
		return nil, errors.Errorf("malformed checksum %q", s)
	}
	return b, nil
}

// ChecksumHex returns the hex digits of a "md5:<hex>" checksum.
func ChecksumHex(s string) string {
	return strings.TrimPrefix(s, ChecksumPrefix)
}

// ContentChecksum computes the checksum of an inline document.
func ContentChecksum(content []byte) string {
	sum := md5.Sum(content)
	return FormatChecksum(sum[:])
}

// Lineage walks the previous pointers starting at id, using get to load
// snapshots, and returns the snapshots visited, newest first. A chain which
// mixes packages, whose creation times do not strictly decrease, or which
// has a cycle gives a KindMalformed error. Errors from get are returned as
// they are.
func Lineage(id string, get func(id string) (*Snapshot, error)) ([]*Snapshot, error) {
	var result []*Snapshot
	seen := make(map[string]bool)
	var last *Snapshot
	for id != "" {
		if seen[id] {
			return result, Errorf(KindMalformed, "", "snapshot chain has a cycle at %s", id)
		}
		seen[id] = true
		s, err := get(id)
		if err != nil {
			return result, err
		}
		if last != nil {
			if s.PackageID != last.PackageID {
				return result, Errorf(KindMalformed, "", "snapshot %s belongs to package %s, not %s", s.ID, s.PackageID, last.PackageID)
			}
			if !s.Created.Before(last.Created) {
				return result, Errorf(KindMalformed, "", "snapshot %s is not older than %s", s.ID, last.ID)
			}
		}
		result = append(result, s)
		last = s
		id = s.Previous
	}
	return result, nil
}
