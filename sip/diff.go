package sip

import (
	"sort"

	"github.com/pkg/errors"
)

// Mode selects how a snapshot is compared with its predecessor.
type Mode int

const (
	// ModeHistory writes only new and changed entries. Unchanged entries
	// become fetch references to the previous bag.
	ModeHistory Mode = iota

	// ModeIncludeAll ignores history and writes every entry, producing a
	// self contained bag.
	ModeIncludeAll

	// ModeCarryRemoved is ModeHistory, and in addition entries removed
	// since the previous snapshot are carried into the new bag as fetch
	// references.
	ModeCarryRemoved
)

var modeNames = []string{"history", "include-all", "carry-removed"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// ParseMode is the inverse of Mode.String. The empty string is ModeHistory.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeHistory, nil
	}
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return ModeHistory, errors.Errorf("unknown diff mode %q", s)
}

// DiffResult classifies the entries of a snapshot against the previously
// archived one. Every entry of the new snapshot, other than bag tag files,
// appears in exactly one of New, Changed, and Unchanged. The lists hold bag
// relative paths in sorted order.
type DiffResult struct {
	Mode      Mode
	Base      string // id of the snapshot compared against, empty if none
	New       []string
	Changed   []string
	Unchanged []string
	Removed   []string
	Carried   []Entry // removed entries kept as fetch references

	// Rewritten lists the entries of New which carry inline content
	// identical to the base. They are written again but are not changes.
	Rewritten []string `json:",omitempty"`
}

// HasChanges is true if anything differs from the base snapshot. A result
// made without a base always has changes.
func (d *DiffResult) HasChanges() bool {
	return d.Base == "" || d.Mode == ModeIncludeAll ||
		len(d.New) > len(d.Rewritten) || len(d.Changed) > 0 || len(d.Removed) > 0
}

// Written returns the paths whose bytes go into the new bag, sorted.
func (d *DiffResult) Written() []string {
	result := make([]string, 0, len(d.New)+len(d.Changed))
	result = append(result, d.New...)
	result = append(result, d.Changed...)
	sort.Strings(result)
	return result
}

// Diff classifies the entries of next against prev and returns the result.
// Unchanged entries of next are updated in place: they are marked fetched
// and their FullPath is set to the location of the bytes in the previous
// bag. Entries with inline content are always written, so they are never
// Unchanged. Bag tag files do not take part. next must not be archived.
//
// earlier holds older snapshots of the lineage than prev. An entry whose
// path is missing from prev but appears in one of them existed before, so
// it is Changed rather than New.
func Diff(next, prev *Snapshot, mode Mode, earlier ...*Snapshot) (*DiffResult, error) {
	if next.Archived {
		return nil, NewError(KindAlreadyArchived, "", errors.New("cannot diff an archived snapshot"))
	}
	if err := CheckDuplicates(next.Entries()); err != nil {
		return nil, err
	}
	result := &DiffResult{Mode: mode}
	if prev == nil || mode == ModeIncludeAll {
		if prev != nil {
			result.Base = prev.ID
		}
		forEach(next, func(e *Entry) {
			e.Fetched = false
			result.New = append(result.New, e.FilePath)
		})
		sort.Strings(result.New)
		return result, nil
	}
	if prev.PackageID != next.PackageID {
		return nil, Errorf(KindMalformed, "", "snapshot %s belongs to package %s, not %s", prev.ID, prev.PackageID, next.PackageID)
	}
	result.Base = prev.ID

	before := make(map[string]bool)
	for _, s := range earlier {
		for _, e := range s.Entries() {
			if !e.IsTagFile() {
				before[e.FilePath] = true
			}
		}
	}
	old := make(map[string]Entry)
	for _, e := range prev.Entries() {
		if !e.IsTagFile() {
			old[e.FilePath] = e
		}
	}
	forEach(next, func(e *Entry) {
		p, ok := old[e.FilePath]
		delete(old, e.FilePath)
		switch {
		case !ok && before[e.FilePath]:
			e.Fetched = false
			result.Changed = append(result.Changed, e.FilePath)
		case !ok:
			e.Fetched = false
			result.New = append(result.New, e.FilePath)
		case p.Checksum != e.Checksum || p.Size != e.Size:
			e.Fetched = false
			result.Changed = append(result.Changed, e.FilePath)
		case e.HasContent():
			// inline documents are always materialized
			e.Fetched = false
			result.New = append(result.New, e.FilePath)
			result.Rewritten = append(result.Rewritten, e.FilePath)
		default:
			e.Fetched = true
			e.FullPath = p.FullPath
			result.Unchanged = append(result.Unchanged, e.FilePath)
		}
	})
	for path, e := range old {
		result.Removed = append(result.Removed, path)
		if mode == ModeCarryRemoved {
			e.Fetched = true
			e.Content = ""
			result.Carried = append(result.Carried, e)
		}
	}
	sort.Strings(result.New)
	sort.Strings(result.Changed)
	sort.Strings(result.Unchanged)
	sort.Strings(result.Removed)
	sort.Strings(result.Rewritten)
	sort.Slice(result.Carried, func(i, j int) bool {
		return result.Carried[i].FilePath < result.Carried[j].FilePath
	})
	return result, nil
}

// forEach calls fn on every non tag entry of s.
func forEach(s *Snapshot, fn func(e *Entry)) {
	for i := range s.Files {
		fn(&s.Files[i])
	}
	for i := range s.Metadata {
		if !s.Metadata[i].IsTagFile() {
			fn(&s.Metadata[i])
		}
	}
}
