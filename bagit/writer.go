package bagit

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ndlib/sipstore/sip"
)

// Options adjusts the tags written into bag-info.txt.
type Options struct {
	// Agent is the value of Bag-Software-Agent, e.g. "sipstore/1.0".
	Agent string

	// Tags are extra bag-info tags. Generated tags win over these.
	Tags map[string]string
}

// A Bag is the serialized form of one snapshot.
type Bag struct {
	Root     string      // the bag root, as a store key prefix
	Payload  []sip.Entry // entries written into the bag, sorted by path
	Fetched  []sip.Entry // entries referenced from earlier bags, sorted by path
	TagFiles []sip.Entry // generated tag files with inline content, sorted by path
	Tags     map[string]string
}

// Serialize renders snapshot s and its diff result d into a bag. Every
// entry of s other than bag tag files must be classified by d. New and
// changed entries go into the payload manifest, unchanged and carried
// entries into the fetch file. Nothing is written anywhere; the tag files
// are returned as entries with inline content and metadata id "bagit".
func Serialize(s *sip.Snapshot, d *sip.DiffResult, opts Options) (*Bag, error) {
	if d == nil {
		return nil, sip.Errorf(sip.KindMalformed, "", "snapshot %s has no diff result", s.ID)
	}
	written := make(map[string]bool)
	for _, p := range d.New {
		written[p] = true
	}
	for _, p := range d.Changed {
		written[p] = true
	}
	unchanged := make(map[string]bool)
	for _, p := range d.Unchanged {
		unchanged[p] = true
	}

	b := &Bag{Root: s.BagRoot}
	seen := make(map[string]bool)
	for _, e := range s.Entries() {
		if e.IsTagFile() {
			continue
		}
		if seen[e.FilePath] {
			return nil, sip.Errorf(sip.KindDuplicatePath, e.FilePath, "appears more than once")
		}
		seen[e.FilePath] = true
		switch {
		case written[e.FilePath]:
			b.Payload = append(b.Payload, e)
		case unchanged[e.FilePath]:
			if !e.Fetched || e.FullPath == "" {
				return nil, sip.Errorf(sip.KindMalformed, e.FilePath, "unchanged entry has no fetch location")
			}
			b.Fetched = append(b.Fetched, e)
		default:
			return nil, sip.Errorf(sip.KindMalformed, e.FilePath, "entry was not classified")
		}
	}
	for _, e := range d.Carried {
		if seen[e.FilePath] {
			return nil, sip.Errorf(sip.KindDuplicatePath, e.FilePath, "carried entry is also present")
		}
		seen[e.FilePath] = true
		b.Fetched = append(b.Fetched, e)
	}
	sortEntries(b.Payload)
	sortEntries(b.Fetched)

	// the files, in the order they go into the tag manifest
	var files []sip.Entry
	files = append(files, tagEntry(BagitFile, bagitTxt()))
	b.Tags = bagInfo(s, b, opts)
	files = append(files, tagEntry(BagInfoFile, formatTags(b.Tags)))
	if len(b.Fetched) > 0 {
		files = append(files, tagEntry(FetchFile, fetchTxt(b.Fetched)))
	}
	files = append(files, tagEntry(ManifestFile, manifestTxt(b.Payload)))
	sortEntries(files)
	files = append(files, tagEntry(TagManifestFile, tagManifestTxt(files)))
	sortEntries(files)
	b.TagFiles = files
	return b, nil
}

// Entries returns everything in the bag that must be written to the store:
// the payload followed by the tag files.
func (b *Bag) Entries() []sip.Entry {
	result := make([]sip.Entry, 0, len(b.Payload)+len(b.TagFiles))
	result = append(result, b.Payload...)
	return append(result, b.TagFiles...)
}

// tagFile returns the content of the named tag file, if present.
func (b *Bag) tagFile(name string) (string, bool) {
	for _, e := range b.TagFiles {
		if e.FilePath == name {
			return e.Content, true
		}
	}
	return "", false
}

// FullManifest lists every payload entry of s, written into its bag or
// fetched from an earlier one, in the manifest-md5.txt format. It is the
// complete inventory of the snapshot, and is what two snapshots are
// compared by. A nil snapshot has an empty manifest.
func FullManifest(s *sip.Snapshot) string {
	if s == nil {
		return ""
	}
	var list []sip.Entry
	for _, e := range s.Entries() {
		if !e.IsTagFile() {
			list = append(list, e)
		}
	}
	sortEntries(list)
	return string(manifestTxt(list))
}

func sortEntries(list []sip.Entry) {
	sort.Slice(list, func(i, j int) bool { return list[i].FilePath < list[j].FilePath })
}

func tagEntry(name string, content []byte) sip.Entry {
	return sip.Entry{
		FilePath:   name,
		MetadataID: sip.MetadataBagit,
		Size:       int64(len(content)),
		Checksum:   sip.ContentChecksum(content),
		Content:    string(content),
	}
}

func bagitTxt() []byte {
	return []byte("BagIt-Version: " + Version + "\nTag-File-Character-Encoding: UTF-8\n")
}

func bagInfo(s *sip.Snapshot, b *Bag, opts Options) map[string]string {
	tags := make(map[string]string)
	for k, v := range opts.Tags {
		tags[k] = v
	}
	var total int64
	for _, e := range b.Payload {
		total += e.Size
	}
	for _, e := range b.Fetched {
		total += e.Size
	}
	count := len(b.Payload) + len(b.Fetched)
	tags["Payload-Oxum"] = fmt.Sprintf("%d.%d", total, count)
	tags["Bag-Size"] = humansize(total)
	tags["Bagging-Date"] = s.Created.UTC().Format("2006-01-02")
	tags["External-Identifier"] = s.PackageID
	tags["Internal-Sender-Identifier"] = s.ID
	if opts.Agent != "" {
		tags["Bag-Software-Agent"] = opts.Agent
	}
	return tags
}

// formatTags writes tags sorted by name. Values spanning lines are written
// with continuation lines.
func formatTags(tags map[string]string) []byte {
	var names []string
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, k := range names {
		v := strings.Replace(tags[k], "\r", "", -1)
		v = strings.Replace(v, "\n", "\n  ", -1)
		fmt.Fprintf(&buf, "%s: %s\n", k, v)
	}
	return buf.Bytes()
}

func manifestTxt(list []sip.Entry) []byte {
	var buf bytes.Buffer
	for _, e := range list {
		// The 2 spaces is to be identical to the GNU md5sum output.
		fmt.Fprintf(&buf, "%s  %s\n", sip.ChecksumHex(e.Checksum), encodePath(e.FilePath))
	}
	return buf.Bytes()
}

func fetchTxt(list []sip.Entry) []byte {
	var buf bytes.Buffer
	for _, e := range list {
		fmt.Fprintf(&buf, "%s %d %s\n", encodeURL(e.FullPath), e.Size, encodePath(e.FilePath))
	}
	return buf.Bytes()
}

func tagManifestTxt(files []sip.Entry) []byte {
	return manifestTxt(files)
}

// Metric constants for humansize. Lowercased so as to be unexported.
const (
	kb int64 = 1000
	mb       = 1000 * kb
	gb       = 1000 * mb
	tb       = 1000 * gb
)

func humansize(size int64) string {
	var units string
	switch {
	case size < kb:
		units = "Bytes"
	case size < mb:
		size /= kb
		units = "KB"
	case size < gb:
		size /= mb
		units = "MB"
	case size < tb:
		size /= gb
		units = "GB"
	default:
		size /= tb
		units = "TB"
	}
	return fmt.Sprintf("%d %s", size, units)
}
