package bagit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/store"
	"github.com/ndlib/sipstore/util"
)

// ParseManifest reads a manifest file. Each line is a hex checksum, white
// space, and a path. Blank lines are skipped. The final newline is optional.
func ParseManifest(r io.Reader) ([]ManifestLine, error) {
	var result []ManifestLine
	err := eachLine(r, func(n int, line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return errors.Errorf("manifest line %d: missing path", n)
		}
		sum, err := hex.DecodeString(fields[0])
		if err != nil {
			return errors.Wrapf(err, "manifest line %d", n)
		}
		// the path begins after any run of spaces (md5sum uses two)
		p := strings.TrimLeft(fields[1], " \t")
		if p == "" {
			return errors.Errorf("manifest line %d: missing path", n)
		}
		result = append(result, ManifestLine{MD5: sum, Path: decodePath(p)})
		return nil
	})
	return result, err
}

// ParseFetch reads a fetch file. Each line is "<url> <size> <path>". A size
// of "-" is read as -1.
func ParseFetch(r io.Reader) ([]FetchLine, error) {
	var result []FetchLine
	err := eachLine(r, func(n int, line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 || fields[2] == "" {
			return errors.Errorf("fetch line %d: expected url, size and path", n)
		}
		var size int64 = -1
		if fields[1] != "-" {
			var err error
			size, err = strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "fetch line %d", n)
			}
		}
		result = append(result, FetchLine{
			URL:  decodeURL(fields[0]),
			Size: size,
			Path: decodePath(fields[2]),
		})
		return nil
	})
	return result, err
}

// ParseTags reads a tag file such as bag-info.txt. A line beginning with
// white space continues the value of the previous tag. Otherwise a line is
// split on its first colon, and lines without a colon are skipped. Repeated
// tags keep the last value.
func ParseTags(r io.Reader) (map[string]string, error) {
	tags := make(map[string]string)
	var last string
	err := eachLine(r, func(n int, line string) error {
		if line == "" {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last != "" {
				tags[last] = strings.TrimSpace(tags[last] + " " + strings.TrimSpace(line))
			}
			return nil
		}
		i := strings.Index(line, ":")
		if i == -1 {
			return nil
		}
		last = strings.TrimSpace(line[:i])
		tags[last] = strings.TrimSpace(line[i+1:])
		return nil
	})
	return tags, err
}

func eachLine(r io.Reader, fn func(n int, line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if err := fn(n, strings.TrimSuffix(scanner.Text(), "\r")); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Reader gives access to a bag stored in a store.
type Reader struct {
	s        store.ROStore
	root     string
	tags     map[string]string
	manifest []ManifestLine
	fetch    []FetchLine
	tagman   []ManifestLine
}

// Open reads the tag files of the bag rooted at the key prefix root. The
// checksums are not checked. Call Verify() to verify them.
func Open(s store.ROStore, root string) (*Reader, error) {
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	r := &Reader{s: s, root: root, tags: make(map[string]string)}
	data, err := store.ReadAll(s, root+BagitFile)
	if err != nil {
		return nil, errors.Wrapf(err, "bag %s", root)
	}
	if r.tags, err = ParseTags(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrapf(err, "bag %s: %s", root, BagitFile)
	}
	if r.tags["BagIt-Version"] == "" {
		return nil, errors.Errorf("bag %s: %s has no BagIt-Version", root, BagitFile)
	}
	if data, err = store.ReadAll(s, root+BagInfoFile); err == nil {
		info, err := ParseTags(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "bag %s: %s", root, BagInfoFile)
		}
		for k, v := range info {
			r.tags[k] = v
		}
	}
	data, err = store.ReadAll(s, root+ManifestFile)
	if err != nil {
		return nil, errors.Wrapf(err, "bag %s", root)
	}
	if r.manifest, err = ParseManifest(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrapf(err, "bag %s: %s", root, ManifestFile)
	}
	if data, err = store.ReadAll(s, root+FetchFile); err == nil {
		if r.fetch, err = ParseFetch(bytes.NewReader(data)); err != nil {
			return nil, errors.Wrapf(err, "bag %s: %s", root, FetchFile)
		}
	}
	if data, err = store.ReadAll(s, root+TagManifestFile); err == nil {
		if r.tagman, err = ParseManifest(bytes.NewReader(data)); err != nil {
			return nil, errors.Wrapf(err, "bag %s: %s", root, TagManifestFile)
		}
	}
	return r, nil
}

// Tags returns the tags from bagit.txt and bag-info.txt.
func (r *Reader) Tags() map[string]string {
	return r.tags
}

// Manifest returns the payload manifest lines.
func (r *Reader) Manifest() []ManifestLine {
	return r.manifest
}

// Fetch returns the fetch file lines, if any.
func (r *Reader) Fetch() []FetchLine {
	return r.fetch
}

// Files returns the paths of all the payload, written and fetched, sorted.
func (r *Reader) Files() []string {
	var result []string
	for _, m := range r.manifest {
		result = append(result, m.Path)
	}
	for _, f := range r.fetch {
		result = append(result, f.Path)
	}
	sort.Strings(result)
	return result
}

// VerifyError lists everything wrong with a bag.
type VerifyError struct {
	Root     string
	Problems []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("bag %s failed verification: %s", e.Root, strings.Join(e.Problems, "; "))
}

// Verify re-computes the checksum of every file listed in the payload and
// tag manifests and compares it with the listed one. It also checks that no
// payload file is present in the bag without being in the manifest, and
// that fetched items kept in the same store exist with the declared size.
// Problems with the bag are reported in a *VerifyError.
func (r *Reader) Verify(ctx context.Context) error {
	var problems []string
	check := func(lines []ManifestLine) error {
		for _, m := range lines {
			ok, err := r.verifyOne(ctx, r.root+m.Path, m.MD5)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %s", m.Path, err))
			} else if !ok {
				problems = append(problems, fmt.Sprintf("%s: checksum mismatch", m.Path))
			}
		}
		return nil
	}
	if err := check(r.manifest); err != nil {
		return err
	}
	if err := check(r.tagman); err != nil {
		return err
	}
	listed := make(map[string]bool)
	for _, m := range r.manifest {
		listed[m.Path] = true
	}
	keys, err := r.s.ListPrefix(r.root + "data/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		p := strings.TrimPrefix(k, r.root)
		if !listed[p] {
			problems = append(problems, fmt.Sprintf("%s: not in manifest", p))
		}
	}
	for _, f := range r.fetch {
		key, ok := r.s.KeyOf(f.URL)
		if !ok {
			continue
		}
		size, err := r.s.Stat(key)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: fetch %s: %s", f.Path, f.URL, err))
		} else if f.Size >= 0 && size != f.Size {
			problems = append(problems, fmt.Sprintf("%s: fetch %s: size %d, expected %d", f.Path, f.URL, size, f.Size))
		}
	}
	if len(problems) > 0 {
		return &VerifyError{Root: r.root, Problems: problems}
	}
	return nil
}

func (r *Reader) verifyOne(ctx context.Context, key string, sum []byte) (bool, error) {
	rac, _, err := r.s.Open(key)
	if err != nil {
		return false, err
	}
	defer rac.Close()
	return util.VerifyStreamHash(ctx, store.NewReader(rac), sum)
}
