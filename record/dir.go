package record

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/sip"
)

// Dir reads records from a directory tree. Each record is a directory
// named by its package id:
//
//	<root>/<pid>/files/...                  data files, any depth
//	<root>/<pid>/metadata/<type>.<format>   metadata documents
//	<root>/<pid>/agent.json                 optional, {"user_id": "...", "agent": {...}}
//
// Metadata documents in json format must hold a JSON object.
type Dir struct {
	Root string
}

var _ Source = &Dir{}

const (
	filesDir    = "files"
	metadataDir = "metadata"
	agentFile   = "agent.json"
)

// NewDir returns a Source reading records under root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

// Record reads the record pid from disk. Files are not opened until the
// File.Open function is called.
func (d *Dir) Record(ctx context.Context, pid string) (*Record, error) {
	if !validPID(pid) {
		return nil, sip.Errorf(sip.KindMalformed, pid, "invalid package id")
	}
	base := filepath.Join(d.Root, pid)
	fi, err := os.Stat(base)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, sip.NewError(sip.KindIO, base, err)
	}
	if !fi.IsDir() {
		return nil, ErrNotFound
	}
	result := &Record{PackageID: pid}
	if err := d.readAgent(base, result); err != nil {
		return nil, err
	}
	if err := d.readFiles(ctx, pid, filepath.Join(base, filesDir), result); err != nil {
		return nil, err
	}
	if err := d.readMetadata(filepath.Join(base, metadataDir), result); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns the package ids of every record under the root, sorted.
func (d *Dir) List() ([]string, error) {
	entries, err := ioutil.ReadDir(d.Root)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, e := range entries {
		if e.IsDir() && validPID(e.Name()) {
			result = append(result, e.Name())
		}
	}
	sort.Strings(result)
	return result, nil
}

func validPID(pid string) bool {
	return pid != "" && pid != "." && pid != ".." &&
		!strings.ContainsAny(pid, `/\`) && !strings.HasPrefix(pid, ".")
}

func (d *Dir) readAgent(base string, r *Record) error {
	data, err := ioutil.ReadFile(filepath.Join(base, agentFile))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return sip.NewError(sip.KindIO, agentFile, err)
	}
	obj, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return sip.NewError(sip.KindMalformed, agentFile, err)
	}
	r.UserID, _ = obj.GetString("user_id")
	agent, err := obj.GetObject("agent")
	if err != nil {
		return nil
	}
	r.Agent = make(map[string]string)
	for k, v := range agent.Map() {
		if s, err := v.String(); err == nil {
			r.Agent[k] = s
		}
	}
	return nil
}

func (d *Dir) readFiles(ctx context.Context, pid, root string, r *Record) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	// filepath.Walk visits in lexical order, so the list comes out sorted
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		r.Files = append(r.Files, File{
			Path:     rel,
			Size:     info.Size(),
			FileUUID: uuid.NewSHA1(uuid.NameSpaceURL, []byte("record:"+pid+"/"+rel)).String(),
			Open:     opener(p),
		})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return sip.NewError(sip.KindTimedOut, pid, ctx.Err())
		}
		return sip.NewError(sip.KindIO, root, err)
	}
	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].Path < r.Files[j].Path })
	return nil
}

func opener(p string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return os.Open(p)
	}
}

func (d *Dir) readMetadata(root string, r *Record) error {
	entries, err := ioutil.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return sip.NewError(sip.KindIO, root, err)
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if !e.Mode().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		m := Metadata{Type: strings.TrimSuffix(name, ext), Format: strings.TrimPrefix(ext, ".")}
		if seen[m.Type] {
			return sip.Errorf(sip.KindDuplicatePath, name, "more than one document of type %s", m.Type)
		}
		seen[m.Type] = true
		m.Content, err = ioutil.ReadFile(filepath.Join(root, name))
		if err != nil {
			return sip.NewError(sip.KindIO, name, err)
		}
		if m.Format == "json" {
			if _, err := jason.NewObjectFromBytes(m.Content); err != nil {
				return sip.NewError(sip.KindMalformed, name, errors.Wrap(err, "not a JSON object"))
			}
		}
		r.Metadata = append(r.Metadata, m)
	}
	sort.Slice(r.Metadata, func(i, j int) bool { return r.Metadata[i].Type < r.Metadata[j].Type })
	return nil
}
