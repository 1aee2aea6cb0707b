package record

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sort"
	"sync"
)

// Memory is a Source kept in memory. It is intended for tests. The zero
// value is ready to use.
type Memory struct {
	m       sync.Mutex
	records map[string]*memRecord
}

type memRecord struct {
	user     string
	agent    map[string]string
	files    map[string][]byte
	uuids    map[string]string
	failures map[string]error
	metadata map[string]Metadata
}

var _ Source = &Memory{}

func (ms *Memory) get(pid string) *memRecord {
	if ms.records == nil {
		ms.records = make(map[string]*memRecord)
	}
	r, ok := ms.records[pid]
	if !ok {
		r = &memRecord{
			files:    make(map[string][]byte),
			uuids:    make(map[string]string),
			failures: make(map[string]error),
			metadata: make(map[string]Metadata),
		}
		ms.records[pid] = r
	}
	return r
}

// SetFile adds or replaces a data file.
func (ms *Memory) SetFile(pid, path string, data []byte) {
	ms.m.Lock()
	defer ms.m.Unlock()
	r := ms.get(pid)
	r.files[path] = append([]byte(nil), data...)
	delete(r.failures, path)
}

// SetFileUUID sets the file uuid reported for a data file.
func (ms *Memory) SetFileUUID(pid, path, uuid string) {
	ms.m.Lock()
	defer ms.m.Unlock()
	ms.get(pid).uuids[path] = uuid
}

// RemoveFile deletes a data file.
func (ms *Memory) RemoveFile(pid, path string) {
	ms.m.Lock()
	defer ms.m.Unlock()
	delete(ms.get(pid).files, path)
}

// FailOpen makes opening the given file return err.
func (ms *Memory) FailOpen(pid, path string, err error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	ms.get(pid).failures[path] = err
}

// SetMetadata adds or replaces a metadata document.
func (ms *Memory) SetMetadata(pid, typ, format string, content []byte) {
	ms.m.Lock()
	defer ms.m.Unlock()
	ms.get(pid).metadata[typ] = Metadata{Type: typ, Format: format, Content: append([]byte(nil), content...)}
}

// SetUser sets who the record's snapshots are attributed to.
func (ms *Memory) SetUser(pid, user string, agent map[string]string) {
	ms.m.Lock()
	defer ms.m.Unlock()
	r := ms.get(pid)
	r.user = user
	r.agent = agent
}

// Record returns a copy of the current state of record pid. Later changes
// do not affect the returned value.
func (ms *Memory) Record(ctx context.Context, pid string) (*Record, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	r, ok := ms.records[pid]
	if !ok {
		return nil, ErrNotFound
	}
	result := &Record{PackageID: pid, UserID: r.user}
	if r.agent != nil {
		result.Agent = make(map[string]string)
		for k, v := range r.agent {
			result.Agent[k] = v
		}
	}
	for path, data := range r.files {
		data := data
		failure := r.failures[path]
		result.Files = append(result.Files, File{
			Path:     path,
			Size:     int64(len(data)),
			FileUUID: r.uuids[path],
			Open: func() (io.ReadCloser, error) {
				if failure != nil {
					return nil, failure
				}
				return ioutil.NopCloser(bytes.NewReader(data)), nil
			},
		})
	}
	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
	for _, m := range r.metadata {
		result.Metadata = append(result.Metadata, m)
	}
	sort.Slice(result.Metadata, func(i, j int) bool { return result.Metadata[i].Type < result.Metadata[j].Type })
	return result, nil
}
