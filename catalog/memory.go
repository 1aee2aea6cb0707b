package catalog

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ndlib/sipstore/sip"
)

// Memory is a Catalog kept in memory. Values are copied in and out, so
// callers never share state with it.
type Memory struct {
	m         sync.Mutex
	packages  map[string]sip.Package
	snapshots map[string][]byte // json encoded
	fixity    []fixityRecord
}

type fixityRecord struct {
	id        string
	scheduled time.Time
	status    string
	notes     string
}

var _ Catalog = &Memory{}

// NewMemory returns an empty catalog.
func NewMemory() *Memory {
	return &Memory{
		packages:  make(map[string]sip.Package),
		snapshots: make(map[string][]byte),
	}
}

func (mc *Memory) Package(id string) (*sip.Package, error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	p, ok := mc.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (mc *Memory) EnsurePackage(id string, created time.Time) (*sip.Package, error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	p, ok := mc.packages[id]
	if !ok {
		p = sip.Package{ID: id, Created: created}
		mc.packages[id] = p
	}
	return &p, nil
}

func (mc *Memory) Snapshot(id string) (*sip.Snapshot, error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	return mc.snapshot(id)
}

func (mc *Memory) snapshot(id string) (*sip.Snapshot, error) {
	data, ok := mc.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := new(sip.Snapshot)
	err := json.Unmarshal(data, s)
	return s, err
}

func (mc *Memory) Snapshots(pkgID string) ([]*sip.Snapshot, error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	var result []*sip.Snapshot
	for id := range mc.snapshots {
		s, err := mc.snapshot(id)
		if err != nil {
			return nil, err
		}
		if s.PackageID == pkgID {
			result = append(result, s)
		}
	}
	sortSnapshots(result)
	return result, nil
}

func sortSnapshots(list []*sip.Snapshot) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Created.Equal(list[j].Created) {
			return list[i].ID < list[j].ID
		}
		return list[i].Created.Before(list[j].Created)
	})
}

func (mc *Memory) SaveSnapshot(s *sip.Snapshot) error {
	mc.m.Lock()
	defer mc.m.Unlock()
	return mc.save(s)
}

func (mc *Memory) save(s *sip.Snapshot) error {
	if old, err := mc.snapshot(s.ID); err == nil && old.Archived {
		return ErrArchived
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	mc.snapshots[s.ID] = data
	return nil
}

func (mc *Memory) Commit(s *sip.Snapshot, version int) error {
	mc.m.Lock()
	defer mc.m.Unlock()
	p, ok := mc.packages[s.PackageID]
	if !ok {
		return ErrNotFound
	}
	if old, err := mc.snapshot(s.ID); err == nil && old.Archived {
		return ErrArchived
	}
	if p.Version != version || (p.LatestArchived != "" && !p.LatestCreated.Before(s.Created)) {
		return ErrConflict
	}
	c := *s
	c.Archived = true
	c.State = sip.StateCommitted
	if err := mc.save(&c); err != nil {
		return err
	}
	p.LatestArchived = s.ID
	p.LatestCreated = s.Created
	p.Version++
	mc.packages[s.PackageID] = p
	return nil
}

func (mc *Memory) Unfinished() ([]*sip.Snapshot, error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	var result []*sip.Snapshot
	for id := range mc.snapshots {
		s, err := mc.snapshot(id)
		if err != nil {
			return nil, err
		}
		if unfinished(s) {
			result = append(result, s)
		}
	}
	sortSnapshots(result)
	return result, nil
}

func unfinished(s *sip.Snapshot) bool {
	switch s.State {
	case sip.StateBuilding, sip.StateWriting:
		return true
	case sip.StateFailed:
		return s.Retryable
	}
	return false
}

func (mc *Memory) Close() error { return nil }

func (mc *Memory) NextFixity(cutoff time.Time) string {
	mc.m.Lock()
	defer mc.m.Unlock()
	i := mc.earliest("", cutoff)
	if i == -1 {
		return ""
	}
	return mc.fixity[i].id
}

// earliest returns the index of the earliest scheduled check at or before
// cutoff, limited to id if id is not empty. The zero cutoff means any time.
func (mc *Memory) earliest(id string, cutoff time.Time) int {
	best := -1
	for i, f := range mc.fixity {
		if f.status != "scheduled" || (id != "" && f.id != id) {
			continue
		}
		if !cutoff.IsZero() && f.scheduled.After(cutoff) {
			continue
		}
		if best == -1 || f.scheduled.Before(mc.fixity[best].scheduled) {
			best = i
		}
	}
	return best
}

func (mc *Memory) UpdateFixity(id string, status string, notes string) error {
	mc.m.Lock()
	defer mc.m.Unlock()
	i := mc.earliest(id, time.Time{})
	if i == -1 {
		mc.fixity = append(mc.fixity, fixityRecord{id: id, scheduled: time.Now(), status: status, notes: notes})
		return nil
	}
	mc.fixity[i].status = status
	mc.fixity[i].notes = notes
	return nil
}

func (mc *Memory) SetCheck(id string, when time.Time) error {
	mc.m.Lock()
	defer mc.m.Unlock()
	mc.fixity = append(mc.fixity, fixityRecord{id: id, scheduled: when, status: "scheduled"})
	return nil
}

func (mc *Memory) LookupCheck(id string) (time.Time, error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	i := mc.earliest(id, time.Time{})
	if i == -1 {
		return time.Time{}, nil
	}
	return mc.fixity[i].scheduled, nil
}

// Import copies the package pid and all of its snapshots from src,
// replacing anything already here under the same ids. A package src does
// not have is not an error.
func (mc *Memory) Import(src Catalog, pid string) error {
	pkg, err := src.Package(pid)
	if err == ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	list, err := src.Snapshots(pid)
	if err != nil {
		return err
	}
	encoded := make(map[string][]byte)
	for _, s := range list {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		encoded[s.ID] = data
	}
	mc.m.Lock()
	defer mc.m.Unlock()
	mc.packages[pid] = *pkg
	for id, data := range encoded {
		mc.snapshots[id] = data
	}
	return nil
}
