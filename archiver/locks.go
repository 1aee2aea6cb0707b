package archiver

import (
	"context"
	"sync"

	"github.com/ndlib/sipstore/util"
)

// lockTable hands out one lock per package id. Entries are removed once
// nobody holds or waits for them.
type lockTable struct {
	m     sync.Mutex
	gates map[string]*lockEntry
}

type lockEntry struct {
	gate util.Gate
	refs int
}

// acquire takes the lock for key. If wait is false it returns false
// immediately when the lock is held by someone else; otherwise it waits
// until the lock is free or ctx is done. The returned function releases
// the lock and may be called more than once.
func (lt *lockTable) acquire(ctx context.Context, key string, wait bool) (func(), bool, error) {
	lt.m.Lock()
	if lt.gates == nil {
		lt.gates = make(map[string]*lockEntry)
	}
	e := lt.gates[key]
	if e == nil {
		e = &lockEntry{gate: util.NewGate(1)}
		lt.gates[key] = e
	}
	e.refs++
	lt.m.Unlock()

	var err error
	ok := true
	if wait {
		err = e.gate.EnterContext(ctx)
		ok = err == nil
	} else {
		ok = e.gate.TryEnter()
	}
	if !ok {
		lt.unref(key, e)
		return nil, false, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.gate.Leave()
			lt.unref(key, e)
		})
	}, true, nil
}

func (lt *lockTable) unref(key string, e *lockEntry) {
	lt.m.Lock()
	e.refs--
	if e.refs == 0 {
		delete(lt.gates, key)
	}
	lt.m.Unlock()
}

// held returns the number of package ids with a holder or a waiter.
func (lt *lockTable) held() int {
	lt.m.Lock()
	defer lt.m.Unlock()
	return len(lt.gates)
}
