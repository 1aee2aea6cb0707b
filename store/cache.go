package store

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// head is the structure stored in a sizecache.
type head struct {
	expire time.Time
	size   int64 // size of item. 0 = ?, -1 = doesn't exist. see constant below
}

// A sizecache is used to remember the size or non-size of a remote object.
// The size is either a positive int64, 0 = we don't know, -1 = item doesn't
// exist. Entries expire after some amount of time. Items not existing
// expire quicker than items with a positive size.
type sizecache struct {
	clock     clock.Clock
	m         sync.Mutex      // protects everything below
	cache     map[string]head // cache for item sizes
	sweeptime time.Time       // next time to age everything
}

const (
	// constants for head.size. Indicates that the given key is deleted.
	sizeDeleted int64 = -1 // any negative number will work

	defaultMissTTL = 10 * time.Minute
	defaultHitTTL  = 240 * time.Hour // 10 days
)

// newSizeCache makes an empty cache. A nil clock means the wall clock.
func newSizeCache(c clock.Clock) *sizecache {
	if c == nil {
		c = clock.New()
	}
	return &sizecache{
		clock: c,
		cache: make(map[string]head),
	}
}

// Get returns the size associated with key. If key is not in the cache
// it will call the fill function to figure out what the size is.
// If a size is negative the error ErrNotExist is returned.
// Zero length objects are never cached, since 0 means "unknown".
func (s *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	s.m.Lock()
	now := s.clock.Now()
	if now.After(s.sweeptime) {
		s.age(now)
	}
	entry, ok := s.cache[key]
	if ok && now.After(entry.expire) {
		ok = false
	}
	s.m.Unlock()
	if ok && entry.size > 0 {
		return entry.size, nil
	}
	if ok && entry.size < 0 {
		// we have previously determined this key does not exist
		return 0, ErrNotExist
	}
	if fill == nil {
		return 0, nil
	}
	size, err := fill(key)
	if err != nil && err != ErrNotExist {
		return 0, err
	}
	s.Set(key, size)
	if size < 0 {
		return 0, ErrNotExist
	}
	return size, err
}

// Set caches a size to use for the given key.
// Use sizeDeleted to mark the key as missing.
func (s *sizecache) Set(key string, size int64) {
	ttl := defaultHitTTL
	switch {
	case size < 0:
		ttl = defaultMissTTL
	case size == 0:
		s.Forget(key)
		return
	}
	s.m.Lock()
	s.cache[key] = head{expire: s.clock.Now().Add(ttl), size: size}
	s.m.Unlock()
}

// Forget removes any entry for key.
func (s *sizecache) Forget(key string) {
	s.m.Lock()
	delete(s.cache, key)
	s.m.Unlock()
}

// age removes the entries which have become too old. The caller must hold m.
func (s *sizecache) age(now time.Time) {
	s.sweeptime = now.Add(time.Hour)
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k)
		}
	}
}
