package spill

import (
	"sort"
	"sync"

	"github.com/unkn0wn-root/spill/internal/util"
	"github.com/unkn0wn-root/spill/store"
)

// Container is the in-memory data container the persistence layer serves.
// Implementations must be safe for concurrent use.
type Container interface {
	Get(key string) (store.Entry, bool)
	Put(key string, e store.Entry)
	Remove(key string) (store.Entry, bool)
	Len() int
	Keys() []string
	Clear()
}

type shard struct {
	mu sync.RWMutex
	m  map[string]store.Entry
}

// MapContainer is a lock-striped map Container.
type MapContainer struct {
	shards []shard
}

var _ Container = (*MapContainer)(nil)

func NewMapContainer() *MapContainer {
	c := &MapContainer{shards: make([]shard, defaultLockStripes)}
	for i := range c.shards {
		c.shards[i].m = make(map[string]store.Entry)
	}
	return c
}

func (c *MapContainer) shard(key string) *shard {
	return &c.shards[util.Stripe([]byte(key), len(c.shards))]
}

func (c *MapContainer) Get(key string) (store.Entry, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	return e, ok
}

func (c *MapContainer) Put(key string, e store.Entry) {
	s := c.shard(key)
	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
}

func (c *MapContainer) Remove(key string) (store.Entry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return e, ok
}

func (c *MapContainer) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Keys returns a sorted snapshot of the keys.
func (c *MapContainer) Keys() []string {
	var out []string
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k := range s.m {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (c *MapContainer) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.m = make(map[string]store.Entry)
		s.mu.Unlock()
	}
}
