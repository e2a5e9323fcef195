// Package ristretto is a bounded in-process store tier on ristretto. Entries
// may be evicted under cost pressure, so it suits a secondary tier that is
// allowed to forget. A key index fed by ristretto's eviction callbacks makes
// the contents iterable.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/spill/internal/util"
	"github.com/unkn0wn-root/spill/internal/wire"
	"github.com/unkn0wn-root/spill/store"
)

var ErrInvalidConfig = errors.New("ristretto store: invalid config")

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	Segmented   bool
	Clock       func() int64
}

type Store struct {
	c   *rc.Cache
	cfg Config
	ks  util.Keyspace
	now func() int64

	mu    sync.Mutex
	index map[string]int // storage key -> segment
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, ErrInvalidConfig
	}
	s := &Store{
		cfg:   cfg,
		ks:    util.Keyspace{Sep: ':'},
		now:   cfg.Clock,
		index: make(map[string]int),
	}
	if s.now == nil {
		s.now = func() int64 { return time.Now().UnixMilli() }
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
		OnEvict:     s.forget,
		OnReject:    s.forget,
	})
	if err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

// record is the value kept in ristretto. It carries its own index key so
// eviction callbacks can find it.
type record struct {
	name  string
	frame []byte
}

// forget drops an evicted or rejected item from the key index unless the key
// was stored again in the meantime.
func (s *Store) forget(item *rc.Item) {
	r, ok := item.Value.(*record)
	if !ok {
		return
	}
	if _, live := s.c.Get(r.name); live {
		return
	}
	s.mu.Lock()
	delete(s.index, r.name)
	s.mu.Unlock()
}

func (s *Store) Start(context.Context) error { return nil }

func (s *Store) Stop(context.Context) error { return nil }

// Close stops ristretto's background goroutines. The store is unusable after.
func (s *Store) Close() {
	s.c.Wait()
	s.c.Close()
}

func (s *Store) Capabilities() store.Capability {
	c := store.Shareable
	if s.cfg.Segmented {
		c |= store.Segmentable
	}
	return c
}

func (s *Store) name(segment int, key []byte) string {
	if !s.cfg.Segmented {
		segment = 0
	}
	return s.ks.Key(segment, key)
}

func (s *Store) get(name string) (*store.Entry, error) {
	v, ok := s.c.Get(name)
	if !ok {
		return nil, nil
	}
	r, _ := v.(*record)
	if r == nil {
		// self-heal: drop unexpected entry shape
		s.c.Del(name)
		return nil, nil
	}
	e, err := wire.DecodeEntry(r.frame)
	if err != nil {
		return nil, fmt.Errorf("ristretto store: %w", err)
	}
	if e.IsExpired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Load(_ context.Context, segment int, key []byte) (*store.Entry, error) {
	return s.get(s.name(segment, key))
}

func (s *Store) Write(_ context.Context, segment int, e store.Entry) error {
	b, err := wire.EncodeEntry(e)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if exp := e.Metadata.ExpiryTime(); exp >= 0 {
		now := s.now()
		if exp <= now {
			_, err := s.Delete(context.Background(), segment, e.Key)
			return err
		}
		ttl = time.Duration(exp-now) * time.Millisecond
	}
	if !s.cfg.Segmented {
		segment = 0
	}
	name := s.ks.Key(segment, e.Key)
	s.mu.Lock()
	s.index[name] = segment
	s.mu.Unlock()

	// A rejected set is not an error for a tier that may forget.
	s.c.SetWithTTL(name, &record{name: name, frame: b}, int64(len(b)), ttl)
	s.c.Wait()
	return nil
}

func (s *Store) Delete(_ context.Context, segment int, key []byte) (bool, error) {
	name := s.name(segment, key)
	_, existed := s.c.Get(name)
	s.c.Del(name)
	s.mu.Lock()
	delete(s.index, name)
	s.mu.Unlock()
	return existed, nil
}

func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	return store.WriteEach(ctx, s, segment, entries)
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	return store.DeleteEach(ctx, s, segment, keys)
}

// names snapshots the index entries in segments, sorted.
func (s *Store) names(segments store.SegmentSet) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.index))
	for name, seg := range s.index {
		if s.cfg.Segmented && !segments.IsEmpty() && !segments.Contains(seg) {
			continue
		}
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.Map(s.PublishEntries(segments, filter, false, false), func(e store.Entry) []byte { return e.Key })
}

func (s *Store) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		for _, name := range s.names(segments) {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := s.get(name)
			if err != nil {
				return err
			}
			if e == nil || !filter.Accept(e.Key) {
				continue
			}
			if !yield(e.Project(fetchValue, fetchMetadata)) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Purge() store.Seq[store.Entry] { return store.Empty[store.Entry]() }

func (s *Store) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	return s.PublishKeys(segments, nil).Count(ctx)
}

func (s *Store) AddSegments(context.Context, store.SegmentSet) error { return nil }

func (s *Store) RemoveSegments(_ context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented {
		return nil
	}
	for _, name := range s.names(segments) {
		s.c.Del(name)
		s.mu.Lock()
		delete(s.index, name)
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) CheckAvailable(context.Context) bool { return true }

func (s *Store) Clear(context.Context) error {
	s.c.Clear()
	s.mu.Lock()
	s.index = make(map[string]int)
	s.mu.Unlock()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics is set.
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }
