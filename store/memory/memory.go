// Package memory is an in-process store backend. It supports every optional
// capability and is the reference implementation of the store contract.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/spill/store"
)

var ErrUnavailable = errors.New("memory store: unavailable")

type Config struct {
	// Segmented keeps entries per segment and declares store.Segmentable.
	// When false the segment argument is ignored.
	Segmented bool
	// Clock returns unix millis; defaults to the wall clock.
	Clock func() int64
	// ReadOnly rejects modifications and declares store.ReadOnly.
	ReadOnly bool
}

// Stats counts calls that reached the store.
type Stats struct {
	Loads   int64
	Writes  int64
	Deletes int64
	Purged  int64
	Starts  int64
	Stops   int64
}

type Store struct {
	cfg Config
	now func() int64

	mu       sync.RWMutex
	segments map[int]map[string]store.Entry
	started  bool

	unavailable atomic.Bool

	loads, writes, deletes, purged, starts, stops atomic.Int64
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) *Store {
	now := cfg.Clock
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Store{
		cfg:      cfg,
		now:      now,
		segments: make(map[int]map[string]store.Entry),
	}
}

// SetAvailable toggles simulated reachability. An unavailable store fails
// every operation with ErrUnavailable.
func (s *Store) SetAvailable(ok bool) { s.unavailable.Store(!ok) }

func (s *Store) Stats() Stats {
	return Stats{
		Loads:   s.loads.Load(),
		Writes:  s.writes.Load(),
		Deletes: s.deletes.Load(),
		Purged:  s.purged.Load(),
		Starts:  s.starts.Load(),
		Stops:   s.stops.Load(),
	}
}

func (s *Store) Start(context.Context) error {
	if s.unavailable.Load() {
		return ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		s.starts.Add(1)
	}
	return nil
}

func (s *Store) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		s.stops.Add(1)
	}
	return nil
}

func (s *Store) Capabilities() store.Capability {
	c := store.BulkWrite | store.Expiration | store.Shareable
	if s.cfg.Segmented {
		c |= store.Segmentable
	}
	if s.cfg.ReadOnly {
		c |= store.ReadOnly
	}
	return c
}

func (s *Store) seg(segment int) int {
	if !s.cfg.Segmented {
		return 0
	}
	return segment
}

func (s *Store) check() error {
	if s.unavailable.Load() {
		return ErrUnavailable
	}
	return nil
}

func (s *Store) checkWrite() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (s *Store) Load(_ context.Context, segment int, key []byte) (*store.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.loads.Add(1)
	s.mu.RLock()
	e, ok := s.segments[s.seg(segment)][string(key)]
	s.mu.RUnlock()
	if !ok || e.IsExpired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Write(_ context.Context, segment int, e store.Entry) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	s.writes.Add(1)
	cp := store.NewEntry(e.Key, e.Value, e.Metadata).WithInternalMetadata(e.InternalMetadata)
	if e.IsTombstone() {
		cp = store.NewTombstone(e.Key, e.Metadata).WithInternalMetadata(e.InternalMetadata)
	}
	sg := s.seg(segment)
	s.mu.Lock()
	m, ok := s.segments[sg]
	if !ok {
		m = make(map[string]store.Entry)
		s.segments[sg] = m
	}
	m[string(e.Key)] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, segment int, key []byte) (bool, error) {
	if err := s.checkWrite(); err != nil {
		return false, err
	}
	s.deletes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.segments[s.seg(segment)]
	if _, ok := m[string(key)]; !ok {
		return false, nil
	}
	delete(m, string(key))
	return true, nil
}

func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	return store.WriteEach(ctx, s, segment, entries)
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	return store.DeleteEach(ctx, s, segment, keys)
}

// snapshot copies the entries of the requested segments, sorted by key, so
// iteration does not hold the lock while the consumer is suspended.
func (s *Store) snapshot(segments store.SegmentSet) []store.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Entry
	for sg, m := range s.segments {
		if s.cfg.Segmented && !segments.IsEmpty() && !segments.Contains(sg) {
			continue
		}
		for _, e := range m {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
	return out
}

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.Map(s.PublishEntries(segments, filter, false, false), func(e store.Entry) []byte { return e.Key })
}

func (s *Store) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		if err := s.check(); err != nil {
			return err
		}
		now := s.now()
		for _, e := range s.snapshot(segments) {
			if e.IsExpired(now) || !filter.Accept(e.Key) {
				continue
			}
			if !yield(e.Project(fetchValue, fetchMetadata)) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Purge() store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		if err := s.checkWrite(); err != nil {
			return err
		}
		now := s.now()
		var expired []store.Entry
		s.mu.Lock()
		for _, m := range s.segments {
			for k, e := range m {
				if e.IsExpired(now) {
					expired = append(expired, e)
					delete(m, k)
				}
			}
		}
		s.mu.Unlock()
		s.purged.Add(int64(len(expired)))
		for _, e := range expired {
			if !yield(e) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	return s.PublishKeys(segments, nil).Count(ctx)
}

func (s *Store) AddSegments(_ context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sg := range segments.Slice() {
		if _, ok := s.segments[sg]; !ok {
			s.segments[sg] = make(map[string]store.Entry)
		}
	}
	return nil
}

func (s *Store) RemoveSegments(_ context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sg := range segments.Slice() {
		delete(s.segments, sg)
	}
	return nil
}

func (s *Store) CheckAvailable(context.Context) bool { return !s.unavailable.Load() }

func (s *Store) Clear(context.Context) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	s.mu.Lock()
	s.segments = make(map[int]map[string]store.Entry)
	s.mu.Unlock()
	return nil
}
