// Package bigcache is a non-segmented off-heap store backend on bigcache.
// bigcache expires entries by a global life window only, so per-entry expiry
// is checked on read and the store does not enumerate expired entries.
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/spill/internal/wire"
	"github.com/unkn0wn-root/spill/store"
)

const (
	defaultMaxEntries   = 10_000
	defaultMaxEntrySize = 256
)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Clock              func() int64
}

type Store struct {
	c      *bc.BigCache
	now    func() int64
	closed atomic.Bool
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 24 * time.Hour
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	// bigcache preallocates MaxEntriesInWindow*MaxEntrySize bytes up front
	conf.MaxEntriesInWindow = defaultMaxEntries
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	conf.MaxEntrySize = defaultMaxEntrySize
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	conf.Verbose = false
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	now := cfg.Clock
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Store{c: c, now: now}, nil
}

func (s *Store) Start(context.Context) error {
	if s.closed.Load() {
		return errors.New("bigcache store: closed")
	}
	return nil
}

// Stop closes the cache. bigcache cannot be reopened.
func (s *Store) Stop(context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		return s.c.Close()
	}
	return nil
}

func (s *Store) Capabilities() store.Capability { return store.Shareable }

func (s *Store) Load(_ context.Context, _ int, key []byte) (*store.Entry, error) {
	b, err := s.c.Get(string(key))
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e, err := wire.DecodeEntry(b)
	if err != nil {
		return nil, fmt.Errorf("bigcache store: %w", err)
	}
	if e.IsExpired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Write(_ context.Context, _ int, e store.Entry) error {
	b, err := wire.EncodeEntry(e)
	if err != nil {
		return err
	}
	return s.c.Set(string(e.Key), b)
}

func (s *Store) Delete(_ context.Context, _ int, key []byte) (bool, error) {
	err := s.c.Delete(string(key))
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	return store.WriteEach(ctx, s, segment, entries)
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	return store.DeleteEach(ctx, s, segment, keys)
}

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.Map(s.PublishEntries(segments, filter, false, false), func(e store.Entry) []byte { return e.Key })
}

func (s *Store) PublishEntries(_ store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		now := s.now()
		it := s.c.Iterator()
		for it.SetNext() {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := it.Value()
			if err != nil {
				// removed while iterating
				continue
			}
			e, err := wire.DecodeEntry(info.Value())
			if err != nil {
				return fmt.Errorf("bigcache store: %w", err)
			}
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

func (s *Store) Purge() store.Seq[store.Entry] { return store.Empty[store.Entry]() }

// Size returns the raw entry count, including entries expired by metadata but
// not yet evicted.
func (s *Store) Size(context.Context, store.SegmentSet) (int64, error) {
	return int64(s.c.Len()), nil
}

func (s *Store) AddSegments(context.Context, store.SegmentSet) error    { return nil }
func (s *Store) RemoveSegments(context.Context, store.SegmentSet) error { return nil }

func (s *Store) CheckAvailable(context.Context) bool { return !s.closed.Load() }

func (s *Store) Clear(context.Context) error { return s.c.Reset() }
