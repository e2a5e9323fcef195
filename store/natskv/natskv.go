// Package natskv is a store backend on a NATS JetStream key/value bucket.
// Keys are written as s<segment>.<hex key> to stay within the NATS key
// alphabet; values are spill wire frames.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/unkn0wn-root/spill/internal/util"
	"github.com/unkn0wn-root/spill/internal/wire"
	"github.com/unkn0wn-root/spill/store"
)

var ErrNoBucket = errors.New("natskv store: bucket, jetstream or URL required")

const defaultBucket = "SPILL"

// Bucket is the subset of jetstream.KeyValue the store needs.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
	Status(ctx context.Context) (jetstream.KeyValueStatus, error)
}

type Config struct {
	// Bucket is used as is when set. Otherwise Start opens or creates
	// BucketName through JetStream, connecting to URL when JetStream is nil.
	Bucket     Bucket
	JetStream  jetstream.JetStream
	URL        string
	BucketName string
	Replicas   int

	Segmented bool
	ReadOnly  bool
	Clock     func() int64
}

type Store struct {
	cfg Config
	ks  util.Keyspace
	now func() int64

	mu sync.RWMutex
	kv Bucket
	nc *nats.Conn // owned connection
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Bucket == nil && cfg.JetStream == nil && cfg.URL == "" {
		return nil, ErrNoBucket
	}
	if cfg.BucketName == "" {
		cfg.BucketName = defaultBucket
	}
	now := cfg.Clock
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Store{cfg: cfg, ks: util.Keyspace{Sep: '.'}, now: now, kv: cfg.Bucket}, nil
}

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv != nil {
		return nil
	}
	js := s.cfg.JetStream
	if js == nil {
		nc, err := nats.Connect(s.cfg.URL)
		if err != nil {
			return fmt.Errorf("natskv store: connect: %w", err)
		}
		if js, err = jetstream.New(nc); err != nil {
			nc.Close()
			return fmt.Errorf("natskv store: jetstream: %w", err)
		}
		s.nc = nc
	}
	kv, err := openBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   s.cfg.BucketName,
		Replicas: s.cfg.Replicas,
	})
	if err != nil {
		if s.nc != nil {
			s.nc.Close()
			s.nc = nil
		}
		return fmt.Errorf("natskv store: bucket %s: %w", s.cfg.BucketName, err)
	}
	s.kv = kv
	return nil
}

// openBucket gets an existing bucket or creates it, tolerating a concurrent
// creator.
func openBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, cfg)
	if errors.Is(err, jetstream.ErrBucketExists) {
		return js.KeyValue(ctx, cfg.Bucket)
	}
	return kv, err
}

func (s *Store) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
		s.kv = nil
	}
	return nil
}

func (s *Store) bucket() (Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kv == nil {
		return nil, store.ErrNotStarted
	}
	return s.kv, nil
}

func (s *Store) Capabilities() store.Capability {
	c := store.Expiration | store.Shareable
	if s.cfg.Segmented {
		c |= store.Segmentable
	}
	if s.cfg.ReadOnly {
		c |= store.ReadOnly
	}
	return c
}

func (s *Store) key(segment int, key []byte) string {
	if !s.cfg.Segmented {
		segment = 0
	}
	return s.ks.Key(segment, key)
}

func (s *Store) get(ctx context.Context, kv Bucket, name string) (*store.Entry, error) {
	kve, err := kv.Get(ctx, name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("natskv store: get: %w", err)
	}
	e, err := wire.DecodeEntry(kve.Value())
	if err != nil {
		return nil, fmt.Errorf("natskv store: %w", err)
	}
	return &e, nil
}

func (s *Store) Load(ctx context.Context, segment int, key []byte) (*store.Entry, error) {
	kv, err := s.bucket()
	if err != nil {
		return nil, err
	}
	e, err := s.get(ctx, kv, s.key(segment, key))
	if err != nil || e == nil || e.IsExpired(s.now()) {
		return nil, err
	}
	return e, nil
}

func (s *Store) Write(ctx context.Context, segment int, e store.Entry) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	kv, err := s.bucket()
	if err != nil {
		return err
	}
	frame, err := wire.EncodeEntry(e)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, s.key(segment, e.Key), frame); err != nil {
		return fmt.Errorf("natskv store: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, segment int, key []byte) (bool, error) {
	if s.cfg.ReadOnly {
		return false, store.ErrReadOnly
	}
	kv, err := s.bucket()
	if err != nil {
		return false, err
	}
	name := s.key(segment, key)
	if _, err := kv.Get(ctx, name); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("natskv store: get: %w", err)
	}
	if err := kv.Delete(ctx, name); err != nil {
		return false, fmt.Errorf("natskv store: delete: %w", err)
	}
	return true, nil
}

func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	return store.WriteEach(ctx, s, segment, entries)
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	return store.DeleteEach(ctx, s, segment, keys)
}

// names lists the bucket keys belonging to segments, sorted.
func (s *Store) names(ctx context.Context, kv Bucket, segments store.SegmentSet) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("natskv store: list keys: %w", err)
	}
	defer lister.Stop()
	var out []string
	for name := range lister.Keys() {
		seg, _, ok := s.ks.Parse(name)
		if !ok {
			continue
		}
		if s.cfg.Segmented && !segments.IsEmpty() && !segments.Contains(seg) {
			continue
		}
		out = append(out, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.Map(s.PublishEntries(segments, filter, false, false), func(e store.Entry) []byte { return e.Key })
}

func (s *Store) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		kv, err := s.bucket()
		if err != nil {
			return err
		}
		names, err := s.names(ctx, kv, segments)
		if err != nil {
			return err
		}
		now := s.now()
		for _, name := range names {
			_, key, _ := s.ks.Parse(name)
			if !filter.Accept(key) {
				continue
			}
			e, err := s.get(ctx, kv, name)
			if err != nil {
				return err
			}
			if e == nil || e.IsExpired(now) {
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
		if s.cfg.ReadOnly {
			return nil
		}
		kv, err := s.bucket()
		if err != nil {
			return err
		}
		names, err := s.names(ctx, kv, store.SegmentSet{})
		if err != nil {
			return err
		}
		now := s.now()
		for _, name := range names {
			e, err := s.get(ctx, kv, name)
			if err != nil {
				return err
			}
			if e == nil || !e.IsExpired(now) {
				continue
			}
			if err := kv.Delete(ctx, name); err != nil {
				return fmt.Errorf("natskv store: purge: %w", err)
			}
			if !yield(*e) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	return s.PublishKeys(segments, nil).Count(ctx)
}

func (s *Store) AddSegments(context.Context, store.SegmentSet) error { return nil }

func (s *Store) RemoveSegments(ctx context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented || s.cfg.ReadOnly || segments.IsEmpty() {
		return nil
	}
	return s.deleteAll(ctx, segments)
}

func (s *Store) deleteAll(ctx context.Context, segments store.SegmentSet) error {
	kv, err := s.bucket()
	if err != nil {
		return err
	}
	names, err := s.names(ctx, kv, segments)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := kv.Delete(ctx, name); err != nil {
			return fmt.Errorf("natskv store: delete: %w", err)
		}
	}
	return nil
}

func (s *Store) CheckAvailable(ctx context.Context) bool {
	kv, err := s.bucket()
	if err != nil {
		return false
	}
	_, err = kv.Status(ctx)
	return err == nil
}

func (s *Store) Clear(ctx context.Context) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	return s.deleteAll(ctx, store.SegmentSet{})
}
