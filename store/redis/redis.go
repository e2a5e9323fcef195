// Package redis is a store backend on top of go-redis. Entries are framed with
// the spill wire format and stored under <namespace>:s<segment>:<hex key>.
// Expiration is delegated to redis TTLs, so the store never enumerates expired
// entries through Purge.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/spill/internal/util"
	"github.com/unkn0wn-root/spill/internal/wire"
	"github.com/unkn0wn-root/spill/store"
)

var ErrNilClient = errors.New("redis store: nil client")

const (
	defaultNamespace = "spill"
	defaultScanCount = 256
	defaultPipeline  = 128
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
	// Dial builds the client when Client is nil, and rebuilds it on a Start
	// that follows a Stop which closed it.
	Dial func() goredis.UniversalClient

	Namespace string
	Segmented bool
	ReadOnly  bool
	// ScanCount is the COUNT hint for SCAN. PipelineSize bounds the commands
	// sent per round trip by BulkWrite/BulkDelete.
	ScanCount    int64
	PipelineSize int
	Clock        func() int64
}

type Store struct {
	mu          sync.RWMutex
	rdb         goredis.UniversalClient
	closed      bool
	closeClient bool
	ks          util.Keyspace
	cfg         Config
	now         func() int64
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil && cfg.Dial != nil {
		cfg.Client = cfg.Dial()
	}
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = defaultScanCount
	}
	if cfg.PipelineSize <= 0 {
		cfg.PipelineSize = defaultPipeline
	}
	now := cfg.Clock
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Store{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		ks:          util.Keyspace{Prefix: cfg.Namespace, Sep: ':'},
		cfg:         cfg,
		now:         now,
	}, nil
}

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed && s.cfg.Dial != nil {
		s.rdb, s.closed = s.cfg.Dial(), false
	}
	rdb := s.rdb
	s.mu.Unlock()
	return rdb.Ping(ctx).Err()
}

// Stop releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Stop(context.Context) error {
	if !s.closeClient {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}

func (s *Store) client() goredis.UniversalClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rdb
}

func (s *Store) Capabilities() store.Capability {
	c := store.BulkWrite | store.Shareable
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

func (s *Store) key(segment int, key []byte) string {
	return s.ks.Key(s.seg(segment), key)
}

// ttl converts entry expiration into a redis TTL. A zero TTL means no expiry;
// ok is false when the entry is already expired.
func ttl(md *store.Metadata, now int64) (d time.Duration, ok bool) {
	exp := md.ExpiryTime()
	if exp < 0 {
		return 0, true
	}
	if exp <= now {
		return 0, false
	}
	return time.Duration(exp-now) * time.Millisecond, true
}

func (s *Store) Load(ctx context.Context, segment int, key []byte) (*store.Entry, error) {
	b, err := s.client().Get(ctx, s.key(segment, key)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e, err := wire.DecodeEntry(b)
	if err != nil {
		return nil, fmt.Errorf("redis store: %w", err)
	}
	if e.IsExpired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Write(ctx context.Context, segment int, e store.Entry) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	return s.write(ctx, s.client(), segment, e)
}

func (s *Store) write(ctx context.Context, c goredis.Cmdable, segment int, e store.Entry) error {
	k := s.key(segment, e.Key)
	d, ok := ttl(e.Metadata, s.now())
	if !ok {
		return c.Del(ctx, k).Err()
	}
	b, err := wire.EncodeEntry(e)
	if err != nil {
		return err
	}
	return c.Set(ctx, k, b, d).Err()
}

func (s *Store) Delete(ctx context.Context, segment int, key []byte) (bool, error) {
	if s.cfg.ReadOnly {
		return false, store.ErrReadOnly
	}
	n, err := s.client().Del(ctx, s.key(segment, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BulkWrite pipelines SETs in chunks of PipelineSize.
func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	pipe := s.client().Pipeline()
	n := 0
	err := entries.ForEach(ctx, func(e store.Entry) error {
		if err := s.write(ctx, pipe, segment, e); err != nil {
			return err
		}
		n++
		if n >= s.cfg.PipelineSize {
			n = 0
			_, err := pipe.Exec(ctx)
			return err
		}
		return nil
	})
	if err != nil {
		pipe.Discard()
		return err
	}
	if n > 0 {
		_, err = pipe.Exec(ctx)
	}
	return err
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	batch := make([]string, 0, s.cfg.PipelineSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.client().Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	err := keys.ForEach(ctx, func(k []byte) error {
		batch = append(batch, s.key(segment, k))
		if len(batch) >= s.cfg.PipelineSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// patterns returns the SCAN patterns covering segments.
func (s *Store) patterns(segments store.SegmentSet) []string {
	if !s.cfg.Segmented || segments.IsEmpty() {
		return []string{escapeGlob(s.ks.Root()) + "*"}
	}
	out := make([]string, 0, segments.Len())
	for _, seg := range segments.Slice() {
		out = append(out, escapeGlob(s.ks.SegmentPrefix(seg))+"*")
	}
	return out
}

// scan yields raw redis keys page by page.
func (s *Store) scan(ctx context.Context, segments store.SegmentSet, fn func(page []string) error) error {
	for _, pattern := range s.patterns(segments) {
		var cursor uint64
		for {
			keys, next, err := s.client().Scan(ctx, cursor, pattern, s.cfg.ScanCount).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := fn(keys); err != nil {
					return err
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return nil
}

var errStop = errors.New("stop")

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.NewSeq(func(ctx context.Context, yield func([]byte) bool) error {
		err := s.scan(ctx, segments, func(page []string) error {
			for _, raw := range page {
				_, k, ok := s.ks.Parse(raw)
				if !ok || !filter.Accept(k) {
					continue
				}
				if !yield(k) {
					return errStop
				}
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	})
}

func (s *Store) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	if !fetchValue && !fetchMetadata {
		return store.Map(s.PublishKeys(segments, filter), func(k []byte) store.Entry { return store.Entry{Key: k} })
	}
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		now := s.now()
		err := s.scan(ctx, segments, func(page []string) error {
			keys := page[:0:0]
			for _, raw := range page {
				if _, k, ok := s.ks.Parse(raw); ok && filter.Accept(k) {
					keys = append(keys, raw)
				}
			}
			if len(keys) == 0 {
				return nil
			}
			vals, err := s.client().MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			for _, v := range vals {
				str, ok := v.(string)
				if !ok {
					// expired or deleted between SCAN and MGET
					continue
				}
				e, err := wire.DecodeEntry([]byte(str))
				if err != nil {
					return fmt.Errorf("redis store: %w", err)
				}
				if e.IsExpired(now) {
					continue
				}
				if !yield(e.Project(fetchValue, fetchMetadata)) {
					return errStop
				}
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	})
}

// Purge returns an empty sequence; redis expires keys on its own.
func (s *Store) Purge() store.Seq[store.Entry] { return store.Empty[store.Entry]() }

func (s *Store) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	return s.PublishKeys(segments, nil).Count(ctx)
}

func (s *Store) AddSegments(context.Context, store.SegmentSet) error { return nil }

func (s *Store) RemoveSegments(ctx context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented || s.cfg.ReadOnly || segments.IsEmpty() {
		return nil
	}
	return s.scan(ctx, segments, func(page []string) error {
		return s.client().Del(ctx, page...).Err()
	})
}

func (s *Store) CheckAvailable(ctx context.Context) bool {
	return s.client().Ping(ctx).Err() == nil
}

func (s *Store) Clear(ctx context.Context) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	return s.scan(ctx, store.SegmentSet{}, func(page []string) error {
		return s.client().Del(ctx, page...).Err()
	})
}
