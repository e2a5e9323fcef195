// Package postgres is a store backend on PostgreSQL through pgx/v5. Each entry
// is one row keyed by (segment, key) holding the wire frame and its expiry
// instant, so expired rows are filtered in SQL and purged with
// DELETE ... RETURNING.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/spill/internal/wire"
	"github.com/unkn0wn-root/spill/store"
)

var ErrNoDatabase = errors.New("postgres store: pool or URL required")

const (
	defaultTable     = "spill_entries"
	defaultBatchSize = 256
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

type Config struct {
	// Pool is used when set; otherwise Start opens a pool on URL and Stop
	// closes it.
	Pool DB
	URL  string

	Table       string
	Segmented   bool
	ReadOnly    bool
	CreateTable bool
	BatchSize   int
	Clock       func() int64
}

type Store struct {
	cfg   Config
	now   func() int64
	table string
	q     queries

	mu    sync.RWMutex
	db    DB
	owned *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

type queries struct {
	create, load, upsert, del, delMany, keys, entries, purge, size, removeSegs, clear string
}

func buildQueries(t string) queries {
	live := "(expires_at IS NULL OR expires_at > $2)"
	segs := "($1::int4[] IS NULL OR segment = ANY($1))"
	return queries{
		create: `CREATE TABLE IF NOT EXISTS ` + t + ` (
			segment    INT4   NOT NULL,
			key        BYTEA  NOT NULL,
			frame      BYTEA  NOT NULL,
			expires_at BIGINT,
			PRIMARY KEY (segment, key))`,
		load: `SELECT frame FROM ` + t + ` WHERE segment = $1 AND key = $3 AND ` + live,
		upsert: `INSERT INTO ` + t + ` (segment, key, frame, expires_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (segment, key) DO UPDATE SET frame = EXCLUDED.frame, expires_at = EXCLUDED.expires_at`,
		del:        `DELETE FROM ` + t + ` WHERE segment = $1 AND key = $2`,
		delMany:    `DELETE FROM ` + t + ` WHERE segment = $1 AND key = ANY($2)`,
		keys:       `SELECT key FROM ` + t + ` WHERE ` + segs + ` AND ` + live + ` ORDER BY segment, key`,
		entries:    `SELECT frame FROM ` + t + ` WHERE ` + segs + ` AND ` + live + ` ORDER BY segment, key`,
		purge:      `DELETE FROM ` + t + ` WHERE expires_at IS NOT NULL AND expires_at <= $1 RETURNING frame`,
		size:       `SELECT count(*) FROM ` + t + ` WHERE ` + segs + ` AND ` + live,
		removeSegs: `DELETE FROM ` + t + ` WHERE segment = ANY($1)`,
		clear:      `DELETE FROM ` + t,
	}
}

func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil && cfg.URL == "" {
		return nil, ErrNoDatabase
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	now := cfg.Clock
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	table := pgx.Identifier{cfg.Table}.Sanitize()
	return &Store{cfg: cfg, now: now, table: table, q: buildQueries(table), db: cfg.Pool}, nil
}

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		pool, err := pgxpool.New(ctx, s.cfg.URL)
		if err != nil {
			return fmt.Errorf("postgres store: connect: %w", err)
		}
		s.db, s.owned = pool, pool
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	if s.cfg.CreateTable && !s.cfg.ReadOnly {
		if _, err := s.db.Exec(ctx, s.q.create); err != nil {
			return fmt.Errorf("postgres store: create table: %w", err)
		}
	}
	return nil
}

func (s *Store) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned != nil {
		s.owned.Close()
		s.owned, s.db = nil, nil
	}
	return nil
}

func (s *Store) conn() (DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotStarted
	}
	return s.db, nil
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

func (s *Store) seg(segment int) int32 {
	if !s.cfg.Segmented {
		return 0
	}
	return int32(segment)
}

// segArg maps a segment set to the nullable int4[] query argument. nil means
// every segment.
func (s *Store) segArg(segments store.SegmentSet) []int32 {
	if !s.cfg.Segmented || segments.IsEmpty() {
		return nil
	}
	ids := segments.Slice()
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func expiresAt(md *store.Metadata) *int64 {
	exp := md.ExpiryTime()
	if exp < 0 {
		return nil
	}
	return &exp
}

func (s *Store) Load(ctx context.Context, segment int, key []byte) (*store.Entry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var frame []byte
	err = db.QueryRow(ctx, s.q.load, s.seg(segment), s.now(), key).Scan(&frame)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load: %w", err)
	}
	e, err := wire.DecodeEntry(frame)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &e, nil
}

func (s *Store) Write(ctx context.Context, segment int, e store.Entry) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	frame, err := wire.EncodeEntry(e)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, s.q.upsert, s.seg(segment), e.Key, frame, expiresAt(e.Metadata)); err != nil {
		return fmt.Errorf("postgres store: write: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, segment int, key []byte) (bool, error) {
	if s.cfg.ReadOnly {
		return false, store.ErrReadOnly
	}
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx, s.q.del, s.seg(segment), key)
	if err != nil {
		return false, fmt.Errorf("postgres store: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// BulkWrite queues upserts into pgx batches of BatchSize statements.
func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		err := db.SendBatch(ctx, batch).Close()
		batch = &pgx.Batch{}
		if err != nil {
			return fmt.Errorf("postgres store: bulk write: %w", err)
		}
		return nil
	}
	err = entries.ForEach(ctx, func(e store.Entry) error {
		frame, err := wire.EncodeEntry(e)
		if err != nil {
			return err
		}
		batch.Queue(s.q.upsert, s.seg(segment), e.Key, frame, expiresAt(e.Metadata))
		if batch.Len() >= s.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	chunk := make([][]byte, 0, s.cfg.BatchSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		_, err := db.Exec(ctx, s.q.delMany, s.seg(segment), chunk)
		chunk = chunk[:0]
		if err != nil {
			return fmt.Errorf("postgres store: bulk delete: %w", err)
		}
		return nil
	}
	err = keys.ForEach(ctx, func(k []byte) error {
		chunk = append(chunk, k)
		if len(chunk) >= s.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// scanRows streams single-column byte rows. The cursor is closed when the
// producer returns.
func scanRows(ctx context.Context, db DB, sql string, args []any, fn func(b []byte) (bool, error)) error {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("postgres store: query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return fmt.Errorf("postgres store: scan: %w", err)
		}
		more, err := fn(b)
		if err != nil || !more {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.NewSeq(func(ctx context.Context, yield func([]byte) bool) error {
		db, err := s.conn()
		if err != nil {
			return err
		}
		return scanRows(ctx, db, s.q.keys, []any{s.segArg(segments), s.now()}, func(k []byte) (bool, error) {
			if !filter.Accept(k) {
				return true, nil
			}
			return yield(k), nil
		})
	})
}

func (s *Store) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	if !fetchValue && !fetchMetadata {
		return store.Map(s.PublishKeys(segments, filter), func(k []byte) store.Entry { return store.Entry{Key: k} })
	}
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		db, err := s.conn()
		if err != nil {
			return err
		}
		return scanRows(ctx, db, s.q.entries, []any{s.segArg(segments), s.now()}, func(frame []byte) (bool, error) {
			e, err := wire.DecodeEntry(frame)
			if err != nil {
				return false, fmt.Errorf("postgres store: %w", err)
			}
			if !filter.Accept(e.Key) {
				return true, nil
			}
			return yield(e.Project(fetchValue, fetchMetadata)), nil
		})
	})
}

func (s *Store) Purge() store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		if s.cfg.ReadOnly {
			return nil
		}
		db, err := s.conn()
		if err != nil {
			return err
		}
		return scanRows(ctx, db, s.q.purge, []any{s.now()}, func(frame []byte) (bool, error) {
			e, err := wire.DecodeEntry(frame)
			if err != nil {
				return false, fmt.Errorf("postgres store: %w", err)
			}
			return yield(e), nil
		})
	})
}

func (s *Store) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return -1, err
	}
	var n int64
	if err := db.QueryRow(ctx, s.q.size, s.segArg(segments), s.now()).Scan(&n); err != nil {
		return -1, fmt.Errorf("postgres store: size: %w", err)
	}
	return n, nil
}

func (s *Store) AddSegments(context.Context, store.SegmentSet) error { return nil }

func (s *Store) RemoveSegments(ctx context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented || s.cfg.ReadOnly || segments.IsEmpty() {
		return nil
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, s.q.removeSegs, s.segArg(segments)); err != nil {
		return fmt.Errorf("postgres store: remove segments: %w", err)
	}
	return nil
}

func (s *Store) CheckAvailable(ctx context.Context) bool {
	db, err := s.conn()
	if err != nil {
		return false
	}
	return db.Ping(ctx) == nil
}

func (s *Store) Clear(ctx context.Context) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, s.q.clear); err != nil {
		return fmt.Errorf("postgres store: clear: %w", err)
	}
	return nil
}
