// Package file is a store backend keeping one file per entry under a root
// directory, one subdirectory per segment. Writes go to a temp file that is
// renamed into place, so readers never see a partial entry.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/spill/internal/wire"
	"github.com/unkn0wn-root/spill/store"
)

var (
	ErrNoRoot     = errors.New("file store: root directory required")
	ErrLoadFailed = errors.New("file store: load failed")
	ErrSaveFailed = errors.New("file store: save failed")
)

// maxNameLen bounds hex file names; longer keys are named by their sha256.
const maxNameLen = 200

const flatDir = "all"

type Config struct {
	Root      string
	Segmented bool
	ReadOnly  bool
	// Clock returns unix millis; defaults to the wall clock.
	Clock func() int64
}

type Store struct {
	cfg     Config
	now     func() int64
	started atomic.Bool
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, ErrNoRoot
	}
	now := cfg.Clock
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Store{cfg: cfg, now: now}, nil
}

func (s *Store) Start(context.Context) error {
	if s.started.Load() {
		return nil
	}
	if !s.cfg.ReadOnly {
		if err := os.MkdirAll(s.cfg.Root, 0o755); err != nil {
			return fmt.Errorf("file store: create root: %w", err)
		}
	}
	s.started.Store(true)
	return nil
}

func (s *Store) Stop(context.Context) error {
	s.started.Store(false)
	return nil
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

func (s *Store) dir(segment int) string {
	if !s.cfg.Segmented {
		return filepath.Join(s.cfg.Root, flatDir)
	}
	return filepath.Join(s.cfg.Root, "s"+strconv.Itoa(segment))
}

func fileName(key []byte) string {
	name := hex.EncodeToString(key)
	if len(name) > maxNameLen {
		sum := sha256.Sum256(key)
		name = "h" + hex.EncodeToString(sum[:])
	}
	return name
}

func (s *Store) path(segment int, key []byte) string {
	return filepath.Join(s.dir(segment), fileName(key))
}

func (s *Store) read(path string) (*store.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, path, err)
	}
	e, err := wire.DecodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, path, err)
	}
	return &e, nil
}

func (s *Store) Load(_ context.Context, segment int, key []byte) (*store.Entry, error) {
	e, err := s.read(s.path(segment, key))
	if err != nil || e == nil {
		return nil, err
	}
	if e.IsExpired(s.now()) {
		return nil, nil
	}
	return e, nil
}

func (s *Store) Write(_ context.Context, segment int, e store.Entry) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	data, err := wire.EncodeEntry(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	dir := s.dir(segment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := os.Rename(tmpName, s.path(segment, e.Key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, segment int, key []byte) (bool, error) {
	if s.cfg.ReadOnly {
		return false, store.ErrReadOnly
	}
	err := os.Remove(s.path(segment, key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("file store: delete: %w", err)
	}
}

func (s *Store) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	return store.WriteEach(ctx, s, segment, entries)
}

func (s *Store) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	return store.DeleteEach(ctx, s, segment, keys)
}

// dirs lists the entry directories matching segments, sorted.
func (s *Store) dirs(segments store.SegmentSet) ([]string, error) {
	if !s.cfg.Segmented {
		return []string{s.dir(0)}, nil
	}
	des, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	var out []string
	for _, de := range des {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), "s") {
			continue
		}
		seg, err := strconv.Atoi(de.Name()[1:])
		if err != nil {
			continue
		}
		if !segments.IsEmpty() && !segments.Contains(seg) {
			continue
		}
		out = append(out, filepath.Join(s.cfg.Root, de.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// walk reads every entry file under the requested segments. Files vanishing
// mid-walk are skipped.
func (s *Store) walk(ctx context.Context, segments store.SegmentSet, fn func(path string, e store.Entry) bool) error {
	dirs, err := s.dirs(segments)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		des, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrLoadFailed, err)
		}
		for _, de := range des {
			if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, de.Name())
			e, err := s.read(path)
			if err != nil {
				return err
			}
			if e == nil {
				continue
			}
			if !fn(path, *e) {
				return nil
			}
		}
	}
	return nil
}

func (s *Store) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.Map(s.PublishEntries(segments, filter, false, false), func(e store.Entry) []byte { return e.Key })
}

func (s *Store) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		now := s.now()
		return s.walk(ctx, segments, func(_ string, e store.Entry) bool {
			if e.IsExpired(now) || !filter.Accept(e.Key) {
				return true
			}
			return yield(e.Project(fetchValue, fetchMetadata))
		})
	})
}

func (s *Store) Purge() store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		if s.cfg.ReadOnly {
			return nil
		}
		now := s.now()
		var rmErr error
		err := s.walk(ctx, store.SegmentSet{}, func(path string, e store.Entry) bool {
			if !e.IsExpired(now) {
				return true
			}
			if err := os.Remove(path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return true
				}
				rmErr = fmt.Errorf("file store: purge: %w", err)
				return false
			}
			return yield(e)
		})
		if rmErr != nil {
			return rmErr
		}
		return err
	})
}

func (s *Store) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	return s.PublishKeys(segments, nil).Count(ctx)
}

func (s *Store) AddSegments(_ context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented || s.cfg.ReadOnly {
		return nil
	}
	for _, seg := range segments.Slice() {
		if err := os.MkdirAll(s.dir(seg), 0o755); err != nil {
			return fmt.Errorf("file store: add segment %d: %w", seg, err)
		}
	}
	return nil
}

func (s *Store) RemoveSegments(_ context.Context, segments store.SegmentSet) error {
	if !s.cfg.Segmented || s.cfg.ReadOnly {
		return nil
	}
	for _, seg := range segments.Slice() {
		if err := os.RemoveAll(s.dir(seg)); err != nil {
			return fmt.Errorf("file store: remove segment %d: %w", seg, err)
		}
	}
	return nil
}

// CheckAvailable reports whether the root directory is reachable.
func (s *Store) CheckAvailable(context.Context) bool {
	fi, err := os.Stat(s.cfg.Root)
	return err == nil && fi.IsDir()
}

func (s *Store) Clear(context.Context) error {
	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	des, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("file store: clear: %w", err)
	}
	for _, de := range des {
		if err := os.RemoveAll(filepath.Join(s.cfg.Root, de.Name())); err != nil {
			return fmt.Errorf("file store: clear: %w", err)
		}
	}
	return nil
}
