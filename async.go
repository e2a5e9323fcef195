package spill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/spill/store"
)

// AsyncConfig configures the write-behind wrapper of one store.
type AsyncConfig struct {
	Enabled bool `yaml:"enabled"`
	// QueueSize bounds the number of distinct pending keys. A batch is cut as
	// soon as the queue is full. Default 100.
	QueueSize int `yaml:"queue_size"`
	// FlushInterval cuts a batch periodically. Default 100ms.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Workers bounds concurrent delegate calls while applying a batch. Default 4.
	Workers int `yaml:"workers"`
	// FailSilently drops modifications the delegate cannot take instead of
	// surfacing ErrStoreUnavailable and retaining them.
	FailSilently bool `yaml:"fail_silently"`
	// StopTimeout bounds the drain on Stop while the delegate is unavailable.
	// Default 30s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	c.QueueSize = coalesce(c.QueueSize, defaultQueueSize)
	c.FlushInterval = coalesce(c.FlushInterval, defaultFlushInterval)
	c.Workers = coalesce(c.Workers, defaultWorkers)
	c.StopTimeout = coalesce(c.StopTimeout, defaultStopTimeout)
	return c
}

type AsyncStats struct {
	Queued        int    // distinct keys waiting, including an in-flight batch
	Submitted     uint64 // modifications accepted
	Flushed       uint64 // modifications applied to the delegate
	Dropped       uint64 // modifications discarded
	FailedBatches uint64
}

type modification struct {
	segment int
	entry   store.Entry
	delete  bool
}

// AsyncStore is a write-behind wrapper around a store. Modifications are
// acknowledged once queued and applied to the delegate in batches by a
// single drain goroutine. Several modifications of one key coalesce into the
// last submitted one, which keeps the position of the first.
type AsyncStore struct {
	name     string
	delegate store.Store
	cfg      AsyncConfig
	log      Logger
	hooks    Hooks
	now      func() int64

	mu       sync.Mutex
	pending  map[string]modification
	order    []string
	inflight map[string]modification
	space    chan struct{} // closed and replaced whenever the queue shrinks
	running  bool
	kick     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc // aborts the batch the drain goroutine is applying

	// flushMu serializes batch application with Clear and RemoveSegments.
	flushMu sync.Mutex

	available atomic.Bool

	submitted, flushed, dropped, failedBatches atomic.Uint64
}

var _ store.Store = (*AsyncStore)(nil)

// NewAsyncStore wraps delegate. name identifies the store in logs and hooks.
func NewAsyncStore(name string, delegate store.Store, cfg AsyncConfig, log Logger, hooks Hooks) *AsyncStore {
	a := &AsyncStore{
		name:     name,
		delegate: delegate,
		cfg:      cfg.withDefaults(),
		log:      loggerOrNop(log).With(Fields{"store": name, "component": "write_behind"}),
		hooks:    hooksOrNop(hooks),
		now:      wallClock,
		pending:  make(map[string]modification),
		space:    make(chan struct{}),
	}
	a.available.Store(true)
	return a
}

// Delegate returns the wrapped store.
func (a *AsyncStore) Delegate() store.Store { return a.delegate }

func (a *AsyncStore) Start(ctx context.Context) error {
	if err := a.delegate.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.kick = make(chan struct{}, 1)
	a.quit = make(chan struct{})
	a.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(runCtx, a.kick, a.quit, a.done)
	return nil
}

func (a *AsyncStore) run(ctx context.Context, kick, quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(a.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
		case <-kick:
		}
		if a.available.Load() {
			_ = a.flushOnce(ctx)
		}
	}
}

func (a *AsyncStore) wake() {
	a.mu.Lock()
	kick := a.kick
	a.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// signalSpace wakes submitters blocked on a full queue. Caller holds a.mu.
func (a *AsyncStore) signalSpace() {
	close(a.space)
	a.space = make(chan struct{})
}

func (a *AsyncStore) submit(ctx context.Context, m modification) error {
	k := string(m.entry.Key)
	for {
		a.mu.Lock()
		if !a.running {
			a.mu.Unlock()
			return ErrStopped
		}
		if _, queued := a.pending[k]; queued || len(a.pending) < a.cfg.QueueSize {
			if !queued {
				a.order = append(a.order, k)
			}
			a.pending[k] = m
			full := len(a.pending) >= a.cfg.QueueSize
			a.mu.Unlock()
			a.submitted.Add(1)
			if full {
				a.wake()
			}
			return nil
		}
		space, quit := a.space, a.quit
		a.mu.Unlock()

		if !a.available.Load() {
			if a.cfg.FailSilently {
				a.dropped.Add(1)
				a.hooks.ModificationsDropped(a.name, 1, "queue_full")
				return nil
			}
			return ErrStoreUnavailable
		}
		a.wake()
		t := time.NewTimer(a.cfg.FlushInterval)
		select {
		case <-space:
		case <-t.C:
			// re-evaluate availability
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-quit:
			t.Stop()
			return ErrStopped
		}
		t.Stop()
	}
}

// flushOnce cuts the pending queue into one batch and applies it.
func (a *AsyncStore) flushOnce(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return nil
	}
	batch := make([]modification, 0, len(a.order))
	for _, k := range a.order {
		batch = append(batch, a.pending[k])
	}
	a.inflight = a.pending
	a.pending = make(map[string]modification)
	a.order = nil
	a.signalSpace()
	a.mu.Unlock()

	err := a.apply(ctx, batch)

	a.mu.Lock()
	a.inflight = nil
	if err != nil && !a.cfg.FailSilently {
		// requeue ahead of anything submitted since, unless a newer
		// modification of the same key superseded it
		requeued := make([]string, 0, len(batch))
		for _, m := range batch {
			k := string(m.entry.Key)
			if _, newer := a.pending[k]; newer {
				continue
			}
			a.pending[k] = m
			requeued = append(requeued, k)
		}
		a.order = append(requeued, a.order...)
	}
	a.mu.Unlock()

	if err == nil {
		a.flushed.Add(uint64(len(batch)))
		return nil
	}
	a.failedBatches.Add(1)
	a.hooks.FlushFailed(a.name, len(batch), err)
	if a.cfg.FailSilently {
		a.dropped.Add(uint64(len(batch)))
		a.hooks.ModificationsDropped(a.name, len(batch), "flush_failed")
		a.log.Warn("write-behind batch dropped", Fields{"count": len(batch), "err": err})
		return err
	}
	if a.available.Swap(false) {
		a.log.Warn("write-behind delegate unavailable, batch requeued", Fields{"count": len(batch), "err": err})
	}
	return err
}

type segmentBatch struct {
	writes  []store.Entry
	deletes [][]byte
}

func (a *AsyncStore) apply(ctx context.Context, batch []modification) error {
	groups := make(map[int]*segmentBatch)
	for _, m := range batch {
		g := groups[m.segment]
		if g == nil {
			g = &segmentBatch{}
			groups[m.segment] = g
		}
		if m.delete {
			g.deletes = append(g.deletes, m.entry.Key)
		} else {
			g.writes = append(g.writes, m.entry)
		}
	}
	segs := make([]int, 0, len(groups))
	for seg := range groups {
		segs = append(segs, seg)
	}
	sort.Ints(segs)

	bulk := a.delegate.Capabilities().Has(store.BulkWrite)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, seg := range segs {
		sb := groups[seg]
		if bulk {
			if len(sb.writes) > 0 {
				g.Go(func() error { return a.delegate.BulkWrite(gctx, seg, store.FromSlice(sb.writes)) })
			}
			if len(sb.deletes) > 0 {
				g.Go(func() error { return a.delegate.BulkDelete(gctx, seg, store.FromSlice(sb.deletes)) })
			}
			continue
		}
		for _, e := range sb.writes {
			g.Go(func() error { return a.delegate.Write(gctx, seg, e) })
		}
		for _, k := range sb.deletes {
			g.Go(func() error {
				_, err := a.delegate.Delete(gctx, seg, k)
				return err
			})
		}
	}
	return g.Wait()
}

// Stop drains the queue and stops the delegate. The drain, including a batch
// already in flight, is bounded by StopTimeout (or ctx); what is left is then
// discarded, which is an ErrTimeout unless FailSilently is set.
func (a *AsyncStore) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return a.delegate.Stop(ctx)
	}
	a.running = false
	close(a.quit)
	done, cancel := a.done, a.cancel
	a.kick, a.cancel = nil, nil
	a.mu.Unlock()

	dctx, stop := context.WithTimeout(ctx, a.cfg.StopTimeout)
	defer stop()
	select {
	case <-done:
	case <-dctx.Done():
		// the in-flight batch is requeued (or dropped) once its delegate
		// call observes the cancellation
		cancel()
		<-done
	}
	cancel()

	drainErr := a.drain(ctx, dctx)
	return errors.Join(drainErr, a.delegate.Stop(ctx))
}

// drain flushes what is left under dctx. parent is the caller's context; its
// cancellation is reported as the cause of an abandoned queue.
func (a *AsyncStore) drain(parent, dctx context.Context) error {
	for {
		a.mu.Lock()
		n := len(a.pending)
		a.mu.Unlock()
		if n == 0 {
			return nil
		}
		if dctx.Err() != nil {
			return a.abandon(parent.Err())
		}
		if a.available.Load() {
			if err := a.flushOnce(dctx); err == nil {
				continue
			}
		}
		t := time.NewTimer(a.cfg.FlushInterval)
		select {
		case <-dctx.Done():
			t.Stop()
			return a.abandon(parent.Err())
		case <-t.C:
			a.CheckAvailable(dctx)
		}
	}
}

func (a *AsyncStore) abandon(cause error) error {
	a.mu.Lock()
	n := len(a.pending)
	a.pending = make(map[string]modification)
	a.order = nil
	a.signalSpace()
	a.mu.Unlock()
	if n == 0 {
		return nil
	}
	a.dropped.Add(uint64(n))
	a.hooks.ModificationsDropped(a.name, n, "stop_timeout")
	a.log.Error("write-behind queue abandoned on stop", Fields{"count": n, "cause": cause})
	if a.cfg.FailSilently {
		return nil
	}
	if cause != nil {
		return fmt.Errorf("%w: %d modifications abandoned on store %q: %w", ErrTimeout, n, a.name, cause)
	}
	return fmt.Errorf("%w: %d modifications abandoned on store %q", ErrTimeout, n, a.name)
}

// Flush applies everything queued so far, waiting for the delegate if needed.
func (a *AsyncStore) Flush(ctx context.Context) error {
	for {
		a.mu.Lock()
		n := len(a.pending)
		a.mu.Unlock()
		if n == 0 {
			return nil
		}
		if !a.available.Load() {
			return ErrStoreUnavailable
		}
		if err := a.flushOnce(ctx); err != nil {
			return err
		}
	}
}

func (a *AsyncStore) Capabilities() store.Capability { return a.delegate.Capabilities() }

// overlay returns the queued modification for key. Pending wins over
// in-flight. Caller holds a.mu.
func (a *AsyncStore) overlay(key string) (modification, bool) {
	if m, ok := a.pending[key]; ok {
		return m, true
	}
	m, ok := a.inflight[key]
	return m, ok
}

func (a *AsyncStore) Load(ctx context.Context, segment int, key []byte) (*store.Entry, error) {
	a.mu.Lock()
	m, ok := a.overlay(string(key))
	a.mu.Unlock()
	if ok {
		if m.delete || m.entry.IsExpired(a.now()) {
			return nil, nil
		}
		e := m.entry
		return &e, nil
	}
	return a.delegate.Load(ctx, segment, key)
}

func (a *AsyncStore) Write(ctx context.Context, segment int, e store.Entry) error {
	return a.submit(ctx, modification{segment: segment, entry: e})
}

// Delete queues the removal and reports whether the key was visible through
// the wrapper at submission time. Keys without a queued modification are
// looked up in the delegate even while it is marked unavailable; a failing
// lookup reports false.
func (a *AsyncStore) Delete(ctx context.Context, segment int, key []byte) (bool, error) {
	existed := false
	a.mu.Lock()
	m, ok := a.overlay(string(key))
	a.mu.Unlock()
	if ok {
		existed = !m.delete
	} else {
		e, err := a.delegate.Load(ctx, segment, key)
		existed = err == nil && e != nil
	}
	err := a.submit(ctx, modification{segment: segment, entry: store.Entry{Key: bytes.Clone(key)}, delete: true})
	return existed, err
}

func (a *AsyncStore) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	return entries.ForEach(ctx, func(e store.Entry) error {
		return a.submit(ctx, modification{segment: segment, entry: e})
	})
}

func (a *AsyncStore) BulkDelete(ctx context.Context, segment int, keys store.Seq[[]byte]) error {
	return keys.ForEach(ctx, func(k []byte) error {
		return a.submit(ctx, modification{segment: segment, entry: store.Entry{Key: bytes.Clone(k)}, delete: true})
	})
}

// snapshot merges pending and in-flight modifications for segments.
func (a *AsyncStore) snapshot(segments store.SegmentSet) map[string]modification {
	segmented := a.delegate.Capabilities().Has(store.Segmentable)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]modification, len(a.pending)+len(a.inflight))
	for _, src := range []map[string]modification{a.inflight, a.pending} {
		for k, m := range src {
			if segmented && !segments.IsEmpty() && !segments.Contains(m.segment) {
				continue
			}
			out[k] = m
		}
	}
	return out
}

func (a *AsyncStore) PublishKeys(segments store.SegmentSet, filter store.Filter) store.Seq[[]byte] {
	return store.Map(a.PublishEntries(segments, filter, false, false), func(e store.Entry) []byte { return e.Key })
}

// PublishEntries yields the delegate's entries with queued modifications
// applied on top.
func (a *AsyncStore) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		over := a.snapshot(segments)
		stopped := false
		err := a.delegate.PublishEntries(segments, filter, fetchValue, fetchMetadata).ForEach(ctx, func(e store.Entry) error {
			if _, shadowed := over[string(e.Key)]; shadowed {
				return nil
			}
			if !yield(e) {
				stopped = true
				return errStopIteration
			}
			return nil
		})
		if stopped {
			return nil
		}
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(over))
		for k := range over {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		now := a.now()
		for _, k := range keys {
			m := over[k]
			if m.delete || m.entry.IsExpired(now) || !filter.Accept(m.entry.Key) {
				continue
			}
			if !yield(m.entry.Project(fetchValue, fetchMetadata)) {
				return nil
			}
		}
		return nil
	})
}

func (a *AsyncStore) Purge() store.Seq[store.Entry] { return a.delegate.Purge() }

func (a *AsyncStore) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	if len(a.snapshot(segments)) == 0 {
		return a.delegate.Size(ctx, segments)
	}
	return a.PublishKeys(segments, nil).Count(ctx)
}

func (a *AsyncStore) AddSegments(ctx context.Context, segments store.SegmentSet) error {
	return a.delegate.AddSegments(ctx, segments)
}

// RemoveSegments discards queued modifications of the removed segments.
func (a *AsyncStore) RemoveSegments(ctx context.Context, segments store.SegmentSet) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.mu.Lock()
	order := a.order[:0]
	for _, k := range a.order {
		if segments.Contains(a.pending[k].segment) {
			delete(a.pending, k)
			continue
		}
		order = append(order, k)
	}
	a.order = order
	a.signalSpace()
	a.mu.Unlock()
	return a.delegate.RemoveSegments(ctx, segments)
}

// CheckAvailable probes the delegate and resumes draining on recovery.
func (a *AsyncStore) CheckAvailable(ctx context.Context) bool {
	ok := a.delegate.CheckAvailable(ctx)
	if was := a.available.Swap(ok); ok && !was {
		a.log.Info("write-behind delegate available, resuming drain", nil)
		a.wake()
	}
	return ok
}

func (a *AsyncStore) Clear(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.mu.Lock()
	a.pending = make(map[string]modification)
	a.order = nil
	a.signalSpace()
	a.mu.Unlock()
	return a.delegate.Clear(ctx)
}

func (a *AsyncStore) Stats() AsyncStats {
	a.mu.Lock()
	queued := len(a.pending) + len(a.inflight)
	a.mu.Unlock()
	return AsyncStats{
		Queued:        queued,
		Submitted:     a.submitted.Load(),
		Flushed:       a.flushed.Load(),
		Dropped:       a.dropped.Load(),
		FailedBatches: a.failedBatches.Load(),
	}
}
