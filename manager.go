package spill

import (
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

const batchChunk = 256

const (
	stateNew int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// Options configure a Manager. Only Stores is required; an empty chain is
// valid and turns every operation into a no-op miss.
type Options struct {
	Stores []StoreSpec

	// Passivation makes the stores an overflow for evicted entries instead of
	// a write-through copy. Shared stores are rejected in this mode.
	Passivation bool

	Segments  int         // default 256
	SegmentOf SegmentFunc // default HashSegments(Segments)

	// AllowDegradedReads keeps reads working against the available stores
	// while the aggregate availability is false.
	AllowDegradedReads bool

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	Workers       int           // fan-out concurrency; default 4
	StopTimeout   time.Duration // wait for running operations on Stop; default 30s
	PurgeInterval time.Duration // 0 disables the scheduled purge

	Clock func() int64 // unix millis; default wall clock
}

// Manager coordinates the store chain of one cache.
type Manager struct {
	passivation bool
	degraded    bool
	workers     int
	stopTimeout time.Duration
	purgeEvery  time.Duration
	segmentOf   SegmentFunc
	now         func() int64
	log         Logger
	hooks       Hooks

	lifeMu sync.Mutex
	state  atomic.Int32

	mu     sync.RWMutex
	stores []*storeHandle
	owned  store.SegmentSet

	monitor *availabilityMonitor
	gate    gate

	purgeStop chan struct{}
	purgeDone chan struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Segments < 0 {
		return nil, fmt.Errorf("%w: negative segment count %d", ErrInvalidConfig, opts.Segments)
	}
	specs := append([]StoreSpec(nil), opts.Stores...)
	if err := validateChain(specs, opts.Passivation); err != nil {
		return nil, err
	}
	segments := coalesce(opts.Segments, defaultSegments)

	m := &Manager{
		passivation: opts.Passivation,
		degraded:    opts.AllowDegradedReads,
		workers:     coalesce(opts.Workers, defaultWorkers),
		stopTimeout: coalesce(opts.StopTimeout, defaultStopTimeout),
		purgeEvery:  opts.PurgeInterval,
		segmentOf:   opts.SegmentOf,
		now:         opts.Clock,
		log:         loggerOrNop(opts.Logger),
		hooks:       hooksOrNop(opts.Hooks),
		owned:       store.AllSegments(segments),
	}
	if m.segmentOf == nil {
		m.segmentOf = HashSegments(segments)
	}
	if m.now == nil {
		m.now = wallClock
	}
	m.monitor = newAvailabilityMonitor(m.log, m.hooks)
	for _, spec := range specs {
		m.stores = append(m.stores, m.newHandle(spec))
	}
	return m, nil
}

func (m *Manager) newHandle(spec StoreSpec) *storeHandle {
	h := &storeHandle{
		cfg:  spec.Config,
		raw:  spec.Store,
		st:   spec.Store,
		caps: spec.Store.Capabilities(),
		log:  m.log.With(Fields{"store": spec.Config.Name}),
	}
	if spec.Config.Async.Enabled {
		a := NewAsyncStore(spec.Config.Name, spec.Store, spec.Config.Async, m.log, m.hooks)
		a.now = m.now
		h.async = a
		h.st = a
	}
	return h
}

// Passivation reports whether the stores act as an overflow of memory.
func (m *Manager) Passivation() bool { return m.passivation }

// SegmentOf returns the segment of key.
func (m *Manager) SegmentOf(key []byte) int { return m.segmentOf(key) }

// Start starts every store in chain order. A store that fails to start is
// tolerated when its StartFailures allows it: it begins unavailable and the
// availability monitor keeps retrying. Otherwise Start stops the stores
// started so far and returns an *InitError. A stopped manager can be started
// again; the stores are restarted on the data they kept.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.state.Load() == stateRunning {
		return nil
	}
	m.monitor.reset()

	handles := m.snapshot()
	states := make([]AvailabilityState, len(handles))
	var started []*storeHandle
	for i, h := range handles {
		st, err := m.startStore(ctx, h)
		if err != nil {
			_ = m.stopHandles(ctx, started)
			return err
		}
		states[i] = st
		if st.Started {
			started = append(started, h)
		}
	}
	for i, h := range handles {
		m.monitor.add(h.name(), h.st, h.cfg.Optional, h.cfg.AvailabilityInterval, states[i])
	}
	m.gate.openGate()
	m.monitor.start()
	if m.purgeEvery > 0 {
		m.purgeStop = make(chan struct{})
		m.purgeDone = make(chan struct{})
		go m.purgeLoop(m.purgeStop, m.purgeDone)
	}
	m.state.Store(stateRunning)
	m.log.Info("persistence started", Fields{"stores": len(handles), "started": len(started), "passivation": m.passivation})
	return nil
}

func (m *Manager) startStore(ctx context.Context, h *storeHandle) (AvailabilityState, error) {
	if err := h.st.Start(ctx); err != nil {
		if h.cfg.StartFailures < 1 {
			return AvailabilityState{}, &InitError{Store: h.name(), Failures: 1, Err: err}
		}
		h.log.Warn("store failed to start, retrying in background", Fields{"err": err, "start_failures": h.cfg.StartFailures})
		return AvailabilityState{ConsecutiveFailures: 1, LastCheck: time.Now()}, nil
	}
	if h.cfg.PurgeOnStartup && h.writable() {
		if h.cfg.Shared {
			h.log.Warn("purge on startup skipped for shared store", nil)
		} else if err := h.st.Clear(ctx); err != nil {
			_ = h.st.Stop(ctx)
			return AvailabilityState{}, wrapStore(h.name(), "purge_on_startup", err)
		}
	}
	if h.segmented() {
		if err := h.st.AddSegments(ctx, m.ownedSegments()); err != nil {
			_ = h.st.Stop(ctx)
			return AvailabilityState{}, wrapStore(h.name(), "add_segments", err)
		}
	}
	return AvailabilityState{Available: true, Started: true, LastCheck: time.Now()}, nil
}

// Stop waits up to StopTimeout for running operations, then stops the stores
// in reverse chain order. Write-behind queues are drained by their own Stop.
// An operation still running at the deadline yields ErrTimeout; the stores
// are stopped regardless.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.state.Load() != stateRunning {
		return nil
	}
	m.state.Store(stateStopping)

	if m.purgeStop != nil {
		close(m.purgeStop)
		<-m.purgeDone
		m.purgeStop, m.purgeDone = nil, nil
	}
	gateErr := m.gate.close(ctx, m.stopTimeout)
	if gateErr != nil {
		m.log.Warn("operations still running at stop", Fields{"err": gateErr})
	}
	m.monitor.stop()

	var started []*storeHandle
	for _, h := range m.snapshot() {
		if st, ok := m.monitor.state(h.name()); ok && st.Started {
			started = append(started, h)
		}
	}
	stopErr := m.stopHandles(ctx, started)
	m.state.Store(stateStopped)
	m.log.Info("persistence stopped", nil)
	return errors.Join(gateErr, stopErr)
}

func (m *Manager) stopHandles(ctx context.Context, handles []*storeHandle) error {
	errs := make([]error, 0, len(handles))
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if err := h.st.Stop(ctx); err != nil {
			h.log.Error("store stop failed", Fields{"err": err})
			errs = append(errs, wrapStore(h.name(), "stop", err))
		}
	}
	return joinFanOut("stop", errs)
}

func (m *Manager) purgeLoop(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n, err := m.PurgeExpired(context.Background())
			if err != nil {
				m.log.Warn("scheduled purge failed", Fields{"err": err, "purged": n})
				continue
			}
			if n > 0 {
				m.log.Debug("scheduled purge", Fields{"purged": n})
			}
		}
	}
}

func (m *Manager) enter() error {
	if m.gate.enter() {
		return nil
	}
	if m.state.Load() == stateNew {
		return ErrNotRunning
	}
	return ErrStopped
}

func (m *Manager) snapshot() []*storeHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*storeHandle(nil), m.stores...)
}

func (m *Manager) ownedSegments() store.SegmentSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owned
}

func (m *Manager) started(h *storeHandle) bool {
	st, ok := m.monitor.state(h.name())
	return ok && st.Started
}

// targets returns the started stores admitted by mode and keep, in chain order.
func (m *Manager) targets(mode AccessMode, keep func(*storeHandle) bool) []*storeHandle {
	var out []*storeHandle
	for _, h := range m.snapshot() {
		if mode.admits(h.cfg.Shared) && m.started(h) && keep(h) {
			out = append(out, h)
		}
	}
	return out
}

// readable gates reads on the aggregate availability. It reports whether
// unavailable stores have to be skipped.
func (m *Manager) readable() (degraded bool, err error) {
	if m.monitor.isAvailable() {
		return false, nil
	}
	if !m.degraded {
		return false, ErrStoreUnavailable
	}
	return true, nil
}

func (m *Manager) readTargets(mode AccessMode, degraded bool, keep func(*storeHandle) bool) []*storeHandle {
	return orderedForRead(m.targets(mode, func(h *storeHandle) bool {
		if degraded && !m.monitor.storeAvailable(h.name()) {
			return false
		}
		return keep(h)
	}))
}

// tolerate decides what a store failure means for the caller. Failures of
// optional stores are reported through hooks and swallowed.
func (m *Manager) tolerate(h *storeHandle, op string, err error) error {
	if h.cfg.Optional {
		m.hooks.StoreError(h.name(), op, err)
		h.log.Warn("optional store failed", Fields{"op": op, "err": err})
		return nil
	}
	return wrapStore(h.name(), op, err)
}

// fanOut applies fn to every target on the worker pool. A failing store does
// not stop the others; the failures are joined in chain order.
func (m *Manager) fanOut(ctx context.Context, op string, targets []*storeHandle, fn func(context.Context, *storeHandle) error) error {
	errs := make([]error, len(targets))
	if len(targets) == 1 {
		if err := fn(ctx, targets[0]); err != nil {
			errs[0] = m.tolerate(targets[0], op, err)
		}
		return joinFanOut(op, errs)
	}
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, h := range targets {
		g.Go(func() error {
			if err := fn(ctx, h); err != nil {
				errs[i] = m.tolerate(h, op, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return joinFanOut(op, errs)
}

// Load reads key from the stores, private before shared, first hit wins.
// A store error is returned only when no store hit and the failing store was
// the only candidate.
func (m *Manager) Load(ctx context.Context, key []byte) (*store.Entry, error) {
	return m.LoadFrom(ctx, key, AccessBoth)
}

// LoadFrom is Load restricted to the stores admitted by mode.
func (m *Manager) LoadFrom(ctx context.Context, key []byte, mode AccessMode) (*store.Entry, error) {
	return m.load(ctx, key, mode, false)
}

// load is Load that can return an expired hit, for callers that want to
// remove it.
func (m *Manager) load(ctx context.Context, key []byte, mode AccessMode, keepExpired bool) (*store.Entry, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.gate.leave()
	degraded, err := m.readable()
	if err != nil {
		return nil, err
	}
	segment := m.segmentOf(key)
	owned := m.ownedSegments()
	candidates := m.readTargets(mode, degraded, func(h *storeHandle) bool { return h.owns(owned, segment) })

	var firstErr error
	for _, h := range candidates {
		e, err := h.st.Load(ctx, segment, key)
		if err != nil {
			if terr := m.tolerate(h, "load", err); terr != nil && firstErr == nil {
				firstErr = terr
			}
			continue
		}
		if e == nil {
			continue
		}
		if e.IsExpired(m.now()) && !keepExpired {
			continue
		}
		return e, nil
	}
	if len(candidates) == 1 && firstErr != nil {
		return nil, firstErr
	}
	if firstErr != nil {
		m.log.Debug("load miss with store errors", Fields{"err": firstErr})
	}
	return nil, nil
}

func (m *Manager) requireAvailable() error {
	if !m.monitor.isAvailable() {
		return ErrStoreUnavailable
	}
	return nil
}

// requireModifiable gates modifications. Unlike requireAvailable it ignores
// write-behind stores that fail silently: they accept modifications while
// unavailable and drop what they cannot queue.
func (m *Manager) requireModifiable() error {
	if m.monitor.isAvailable() {
		return nil
	}
	for _, h := range m.snapshot() {
		if h.cfg.Optional || h.bestEffort() {
			continue
		}
		if !m.monitor.storeAvailable(h.name()) {
			return ErrStoreUnavailable
		}
	}
	return nil
}

// WriteToAllStores writes e to every modifiable store admitted by mode that
// owns segment.
func (m *Manager) WriteToAllStores(ctx context.Context, e store.Entry, segment int, mode AccessMode) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.gate.leave()
	if err := m.requireModifiable(); err != nil {
		return err
	}
	owned := m.ownedSegments()
	targets := m.targets(mode, func(h *storeHandle) bool { return h.modifiable() && h.owns(owned, segment) })
	return m.fanOut(ctx, "write", targets, func(ctx context.Context, h *storeHandle) error {
		return h.st.Write(ctx, segment, e)
	})
}

// Delete removes key from every modifiable store admitted by mode. It
// reports whether any of them held the key.
func (m *Manager) Delete(ctx context.Context, key []byte, segment int, mode AccessMode) (bool, error) {
	if err := m.enter(); err != nil {
		return false, err
	}
	defer m.gate.leave()
	if err := m.requireModifiable(); err != nil {
		return false, err
	}
	owned := m.ownedSegments()
	targets := m.targets(mode, func(h *storeHandle) bool { return h.modifiable() && h.owns(owned, segment) })
	var existed atomic.Bool
	err := m.fanOut(ctx, "delete", targets, func(ctx context.Context, h *storeHandle) error {
		ok, err := h.st.Delete(ctx, segment, key)
		if ok {
			existed.Store(true)
		}
		return err
	})
	return existed.Load(), err
}

// WriteBatch writes entries to every modifiable store admitted by mode. The
// sequence is consumed in bounded chunks grouped by segment.
func (m *Manager) WriteBatch(ctx context.Context, entries store.Seq[store.Entry], mode AccessMode) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.gate.leave()
	if err := m.requireModifiable(); err != nil {
		return err
	}
	targets := m.targets(mode, (*storeHandle).modifiable)
	if len(targets) == 0 {
		return nil
	}
	owned := m.ownedSegments()
	chunk := make(map[int][]store.Entry)
	n := 0
	flush := func() error {
		groups := chunk
		chunk, n = make(map[int][]store.Entry), 0
		return m.fanOut(ctx, "write_batch", targets, func(ctx context.Context, h *storeHandle) error {
			for _, seg := range sortedSegments(groups) {
				if !h.owns(owned, seg) {
					continue
				}
				if err := bulkWrite(ctx, h, seg, store.FromSlice(groups[seg])); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := entries.ForEach(ctx, func(e store.Entry) error {
		seg := m.segmentOf(e.Key)
		chunk[seg] = append(chunk[seg], e)
		if n++; n >= batchChunk {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return flush()
	}
	return nil
}

// DeleteBatch removes keys from every modifiable store admitted by mode.
func (m *Manager) DeleteBatch(ctx context.Context, keys store.Seq[[]byte], mode AccessMode) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.gate.leave()
	if err := m.requireModifiable(); err != nil {
		return err
	}
	targets := m.targets(mode, (*storeHandle).modifiable)
	if len(targets) == 0 {
		return nil
	}
	owned := m.ownedSegments()
	chunk := make(map[int][][]byte)
	n := 0
	flush := func() error {
		groups := chunk
		chunk, n = make(map[int][][]byte), 0
		return m.fanOut(ctx, "delete_batch", targets, func(ctx context.Context, h *storeHandle) error {
			for _, seg := range sortedSegments(groups) {
				if !h.owns(owned, seg) {
					continue
				}
				if err := bulkDelete(ctx, h, seg, store.FromSlice(groups[seg])); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := keys.ForEach(ctx, func(k []byte) error {
		seg := m.segmentOf(k)
		chunk[seg] = append(chunk[seg], k)
		if n++; n >= batchChunk {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return flush()
	}
	return nil
}

func bulkWrite(ctx context.Context, h *storeHandle, seg int, entries store.Seq[store.Entry]) error {
	if h.caps.Has(store.BulkWrite) {
		return h.st.BulkWrite(ctx, seg, entries)
	}
	return store.WriteEach(ctx, h.st, seg, entries)
}

func bulkDelete(ctx context.Context, h *storeHandle, seg int, keys store.Seq[[]byte]) error {
	if h.caps.Has(store.BulkWrite) {
		return h.st.BulkDelete(ctx, seg, keys)
	}
	return store.DeleteEach(ctx, h.st, seg, keys)
}

func sortedSegments[T any](groups map[int]T) []int {
	out := make([]int, 0, len(groups))
	for seg := range groups {
		out = append(out, seg)
	}
	sort.Ints(out)
	return out
}

// PublishKeys streams the keys of segments across the stores admitted by
// mode, each key once.
func (m *Manager) PublishKeys(segments store.SegmentSet, filter store.Filter, mode AccessMode) store.Seq[[]byte] {
	return store.Map(m.PublishEntries(segments, filter, false, false, mode), func(e store.Entry) []byte { return e.Key })
}

// PublishEntries streams the entries of segments across the stores admitted
// by mode. A key held by several stores is yielded from the first one in read
// order. Expired entries are skipped. An empty segments set means every owned
// segment.
func (m *Manager) PublishEntries(segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool, mode AccessMode) store.Seq[store.Entry] {
	return m.publish("publish", segments, filter, fetchValue, fetchMetadata, mode, func(*storeHandle) bool { return true })
}

// StateTransfer streams the entries held by the stores marked
// FetchPersistentState, for handing a segment range to another owner.
func (m *Manager) StateTransfer(segments store.SegmentSet) store.Seq[store.Entry] {
	return m.publish("state_transfer", segments, nil, true, true, AccessBoth, func(h *storeHandle) bool { return h.cfg.FetchPersistentState })
}

func (m *Manager) publish(op string, segments store.SegmentSet, filter store.Filter, fetchValue, fetchMetadata bool, mode AccessMode, keep func(*storeHandle) bool) store.Seq[store.Entry] {
	return store.NewSeq(func(ctx context.Context, yield func(store.Entry) bool) error {
		if err := m.enter(); err != nil {
			return err
		}
		defer m.gate.leave()
		degraded, err := m.readable()
		if err != nil {
			return err
		}
		owned := m.ownedSegments()
		want := segments
		if want.IsEmpty() {
			want = owned
		}
		seen := make(map[string]struct{})
		now := m.now()
		stopped := false
		for _, h := range m.readTargets(mode, degraded, keep) {
			segs := want
			if h.segmented() {
				segs = want.Intersect(owned)
				if segs.IsEmpty() {
					continue
				}
			}
			err := h.st.PublishEntries(segs, filter, fetchValue, true).ForEach(ctx, func(e store.Entry) error {
				k := string(e.Key)
				if _, dup := seen[k]; dup {
					return nil
				}
				if !h.segmented() && !want.Contains(m.segmentOf(e.Key)) {
					return nil
				}
				if e.IsExpired(now) {
					return nil
				}
				seen[k] = struct{}{}
				if !yield(e.Project(fetchValue, fetchMetadata)) {
					stopped = true
					return errStopIteration
				}
				return nil
			})
			if stopped {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				if terr := m.tolerate(h, op, err); terr != nil {
					return terr
				}
			}
		}
		return nil
	})
}

// Preload streams the entries of the stores marked Preload into sink, each
// key once. It returns the number of entries handed over.
func (m *Manager) Preload(ctx context.Context, sink func(store.Entry) error) (int, error) {
	seq := m.publish("preload", store.SegmentSet{}, nil, true, true, AccessBoth, func(h *storeHandle) bool { return h.cfg.Preload })
	n := 0
	err := seq.ForEach(ctx, func(e store.Entry) error {
		if err := sink(e); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.log.Info("preloaded entries", Fields{"count": n})
	}
	return n, nil
}

// PurgeExpired removes expired entries from the writable stores that manage
// expiration themselves and returns how many were purged.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.gate.leave()
	targets := m.targets(AccessBoth, func(h *storeHandle) bool {
		return h.writable() && h.caps.Has(store.Expiration) && m.monitor.storeAvailable(h.name())
	})
	var n atomic.Int64
	err := m.fanOut(ctx, "purge", targets, func(ctx context.Context, h *storeHandle) error {
		return h.st.Purge().ForEach(ctx, func(e store.Entry) error {
			n.Add(1)
			m.hooks.EntryPurged(h.name(), e.Key)
			return nil
		})
	})
	return int(n.Load()), err
}

// Size returns the first known entry count across the stores in read order,
// or -1 when no store can tell.
func (m *Manager) Size(ctx context.Context, segments store.SegmentSet) (int64, error) {
	if err := m.enter(); err != nil {
		return -1, err
	}
	defer m.gate.leave()
	degraded, err := m.readable()
	if err != nil {
		return -1, err
	}
	owned := m.ownedSegments()
	var firstErr error
	for _, h := range m.readTargets(AccessBoth, degraded, func(*storeHandle) bool { return true }) {
		n, err := m.storeSize(ctx, h, segments, owned)
		if err != nil {
			if terr := m.tolerate(h, "size", err); terr != nil && firstErr == nil {
				firstErr = terr
			}
			continue
		}
		if n >= 0 {
			return n, nil
		}
	}
	return -1, firstErr
}

func (m *Manager) storeSize(ctx context.Context, h *storeHandle, segments, owned store.SegmentSet) (int64, error) {
	if h.segmented() {
		if segments.IsEmpty() {
			segments = owned
		}
		return h.st.Size(ctx, segments.Intersect(owned))
	}
	if segments.IsEmpty() {
		return h.st.Size(ctx, segments)
	}
	return h.st.PublishKeys(store.SegmentSet{}, func(k []byte) bool {
		return segments.Contains(m.segmentOf(k))
	}).Count(ctx)
}

// Clear empties every modifiable store.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.gate.leave()
	if err := m.requireAvailable(); err != nil {
		return err
	}
	return m.fanOut(ctx, "clear", m.targets(AccessBoth, (*storeHandle).modifiable), func(ctx context.Context, h *storeHandle) error {
		return h.st.Clear(ctx)
	})
}

// Flush applies everything queued in write-behind stores.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.gate.leave()
	targets := m.targets(AccessBoth, func(h *storeHandle) bool { return h.async != nil })
	return m.fanOut(ctx, "flush", targets, func(ctx context.Context, h *storeHandle) error {
		return h.async.Flush(ctx)
	})
}

// FlushSource exposes the in-memory state a newly added store catches up with.
type FlushSource interface {
	Len() int
	Keys() []string
	Get(key string) (store.Entry, bool)
}

// AddStore appends a store to the running chain. When src holds entries they
// are written into the new store if flush is set; otherwise the store is
// rejected with ErrCacheNonEmpty, since it would miss them.
func (m *Manager) AddStore(ctx context.Context, spec StoreSpec, src FlushSource, flush bool) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	switch m.state.Load() {
	case stateNew:
		return ErrNotRunning
	case stateStopping, stateStopped:
		return ErrStopped
	}
	if err := validateSpec(&spec, m.passivation); err != nil {
		return err
	}
	for _, h := range m.snapshot() {
		if h.name() == spec.Config.Name {
			return fmt.Errorf("%w: duplicate store name %q", ErrInvalidConfig, spec.Config.Name)
		}
	}
	if src != nil && src.Len() > 0 && !flush {
		return ErrCacheNonEmpty
	}

	h := m.newHandle(spec)
	st, err := m.startStore(ctx, h)
	if err != nil {
		return err
	}
	if !st.Started {
		return &InitError{Store: h.name(), Failures: 1, Err: store.ErrNotStarted}
	}
	if flush && src != nil {
		if err := m.flushInto(ctx, h, src); err != nil {
			_ = h.st.Stop(ctx)
			return err
		}
	}

	m.mu.Lock()
	m.stores = append(m.stores, h)
	m.mu.Unlock()
	m.monitor.stop()
	m.monitor.add(h.name(), h.st, h.cfg.Optional, h.cfg.AvailabilityInterval, st)
	m.monitor.start()
	h.log.Info("store added", Fields{"flushed": flush && src != nil})
	return nil
}

func (m *Manager) flushInto(ctx context.Context, h *storeHandle, src FlushSource) error {
	if !h.modifiable() {
		return nil
	}
	owned := m.ownedSegments()
	now := m.now()
	for _, k := range src.Keys() {
		e, ok := src.Get(k)
		if !ok || e.IsExpired(now) {
			continue
		}
		seg := m.segmentOf(e.Key)
		if !h.owns(owned, seg) {
			continue
		}
		if err := h.st.Write(ctx, seg, e); err != nil {
			return wrapStore(h.name(), "flush", err)
		}
	}
	return nil
}

// DisableStore detaches the named store and stops it. A write-behind queue
// is drained before the store stops.
func (m *Manager) DisableStore(ctx context.Context, name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.mu.Lock()
	var h *storeHandle
	for i, s := range m.stores {
		if s.name() == name {
			h = s
			m.stores = append(m.stores[:i:i], m.stores[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	started := m.started(h)
	m.monitor.remove(name)
	if m.state.Load() == stateRunning && started {
		if err := h.st.Stop(ctx); err != nil {
			return wrapStore(name, "disable", err)
		}
	}
	h.log.Info("store disabled", nil)
	return nil
}

// AddSegments takes ownership of segments and forwards them to the
// segmented private stores.
func (m *Manager) AddSegments(ctx context.Context, segments store.SegmentSet) error {
	m.mu.Lock()
	m.owned = m.owned.Union(segments)
	m.mu.Unlock()
	if m.state.Load() != stateRunning {
		return nil
	}
	targets := m.targets(AccessPrivate, (*storeHandle).segmented)
	return m.fanOut(ctx, "add_segments", targets, func(ctx context.Context, h *storeHandle) error {
		return h.st.AddSegments(ctx, segments)
	})
}

// RemoveSegments releases segments. Segmented private stores drop their
// data; shared stores keep it for the new owner.
func (m *Manager) RemoveSegments(ctx context.Context, segments store.SegmentSet) error {
	m.mu.Lock()
	m.owned = m.owned.Difference(segments)
	m.mu.Unlock()
	if m.state.Load() != stateRunning {
		return nil
	}
	targets := m.targets(AccessPrivate, func(h *storeHandle) bool { return h.segmented() && h.writable() })
	return m.fanOut(ctx, "remove_segments", targets, func(ctx context.Context, h *storeHandle) error {
		return h.st.RemoveSegments(ctx, segments)
	})
}

// OwnedSegments returns the segments this manager currently owns.
func (m *Manager) OwnedSegments() store.SegmentSet { return m.ownedSegments() }

// IsAvailable reports the aggregate availability of the non-optional stores.
func (m *Manager) IsAvailable() bool { return m.monitor.isAvailable() }

func (m *Manager) StoreAvailability(name string) (AvailabilityState, error) {
	st, ok := m.monitor.state(name)
	if !ok {
		return AvailabilityState{}, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return st, nil
}

// Stores returns the configuration of the chain in order.
func (m *Manager) Stores() []StoreConfig {
	handles := m.snapshot()
	out := make([]StoreConfig, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.cfg)
	}
	return out
}

// AsyncStats returns the write-behind counters of the named store.
func (m *Manager) AsyncStats(name string) (AsyncStats, bool) {
	for _, h := range m.snapshot() {
		if h.name() == name && h.async != nil {
			return h.async.Stats(), true
		}
	}
	return AsyncStats{}, false
}
