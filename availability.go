package spill

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/spill/store"
)

// AvailabilityState is the monitor's view of one store.
type AvailabilityState struct {
	Available           bool
	Started             bool
	ConsecutiveFailures uint32
	LastCheck           time.Time
}

type probeTarget struct {
	name     string
	st       store.Store
	optional bool
	interval time.Duration
	next     time.Time
	state    AvailabilityState
	probing  bool
}

// availabilityMonitor probes stores on one goroutine. Each store is probed
// when its own interval has elapsed; stores that never started are retried
// with Start instead of CheckAvailable. Transitions are reported exactly once.
type availabilityMonitor struct {
	log   Logger
	hooks Hooks

	mu        sync.Mutex
	targets   []*probeTarget
	aggregate bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAvailabilityMonitor(log Logger, hooks Hooks) *availabilityMonitor {
	return &availabilityMonitor{
		log:       log.With(Fields{"component": "availability"}),
		hooks:     hooks,
		aggregate: true,
	}
}

func (m *availabilityMonitor) add(name string, st store.Store, optional bool, interval time.Duration, state AvailabilityState) {
	m.mu.Lock()
	m.targets = append(m.targets, &probeTarget{
		name:     name,
		st:       st,
		optional: optional,
		interval: coalesce(interval, defaultAvailabilityInterval),
		next:     time.Now().Add(coalesce(interval, defaultAvailabilityInterval)),
		state:    state,
	})
	changed, agg := m.recomputeLocked()
	m.mu.Unlock()
	if changed {
		m.reportAggregate(agg)
	}
}

func (m *availabilityMonitor) remove(name string) {
	m.mu.Lock()
	out := m.targets[:0]
	for _, t := range m.targets {
		if t.name != name {
			out = append(out, t)
		}
	}
	m.targets = out
	changed, agg := m.recomputeLocked()
	m.mu.Unlock()
	if changed {
		m.reportAggregate(agg)
	}
}

// reset forgets every target. The monitor must be stopped.
func (m *availabilityMonitor) reset() {
	m.mu.Lock()
	m.targets = nil
	m.aggregate = true
	m.mu.Unlock()
}

func (m *availabilityMonitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	tick := time.Duration(0)
	for _, t := range m.targets {
		if tick == 0 || t.interval < tick {
			tick = t.interval
		}
	}
	tick = coalesce(tick, defaultAvailabilityInterval)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.probeDue(ctx, now)
			}
		}
	}()
}

func (m *availabilityMonitor) stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

func (m *availabilityMonitor) probeDue(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var due []*probeTarget
	for _, t := range m.targets {
		if !t.probing && !now.Before(t.next) {
			t.probing = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()
	for _, t := range due {
		m.probe(ctx, t)
	}
}

// probeAll checks every store immediately.
func (m *availabilityMonitor) probeAll(ctx context.Context) {
	m.probeDue(ctx, time.Now().Add(24*time.Hour*365))
}

func (m *availabilityMonitor) probe(ctx context.Context, t *probeTarget) {
	m.mu.Lock()
	started := t.state.Started
	m.mu.Unlock()

	var ok bool
	if started {
		ok = t.st.CheckAvailable(ctx)
	} else {
		err := t.st.Start(ctx)
		ok = err == nil
		if err != nil {
			m.log.Debug("store start retry failed", Fields{"store": t.name, "err": err})
		}
	}
	if ctx.Err() != nil {
		m.mu.Lock()
		t.probing = false
		m.mu.Unlock()
		return
	}
	m.record(t, ok, !started && ok)
}

// record applies a probe result and emits transitions.
func (m *availabilityMonitor) record(t *probeTarget, ok, justStarted bool) {
	m.mu.Lock()
	now := time.Now()
	t.probing = false
	t.next = now.Add(t.interval)
	t.state.LastCheck = now
	if justStarted {
		t.state.Started = true
	}
	changed := t.state.Available != ok
	t.state.Available = ok
	if ok {
		t.state.ConsecutiveFailures = 0
	} else {
		t.state.ConsecutiveFailures++
	}
	failures := t.state.ConsecutiveFailures
	aggChanged, agg := m.recomputeLocked()
	m.mu.Unlock()

	if changed {
		if ok {
			m.log.Info("store available", Fields{"store": t.name})
		} else {
			m.log.Warn("store unavailable", Fields{"store": t.name, "consecutive_failures": failures})
		}
		m.hooks.StoreAvailabilityChanged(t.name, ok)
	}
	if aggChanged {
		m.reportAggregate(agg)
	}
}

// recomputeLocked refreshes the aggregate: the AND over non-optional stores.
func (m *availabilityMonitor) recomputeLocked() (changed, available bool) {
	available = true
	for _, t := range m.targets {
		if !t.optional && !t.state.Available {
			available = false
			break
		}
	}
	changed = available != m.aggregate
	m.aggregate = available
	return changed, available
}

func (m *availabilityMonitor) reportAggregate(available bool) {
	if available {
		m.log.Info("persistence available", nil)
	} else {
		m.log.Warn("persistence unavailable", nil)
	}
	m.hooks.AvailabilityChanged(available)
}

func (m *availabilityMonitor) isAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregate
}

func (m *availabilityMonitor) state(name string) (AvailabilityState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.name == name {
			return t.state, true
		}
	}
	return AvailabilityState{}, false
}

func (m *availabilityMonitor) storeAvailable(name string) bool {
	s, ok := m.state(name)
	return ok && s.Available
}
