// Package asynchook moves hook delivery off the persistence hot path.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{PurgedEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker, 1000 queued events
//	defer hooks.Close()
//
//	mgr, _ := spill.New(spill.Options{Stores: specs, Hooks: hooks})
//
// Events that find the queue full are dropped and counted.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/spill"
)

type Hooks struct {
	inner   spill.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ spill.Hooks = (*Hooks)(nil)

func New(inner spill.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped returns the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// send on the queue closed by a concurrent Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) StoreAvailabilityChanged(s string, ok bool) {
	h.try(func() { h.inner.StoreAvailabilityChanged(s, ok) })
}
func (h *Hooks) AvailabilityChanged(ok bool) { h.try(func() { h.inner.AvailabilityChanged(ok) }) }
func (h *Hooks) ModificationsDropped(s string, n int, reason string) {
	h.try(func() { h.inner.ModificationsDropped(s, n, reason) })
}
func (h *Hooks) FlushFailed(s string, n int, err error) {
	h.try(func() { h.inner.FlushFailed(s, n, err) })
}
func (h *Hooks) EntryPurged(s string, key []byte) {
	k := append([]byte(nil), key...)
	h.try(func() { h.inner.EntryPurged(s, k) })
}
func (h *Hooks) StoreError(s, op string, err error) {
	h.try(func() { h.inner.StoreError(s, op, err) })
}
func (h *Hooks) Passivated(key string, err error) { h.try(func() { h.inner.Passivated(key, err) }) }
func (h *Hooks) Activated(key string)             { h.try(func() { h.inner.Activated(key) }) }
