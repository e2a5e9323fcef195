package spill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/spill/store"
	"github.com/unkn0wn-root/spill/store/memory"
)

type event struct {
	kind      string
	store     string
	available bool
	count     int
	reason    string
	key       string
}

// recHooks records every hook call.
type recHooks struct {
	NopHooks
	mu     sync.Mutex
	events []event
}

func (h *recHooks) add(e event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *recHooks) StoreAvailabilityChanged(s string, ok bool) {
	h.add(event{kind: "store_availability", store: s, available: ok})
}
func (h *recHooks) AvailabilityChanged(ok bool) {
	h.add(event{kind: "availability", available: ok})
}
func (h *recHooks) ModificationsDropped(s string, n int, reason string) {
	h.add(event{kind: "dropped", store: s, count: n, reason: reason})
}
func (h *recHooks) FlushFailed(s string, n int, _ error) {
	h.add(event{kind: "flush_failed", store: s, count: n})
}
func (h *recHooks) EntryPurged(s string, key []byte) {
	h.add(event{kind: "purged", store: s, key: string(key)})
}
func (h *recHooks) Passivated(key string, err error) {
	h.add(event{kind: "passivated", key: key, available: err == nil})
}
func (h *recHooks) Activated(key string) { h.add(event{kind: "activated", key: key}) }

func (h *recHooks) of(kind string) []event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []event
	for _, e := range h.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

var errInjected = errors.New("injected failure")

// flakyStore wraps a memory store with injectable faults.
type flakyStore struct {
	*memory.Store
	failStarts atomic.Int32 // remaining Start calls to fail
	failWrites atomic.Bool
	writeDelay time.Duration
	caps       store.Capability // overrides Capabilities when non-zero
	writeCalls atomic.Int64
	bulkCalls  atomic.Int64
	startCalls atomic.Int64
}

func newFlaky(segmented bool) *flakyStore {
	return &flakyStore{Store: memory.New(memory.Config{Segmented: segmented})}
}

func (f *flakyStore) Start(ctx context.Context) error {
	f.startCalls.Add(1)
	if f.failStarts.Load() > 0 {
		f.failStarts.Add(-1)
		return errInjected
	}
	return f.Store.Start(ctx)
}

func (f *flakyStore) Capabilities() store.Capability {
	if f.caps != 0 {
		return f.caps
	}
	return f.Store.Capabilities()
}

func (f *flakyStore) Write(ctx context.Context, segment int, e store.Entry) error {
	f.writeCalls.Add(1)
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}
	if f.failWrites.Load() {
		return errInjected
	}
	return f.Store.Write(ctx, segment, e)
}

func (f *flakyStore) BulkWrite(ctx context.Context, segment int, entries store.Seq[store.Entry]) error {
	f.bulkCalls.Add(1)
	if f.failWrites.Load() {
		return errInjected
	}
	return store.WriteEach(ctx, f, segment, entries)
}

func entry(key, value string) store.Entry {
	return store.NewEntry([]byte(key), []byte(value), nil)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
