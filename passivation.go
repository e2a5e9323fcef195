package spill

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/spill/internal/util"
	"github.com/unkn0wn-root/spill/store"
)

// PassivationState is where an entry currently lives.
type PassivationState int

const (
	Absent PassivationState = iota
	InMemory
	Passivated
	InFlightActivation
	InFlightPassivation
)

func (s PassivationState) String() string {
	switch s {
	case InMemory:
		return "in_memory"
	case Passivated:
		return "passivated"
	case InFlightActivation:
		return "activating"
	case InFlightPassivation:
		return "passivating"
	default:
		return "absent"
	}
}

// Passivator moves entries between the container and the stores. With
// passivation enabled an entry lives in exactly one of the two: Passivate
// writes it to the stores before dropping it from memory, Activate loads it
// back and deletes the stored copy, and a write into memory deletes a
// passivated copy first. Without passivation the stores hold a write-through
// copy, so Passivate mostly drops memory and Activate only loads.
//
// Transitions of one key are fenced by a striped lock; concurrent
// activations of one key share a single load.
type Passivator struct {
	container Container
	mgr       *Manager
	enabled   bool
	log       Logger
	hooks     Hooks

	stripes []sync.Mutex
	flight  singleflight.Group

	mu       sync.Mutex
	inflight map[string]PassivationState
}

func NewPassivator(container Container, mgr *Manager) *Passivator {
	return &Passivator{
		container: container,
		mgr:       mgr,
		enabled:   mgr.Passivation(),
		log:       mgr.log.With(Fields{"component": "passivation"}),
		hooks:     mgr.hooks,
		stripes:   make([]sync.Mutex, defaultLockStripes),
		inflight:  make(map[string]PassivationState),
	}
}

// Enabled reports whether the stores act as an overflow of memory.
func (p *Passivator) Enabled() bool { return p.enabled }

func (p *Passivator) lock(key string) func() {
	mu := &p.stripes[util.Stripe([]byte(key), len(p.stripes))]
	mu.Lock()
	return mu.Unlock
}

func (p *Passivator) mark(key string, s PassivationState) {
	p.mu.Lock()
	if s == Absent {
		delete(p.inflight, key)
	} else {
		p.inflight[key] = s
	}
	p.mu.Unlock()
}

// withKey runs fn while holding the key's transition lock.
func (p *Passivator) withKey(key string, fn func() error) error {
	defer p.lock(key)()
	return fn()
}

// Passivate moves key out of memory. With passivation enabled the entry is
// written to the stores first and stays in memory if that fails. Expired
// entries are dropped without being written.
func (p *Passivator) Passivate(ctx context.Context, key string) error {
	defer p.lock(key)()
	return p.passivateLocked(ctx, key)
}

func (p *Passivator) passivateLocked(ctx context.Context, key string) error {
	e, ok := p.container.Get(key)
	if !ok {
		return nil
	}
	if e.IsExpired(p.mgr.now()) {
		p.container.Remove(key)
		return nil
	}
	if !p.enabled {
		return p.evictLocked(ctx, key, e)
	}

	p.mark(key, InFlightPassivation)
	defer p.mark(key, Absent)
	err := p.mgr.WriteToAllStores(ctx, e, p.mgr.segmentOf(e.Key), AccessBoth)
	p.hooks.Passivated(key, err)
	if err != nil {
		p.log.Warn("passivation failed, entry kept in memory", Fields{"key": key, "err": err})
		return err
	}
	p.container.Remove(key)
	return nil
}

// evictLocked drops a write-through entry from memory. Reads refresh the idle
// clock of the memory copy only, so an entry with a max idle time is written
// through once more to carry its last use into the stores.
func (p *Passivator) evictLocked(ctx context.Context, key string, e store.Entry) error {
	if e.Metadata != nil && e.Metadata.MaxIdleMillis >= 0 {
		if err := p.mgr.WriteToAllStores(ctx, e, p.mgr.segmentOf(e.Key), AccessBoth); err != nil {
			p.log.Warn("idle refresh failed, entry kept in memory", Fields{"key": key, "err": err})
			return err
		}
	}
	p.container.Remove(key)
	return nil
}

// claimLocked prepares key for a write into memory. With passivation enabled
// a passivated copy is deleted from the stores, so the new value does not sit
// next to a stale one.
func (p *Passivator) claimLocked(ctx context.Context, key string) {
	if !p.enabled {
		return
	}
	if _, ok := p.container.Get(key); ok {
		return
	}
	k := []byte(key)
	if _, err := p.mgr.Delete(ctx, k, p.mgr.segmentOf(k), AccessBoth); err != nil {
		p.log.Warn("delete of passivated copy failed", Fields{"key": key, "err": err})
	}
}

// Activate returns the entry of key, loading it into memory from the stores
// when it is not there. With passivation enabled the stored copy is deleted
// once the entry is in memory. Expired stored entries are deleted and
// reported as a miss.
func (p *Passivator) Activate(ctx context.Context, key string) (store.Entry, bool, error) {
	if e, ok := p.container.Get(key); ok {
		return e, true, nil
	}
	v, err, _ := p.flight.Do(key, func() (any, error) {
		defer p.lock(key)()
		return p.activateLocked(ctx, key)
	})
	if err != nil {
		return store.Entry{}, false, err
	}
	e, ok := v.(*store.Entry)
	if !ok || e == nil {
		return store.Entry{}, false, nil
	}
	return *e, true, nil
}

func (p *Passivator) activateLocked(ctx context.Context, key string) (*store.Entry, error) {
	if e, ok := p.container.Get(key); ok {
		return &e, nil
	}
	p.mark(key, InFlightActivation)
	defer p.mark(key, Absent)

	k := []byte(key)
	e, err := p.mgr.load(ctx, k, AccessBoth, true)
	if err != nil || e == nil {
		return nil, err
	}
	seg := p.mgr.segmentOf(k)
	if e.IsExpired(p.mgr.now()) {
		if _, err := p.mgr.Delete(ctx, k, seg, AccessBoth); err != nil {
			p.log.Debug("delete of expired entry failed", Fields{"key": key, "err": err})
		}
		return nil, nil
	}

	p.container.Put(key, *e)
	if p.enabled {
		if _, err := p.mgr.Delete(ctx, k, seg, AccessBoth); err != nil {
			// the entry is live in memory; a stale stored copy is shadowed
			// until the next passivation overwrites it
			p.log.Warn("delete after activation failed", Fields{"key": key, "err": err})
		}
	}
	p.hooks.Activated(key)
	return e, nil
}

// State reports where key currently lives. Telling Passivated from Absent
// takes a store lookup.
func (p *Passivator) State(ctx context.Context, key string) (PassivationState, error) {
	p.mu.Lock()
	s, ok := p.inflight[key]
	p.mu.Unlock()
	if ok {
		return s, nil
	}
	if _, ok := p.container.Get(key); ok {
		return InMemory, nil
	}
	e, err := p.mgr.Load(ctx, []byte(key))
	if err != nil {
		return Absent, err
	}
	if e == nil {
		return Absent, nil
	}
	return Passivated, nil
}

// PassivateAll passivates every entry in memory. It keeps going past
// failures and returns them joined.
func (p *Passivator) PassivateAll(ctx context.Context) (int, error) {
	if !p.enabled {
		return 0, nil
	}
	var errs []error
	n := 0
	for _, key := range p.container.Keys() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.Passivate(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		p.log.Warn("passivate all incomplete", Fields{"passivated": n, "failed": len(errs)})
	}
	return n, errors.Join(errs...)
}
