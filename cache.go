package spill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/spill/codec"
	"github.com/unkn0wn-root/spill/store"
)

type cache[V any] struct {
	codec      codec.Codec[V]
	mem        Container
	mgr        *Manager
	pas        *Passivator
	log        Logger
	defaultTTL time.Duration
}

var _ Cache[struct{}] = (*cache[struct{}])(nil)

func newCache[V any](opts CacheOptions[V]) (*cache[V], error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidConfig)
	}
	mgr, err := New(opts.Persistence)
	if err != nil {
		return nil, err
	}
	mem := opts.Container
	if mem == nil {
		mem = NewMapContainer()
	}
	return &cache[V]{
		codec:      opts.Codec,
		mem:        mem,
		mgr:        mgr,
		pas:        NewPassivator(mem, mgr),
		log:        mgr.log,
		defaultTTL: opts.DefaultTTL,
	}, nil
}

func (c *cache[V]) Manager() *Manager { return c.mgr }

// Start starts the store chain and preloads the stores marked Preload.
func (c *cache[V]) Start(ctx context.Context) error {
	if err := c.mgr.Start(ctx); err != nil {
		return err
	}
	_, err := c.mgr.Preload(ctx, func(e store.Entry) error {
		if e.IsTombstone() {
			return nil
		}
		c.mem.Put(string(e.Key), e)
		return nil
	})
	if err != nil {
		c.log.Warn("preload failed", Fields{"err": err})
		return errors.Join(err, c.mgr.Stop(ctx))
	}
	return nil
}

// Stop passivates what is left in memory when passivation is enabled, then
// stops the store chain.
func (c *cache[V]) Stop(ctx context.Context) error {
	var passErr error
	if c.pas.Enabled() && c.mgr.IsAvailable() {
		_, passErr = c.pas.PassivateAll(ctx)
	}
	return errors.Join(passErr, c.mgr.Stop(ctx))
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	now := c.mgr.now()
	e, ok := c.mem.Get(key)
	if ok && e.IsExpired(now) {
		c.expire(ctx, key)
		ok = false
	}
	if !ok {
		var err error
		e, ok, err = c.pas.Activate(ctx, key)
		if err != nil {
			return zero, false, err
		}
	}
	if !ok || e.IsTombstone() {
		return zero, false, nil
	}
	if e.Metadata != nil && e.Metadata.MaxIdleMillis >= 0 {
		e.Metadata = e.Metadata.Touch(now)
		_ = c.pas.withKey(key, func() error {
			if _, still := c.mem.Get(key); still {
				c.mem.Put(key, e)
			}
			return nil
		})
	}
	v, err := c.codec.Decode(e.Value)
	if err != nil {
		// treat as miss; the stored bytes are not a V
		c.log.Warn("decode failed, dropping entry", Fields{"key": key, "err": err})
		c.expire(ctx, key)
		return zero, false, nil
	}
	return v, true, nil
}

// expire removes an expired or unreadable entry everywhere.
func (c *cache[V]) expire(ctx context.Context, key string) {
	_ = c.pas.withKey(key, func() error {
		c.mem.Remove(key)
		k := []byte(key)
		if _, err := c.mgr.Delete(ctx, k, c.mgr.segmentOf(k), AccessBoth); err != nil {
			c.log.Debug("delete of expired entry failed", Fields{"key": key, "err": err})
		}
		return nil
	})
}

func (c *cache[V]) Put(ctx context.Context, key string, value V, ttl, maxIdle time.Duration) error {
	b, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	k := []byte(key)
	e := store.NewEntry(k, b, store.NewMetadata(c.mgr.now(), ttl, maxIdle))
	return c.pas.withKey(key, func() error {
		if !c.pas.Enabled() {
			if err := c.mgr.WriteToAllStores(ctx, e, c.mgr.segmentOf(k), AccessBoth); err != nil {
				return err
			}
		} else {
			c.pas.claimLocked(ctx, key)
		}
		c.mem.Put(key, e)
		return nil
	})
}

func (c *cache[V]) Evict(ctx context.Context, key string) error {
	return c.pas.Passivate(ctx, key)
}

func (c *cache[V]) Remove(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := c.pas.withKey(key, func() error {
		_, inMem := c.mem.Remove(key)
		k := []byte(key)
		stored, err := c.mgr.Delete(ctx, k, c.mgr.segmentOf(k), AccessBoth)
		removed = inMem || stored
		return err
	})
	return removed, err
}

func (c *cache[V]) Clear(ctx context.Context) error {
	c.mem.Clear()
	return c.mgr.Clear(ctx)
}

func (c *cache[V]) SizeEstimate(ctx context.Context) (int64, error) {
	inMem := int64(c.mem.Len())
	stored, err := c.mgr.Size(ctx, store.SegmentSet{})
	if err != nil {
		return inMem, err
	}
	if stored < 0 {
		return inMem, nil
	}
	if c.pas.Enabled() {
		return inMem + stored, nil
	}
	return max(inMem, stored), nil
}

func (c *cache[V]) State(ctx context.Context, key string) (PassivationState, error) {
	return c.pas.State(ctx, key)
}
