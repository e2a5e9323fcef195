package spill

import (
	"context"
	"time"

	"github.com/unkn0wn-root/spill/codec"
)

// Cache is an in-process cache whose entries spill to the configured store
// chain. V is the caller's value type; values cross into the stores through
// a pluggable Codec[V].
type Cache[V any] interface {
	Start(context.Context) error
	Stop(context.Context) error

	// Get returns the value of key, activating it from the stores when it is
	// not in memory.
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	// Put stores value in memory and, unless passivation is enabled, in the
	// stores. ttl and maxIdle <= 0 fall back to DefaultTTL and no idle expiry.
	Put(ctx context.Context, key string, value V, ttl, maxIdle time.Duration) error
	// Evict drops key from memory. With passivation enabled it is written to
	// the stores first.
	Evict(ctx context.Context, key string) error
	// Remove deletes key from memory and from the stores.
	Remove(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	// SizeEstimate counts entries in memory and in the stores. Keys present
	// in both are counted once only when passivation keeps them disjoint.
	SizeEstimate(ctx context.Context) (int64, error)

	// State reports whether key is in memory, passivated or absent.
	State(ctx context.Context, key string) (PassivationState, error)
	Manager() *Manager
}

// CacheOptions configure a Cache. Codec is required.
type CacheOptions[V any] struct {
	Codec codec.Codec[V]

	// Persistence configures the store chain.
	Persistence Options

	Container  Container     // nil => NewMapContainer()
	DefaultTTL time.Duration // 0 => entries never expire unless Put says so
}

func NewCache[V any](opts CacheOptions[V]) (Cache[V], error) {
	return newCache[V](opts)
}
