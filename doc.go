// Package spill is the persistence layer of an embedded cache. Entries that
// leave memory spill to a chain of stores and are loaded back on demand.
//
// Components:
//   - store.Store: the backend contract (memory, file, Redis, BigCache,
//     Ristretto, Postgres, NATS KV) with capability flags.
//   - Manager: orchestrates the chain. It fans writes out to every eligible
//     store, reads private stores before shared ones, streams keys and
//     entries across stores, purges expired entries and tracks availability.
//   - AsyncStore: write-behind wrapper that coalesces modifications per key
//     and applies them in batches.
//   - Passivator: moves entries between the in-memory Container and the
//     stores. With passivation enabled an entry lives in exactly one of them.
//   - Cache[V]: typed front that encodes values with a codec.Codec[V].
//
// Stores are configured in code with StoreSpec or from YAML through a
// Registry; package stores registers the bundled backends:
//
//	cfg, _ := spill.LoadConfig("spill.yaml")
//	opts, _ := cfg.Options(stores.NewRegistry())
//	opts.Logger = spillzap.ZapLogger{L: logger}
//	c, _ := spill.NewCache(spill.CacheOptions[User]{Codec: codec.JSON[User]{}, Persistence: opts})
//	_ = c.Start(ctx)
//	defer c.Stop(ctx)
//
// Availability:
//
// Every store is probed on its AvailabilityInterval. While any non-optional
// store is unavailable, modifications fail with ErrStoreUnavailable; reads
// fail too unless AllowDegradedReads is set, in which case unavailable
// stores are skipped.
package spill
