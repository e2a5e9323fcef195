// Package stores registers the bundled store backends with a spill.Registry
// under stable type identifiers.
package stores

import (
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/spill"
	"github.com/unkn0wn-root/spill/store"
	"github.com/unkn0wn-root/spill/store/bigcache"
	"github.com/unkn0wn-root/spill/store/file"
	"github.com/unkn0wn-root/spill/store/memory"
	"github.com/unkn0wn-root/spill/store/natskv"
	"github.com/unkn0wn-root/spill/store/postgres"
	"github.com/unkn0wn-root/spill/store/redis"
	"github.com/unkn0wn-root/spill/store/ristretto"
)

const (
	Memory    = "memory"
	File      = "file"
	Redis     = "redis"
	BigCache  = "bigcache"
	Ristretto = "ristretto"
	Postgres  = "postgres"
	NatsKV    = "natskv"
)

// Register adds the bundled backends to r.
func Register(r *spill.Registry) {
	r.Register(Memory, newMemory)
	r.Register(File, newFile)
	r.Register(Redis, newRedis)
	r.Register(BigCache, newBigCache)
	r.Register(Ristretto, newRistretto)
	r.Register(Postgres, newPostgres)
	r.Register(NatsKV, newNatsKV)
}

// NewRegistry returns a registry holding the bundled backends.
func NewRegistry() *spill.Registry {
	r := spill.NewRegistry()
	Register(r)
	return r
}

func newMemory(cfg spill.StoreConfig) (store.Store, error) {
	return memory.New(memory.Config{Segmented: cfg.Segmented, ReadOnly: cfg.ReadOnly}), nil
}

// properties: root (required)
func newFile(cfg spill.StoreConfig) (store.Store, error) {
	root, err := spill.Props(cfg.Properties).Require("root")
	if err != nil {
		return nil, err
	}
	return file.New(file.Config{Root: root, Segmented: cfg.Segmented, ReadOnly: cfg.ReadOnly})
}

// properties: addr (comma separated for a cluster), password, db, namespace,
// scan_count, pipeline_size. The store owns the client it builds.
func newRedis(cfg spill.StoreConfig) (store.Store, error) {
	p := spill.Props(cfg.Properties)
	db, err := p.Int("db", 0)
	if err != nil {
		return nil, err
	}
	scan, err := p.Int("scan_count", 0)
	if err != nil {
		return nil, err
	}
	pipe, err := p.Int("pipeline_size", 0)
	if err != nil {
		return nil, err
	}
	opts := &goredis.UniversalOptions{
		Addrs:    strings.Split(p.String("addr", "localhost:6379"), ","),
		Password: p.String("password", ""),
		DB:       int(db),
	}
	client := goredis.NewUniversalClient(opts)
	s, err := redis.New(redis.Config{
		Client:       client,
		CloseClient:  true,
		Dial:         func() goredis.UniversalClient { return goredis.NewUniversalClient(opts) },
		Namespace:    p.String("namespace", ""),
		Segmented:    cfg.Segmented,
		ReadOnly:     cfg.ReadOnly,
		ScanCount:    scan,
		PipelineSize: int(pipe),
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newBigCache(cfg spill.StoreConfig) (store.Store, error) {
	p := spill.Props(cfg.Properties)
	life, err := p.Duration("life_window", 0)
	if err != nil {
		return nil, err
	}
	clean, err := p.Duration("clean_window", 0)
	if err != nil {
		return nil, err
	}
	entries, err := p.Int("max_entries_in_window", 0)
	if err != nil {
		return nil, err
	}
	size, err := p.Int("max_entry_size", 0)
	if err != nil {
		return nil, err
	}
	hardMax, err := p.Int("hard_max_cache_size_mb", 0)
	if err != nil {
		return nil, err
	}
	return bigcache.New(bigcache.Config{
		LifeWindow:         life,
		CleanWindow:        clean,
		MaxEntriesInWindow: int(entries),
		MaxEntrySize:       int(size),
		HardMaxCacheSizeMB: int(hardMax),
	})
}

func newRistretto(cfg spill.StoreConfig) (store.Store, error) {
	p := spill.Props(cfg.Properties)
	counters, err := p.Int("num_counters", 1_000_000)
	if err != nil {
		return nil, err
	}
	maxCost, err := p.Int("max_cost", 64<<20)
	if err != nil {
		return nil, err
	}
	buffer, err := p.Int("buffer_items", 64)
	if err != nil {
		return nil, err
	}
	metrics, err := p.Bool("metrics", false)
	if err != nil {
		return nil, err
	}
	return ristretto.New(ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: buffer,
		Metrics:     metrics,
		Segmented:   cfg.Segmented,
	})
}

// properties: url (required), table, create_table, batch_size
func newPostgres(cfg spill.StoreConfig) (store.Store, error) {
	p := spill.Props(cfg.Properties)
	url, err := p.Require("url")
	if err != nil {
		return nil, err
	}
	create, err := p.Bool("create_table", true)
	if err != nil {
		return nil, err
	}
	batch, err := p.Int("batch_size", 0)
	if err != nil {
		return nil, err
	}
	return postgres.New(postgres.Config{
		URL:         url,
		Table:       p.String("table", ""),
		Segmented:   cfg.Segmented,
		ReadOnly:    cfg.ReadOnly,
		CreateTable: create,
		BatchSize:   int(batch),
	})
}

// properties: url (required), bucket, replicas
func newNatsKV(cfg spill.StoreConfig) (store.Store, error) {
	p := spill.Props(cfg.Properties)
	url, err := p.Require("url")
	if err != nil {
		return nil, err
	}
	replicas, err := p.Int("replicas", 0)
	if err != nil {
		return nil, err
	}
	return natskv.New(natskv.Config{
		URL:        url,
		BucketName: p.String("bucket", ""),
		Replicas:   int(replicas),
		Segmented:  cfg.Segmented,
		ReadOnly:   cfg.ReadOnly,
	})
}
