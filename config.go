package spill

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/spill/store"
)

// Config is the file form of Options.
type Config struct {
	Passivation        bool          `yaml:"passivation"`
	Segments           int           `yaml:"segments"`
	AllowDegradedReads bool          `yaml:"allow_degraded_reads"`
	Workers            int           `yaml:"workers"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	PurgeInterval      time.Duration `yaml:"purge_interval"`
	Stores             []StoreConfig `yaml:"stores"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("spill: read config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML configuration. Unknown fields are rejected.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for i, s := range cfg.Stores {
		if s.Type == "" {
			return Config{}, fmt.Errorf("%w: store %d has no type", ErrInvalidConfig, i)
		}
	}
	return cfg, nil
}

// Factory builds a store from its configuration.
type Factory func(cfg StoreConfig) (store.Store, error)

// Registry maps store type identifiers to factories. Shared stores are built
// once per name and handed out as the same *SharedStore, so several caches
// configured from one registry share the backend instance.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	shared    map[string]*SharedStore
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		shared:    make(map[string]*SharedStore),
	}
}

// Register adds or replaces the factory of typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Types lists the registered identifiers.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build constructs the store described by cfg.
func (r *Registry) Build(cfg StoreConfig) (store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.Shared && cfg.Name != "" {
		if s, ok := r.shared[cfg.Name]; ok {
			return s, nil
		}
	}
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown store type %q", ErrInvalidConfig, cfg.Type)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("spill: build %s store %q: %w", cfg.Type, cfg.Name, err)
	}
	if cfg.Shared && cfg.Name != "" {
		ss := NewSharedStore(s)
		r.shared[cfg.Name] = ss
		return ss, nil
	}
	return s, nil
}

// Options builds manager options from cfg. Logger, Hooks, SegmentOf and
// Clock are left for the caller to set.
func (cfg Config) Options(r *Registry) (Options, error) {
	opts := Options{
		Passivation:        cfg.Passivation,
		Segments:           cfg.Segments,
		AllowDegradedReads: cfg.AllowDegradedReads,
		Workers:            cfg.Workers,
		StopTimeout:        cfg.StopTimeout,
		PurgeInterval:      cfg.PurgeInterval,
	}
	for _, sc := range cfg.Stores {
		s, err := r.Build(sc)
		if err != nil {
			return Options{}, err
		}
		opts.Stores = append(opts.Stores, StoreSpec{Config: sc, Store: s})
	}
	return opts, nil
}

// Props reads typed values out of StoreConfig.Properties.
type Props map[string]string

func (p Props) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p Props) Require(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: property %q is required", ErrInvalidConfig, key)
	}
	return v, nil
}

func (p Props) Int(key string, def int64) (int64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: property %q: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}

func (p Props) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: property %q: %v", ErrInvalidConfig, key, err)
	}
	return b, nil
}

func (p Props) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: property %q: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}
