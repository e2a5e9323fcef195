package spill

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/spill/store"
)

// StoreConfig describes one element of the store chain.
type StoreConfig struct {
	// Name identifies the store in logs, hooks and errors. Empty names are
	// replaced by a UUIDv7.
	Name string `yaml:"name"`
	// Type is the registry identifier used by Registry.Build. Informational
	// when the store is constructed by hand.
	Type string `yaml:"type"`

	// Shared marks a backend used by several caches at once.
	Shared bool `yaml:"shared"`
	// Segmented routes operations by segment. Requires store.Segmentable.
	Segmented bool `yaml:"segmented"`
	// ReadOnly stores are never written, deleted, cleared or purged.
	ReadOnly bool `yaml:"read_only"`
	// Optional stores do not count toward the aggregate availability.
	Optional bool `yaml:"optional"`
	// PurgeOnStartup clears the store when the manager starts.
	PurgeOnStartup bool `yaml:"purge_on_startup"`
	// Preload streams the store's entries into memory at start.
	Preload bool `yaml:"preload"`
	// IgnoreModifications keeps the store out of writes and deletes; it is
	// still read.
	IgnoreModifications bool `yaml:"ignore_modifications"`
	// FetchPersistentState makes the store a source of Manager.StateTransfer.
	FetchPersistentState bool `yaml:"fetch_persistent_state"`

	Async AsyncConfig `yaml:"async"`

	// StartFailures is how many failed start attempts are tolerated before
	// Start gives up with an *InitError. A tolerated store begins
	// unavailable and is retried by the availability monitor.
	StartFailures uint32 `yaml:"start_failures"`
	// AvailabilityInterval is the probe period. Default 1s.
	AvailabilityInterval time.Duration `yaml:"availability_interval"`

	// Properties are passed to the store factory.
	Properties map[string]string `yaml:"properties"`
}

// StoreSpec pairs a configuration with its store.
type StoreSpec struct {
	Config StoreConfig
	Store  store.Store
}

// AccessMode selects stores by their Shared flag.
type AccessMode int

const (
	AccessBoth AccessMode = iota
	AccessPrivate
	AccessShared
)

func (m AccessMode) String() string {
	switch m {
	case AccessPrivate:
		return "private"
	case AccessShared:
		return "shared"
	default:
		return "both"
	}
}

func (m AccessMode) admits(shared bool) bool {
	switch m {
	case AccessPrivate:
		return !shared
	case AccessShared:
		return shared
	default:
		return true
	}
}

// storeHandle is a running chain element.
type storeHandle struct {
	cfg   StoreConfig
	st    store.Store // async wrapper when write-behind is enabled
	raw   store.Store
	async *AsyncStore
	caps  store.Capability
	log   Logger
}

func (h *storeHandle) name() string { return h.cfg.Name }

func (h *storeHandle) writable() bool {
	return !h.cfg.ReadOnly && !h.caps.Has(store.ReadOnly)
}

func (h *storeHandle) modifiable() bool {
	return h.writable() && !h.cfg.IgnoreModifications
}

// bestEffort reports whether the store takes modifications while unavailable,
// queueing or dropping them.
func (h *storeHandle) bestEffort() bool {
	return h.async != nil && h.cfg.Async.FailSilently
}

func (h *storeHandle) segmented() bool {
	return h.cfg.Segmented && h.caps.Has(store.Segmentable)
}

// owns reports whether the store takes operations on segment.
func (h *storeHandle) owns(owned store.SegmentSet, segment int) bool {
	return !h.segmented() || owned.Contains(segment)
}

// validateSpec checks one chain element in isolation and fills its name.
func validateSpec(spec *StoreSpec, passivation bool) error {
	if spec.Store == nil {
		return fmt.Errorf("%w: store %q is nil", ErrInvalidConfig, spec.Config.Name)
	}
	if spec.Config.Name == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("spill: name store: %w", err)
		}
		spec.Config.Name = id.String()
	}
	caps := spec.Store.Capabilities()
	if spec.Config.Segmented && !caps.Has(store.Segmentable) {
		return fmt.Errorf("%w: store %q is configured segmented but is not segmentable", ErrInvalidConfig, spec.Config.Name)
	}
	if passivation && spec.Config.Shared {
		return fmt.Errorf("%w: store %q is shared, which passivation does not allow", ErrInvalidConfig, spec.Config.Name)
	}
	if spec.Config.Shared && !caps.Has(store.Shareable) {
		return fmt.Errorf("%w: store %q is configured shared but is not shareable", ErrInvalidConfig, spec.Config.Name)
	}
	return nil
}

// validateChain validates every element and rejects duplicate names.
func validateChain(specs []StoreSpec, passivation bool) error {
	seen := make(map[string]struct{}, len(specs))
	for i := range specs {
		if err := validateSpec(&specs[i], passivation); err != nil {
			return err
		}
		name := specs[i].Config.Name
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate store name %q", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// orderedForRead returns private stores before shared ones, keeping the
// configured order within each group.
func orderedForRead(handles []*storeHandle) []*storeHandle {
	out := make([]*storeHandle, 0, len(handles))
	for _, h := range handles {
		if !h.cfg.Shared {
			out = append(out, h)
		}
	}
	for _, h := range handles {
		if h.cfg.Shared {
			out = append(out, h)
		}
	}
	return out
}
