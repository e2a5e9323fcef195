package spill

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The manager calls them on hot paths.
type Hooks interface {
	// A store became available or unavailable. Emitted once per transition.
	StoreAvailabilityChanged(store string, available bool)

	// The aggregate availability over all non-optional stores changed.
	AvailabilityChanged(available bool)

	// A write-behind queue discarded modifications.
	// reason ∈ {"queue_full", "flush_failed", "stop_timeout"}
	ModificationsDropped(store string, count int, reason string)

	// A write-behind batch failed against its delegate. The batch is either
	// requeued or dropped, see ModificationsDropped.
	FlushFailed(store string, count int, err error)

	// An expired entry was removed from a store by PurgeExpired.
	EntryPurged(store string, key []byte)

	// A store error was tolerated, e.g. a failed optional store during a
	// degraded read.
	StoreError(store, op string, err error)

	// An entry moved from memory to the stores (err == nil) or failed to.
	Passivated(key string, err error)

	// An entry was activated from the stores back into memory.
	Activated(key string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) StoreAvailabilityChanged(string, bool)    {}
func (NopHooks) AvailabilityChanged(bool)                 {}
func (NopHooks) ModificationsDropped(string, int, string) {}
func (NopHooks) FlushFailed(string, int, error)           {}
func (NopHooks) EntryPurged(string, []byte)               {}
func (NopHooks) StoreError(string, string, error)         {}
func (NopHooks) Passivated(string, error)                 {}
func (NopHooks) Activated(string)                         {}

func hooksOrNop(h Hooks) Hooks {
	if h == nil {
		return NopHooks{}
	}
	return h
}
