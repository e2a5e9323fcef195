package spill

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreUnavailable is returned by modifications (and reads unless
	// degraded reads are allowed) while the aggregate availability is false.
	ErrStoreUnavailable = errors.New("spill: persistence unavailable")
	// ErrTimeout reports a bounded wait that expired, e.g. draining a
	// write-behind queue on stop.
	ErrTimeout = errors.New("spill: timeout")
	// ErrStopped is returned by operations on a stopped manager.
	ErrStopped = errors.New("spill: stopped")
	// ErrNotRunning is returned by operations before Start.
	ErrNotRunning = errors.New("spill: not running")
	// ErrCacheNonEmpty rejects adding a store to a cache that holds data
	// without a source to flush that data into the new store.
	ErrCacheNonEmpty = errors.New("spill: cache is not empty")
	ErrUnknownStore  = errors.New("spill: unknown store")
	ErrInvalidConfig = errors.New("spill: invalid configuration")

	errStopIteration = errors.New("stop iteration")
)

// PersistenceError wraps a backend fault with the store and operation that
// produced it.
type PersistenceError struct {
	Store string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("spill: %s on store %q: %v", e.Op, e.Store, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InitError reports a store that failed to start more often than its
// StartFailures allowance.
type InitError struct {
	Store    string
	Failures uint32
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("spill: store %q failed to start after %d attempts: %v", e.Store, e.Failures, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// FanOutError collects the failures of one operation applied to several
// stores. Errors holds them in store order; the first one is the primary cause.
type FanOutError struct {
	Op   string
	Errs []error
}

func (e *FanOutError) Error() string {
	switch len(e.Errs) {
	case 0:
		return fmt.Sprintf("spill: %s: unknown error", e.Op)
	case 1:
		return e.Errs[0].Error()
	}
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("spill: %s failed on %d stores: %s", e.Op, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *FanOutError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errs))
	for _, err := range e.Errs {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// joinFanOut returns nil when errs holds no error, the error itself when it
// holds one, and a *FanOutError otherwise.
func joinFanOut(op string, errs []error) error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return &FanOutError{Op: op, Errs: out}
}

func wrapStore(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) && pe.Store == name {
		return err
	}
	return &PersistenceError{Store: name, Op: op, Err: err}
}
