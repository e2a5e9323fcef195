// Package store defines the plugin contract every spill backend implements.
//
// A Store persists opaque key/value entries for the in-process cache. Keys and
// values are byte slices produced by the caller's codec; a store must never
// inspect them beyond byte equality. Segmented stores partition the keyspace by
// an integer segment supplied on every call, non-segmented stores ignore it and
// always answer across the whole keyspace.
//
// Implementations MUST be safe for concurrent use. Load returns (nil, nil) on a
// logical miss and reserves errors for real faults (I/O, codec, corruption).
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotStarted  = errors.New("store: not started")
	ErrReadOnly    = errors.New("store: read-only")
	ErrUnsupported = errors.New("store: operation not supported")
)

// Capability is a bit set of optional features a store declares. The
// orchestrator never calls an operation gated by a capability the store lacks.
type Capability uint32

const (
	// Segmentable stores keep data per segment and honour Add/RemoveSegments.
	Segmentable Capability = 1 << iota
	// BulkWrite stores implement BulkWrite/BulkDelete natively.
	BulkWrite
	// Expiration stores can enumerate expired entries through Purge.
	Expiration
	// Transactional is reserved; the core never uses it.
	Transactional
	// ReadOnly stores reject every modification.
	ReadOnly
	// Shareable stores may be used by several caches at once.
	Shareable
)

func (c Capability) Has(f Capability) bool { return c&f == f }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	names := []struct {
		f Capability
		n string
	}{
		{Segmentable, "segmentable"},
		{BulkWrite, "bulk_write"},
		{Expiration, "expiration"},
		{Transactional, "transactional"},
		{ReadOnly, "read_only"},
		{Shareable, "shareable"},
	}
	var parts []string
	for _, n := range names {
		if c.Has(n.f) {
			parts = append(parts, n.n)
		}
	}
	return strings.Join(parts, "|")
}

// Filter selects keys during iteration. A nil Filter accepts everything.
type Filter func(key []byte) bool

func (f Filter) Accept(key []byte) bool { return f == nil || f(key) }

// Store is the backend plugin contract.
type Store interface {
	// Start initializes the store. Calling Start on a started store is a no-op.
	Start(ctx context.Context) error
	// Stop releases resources. Safe to call repeatedly and from any goroutine.
	// Data on durable media is kept.
	Stop(ctx context.Context) error

	Capabilities() Capability

	// Load returns (nil, nil) when the key is absent or expired.
	Load(ctx context.Context, segment int, key []byte) (*Entry, error)
	// Write upserts e. Readers never observe a partially written entry.
	Write(ctx context.Context, segment int, e Entry) error
	// Delete reports whether a record existed.
	Delete(ctx context.Context, segment int, key []byte) (bool, error)

	// BulkWrite and BulkDelete stream their input; implementations must not
	// collect the whole batch in memory.
	BulkWrite(ctx context.Context, segment int, entries Seq[Entry]) error
	BulkDelete(ctx context.Context, segment int, keys Seq[[]byte]) error

	// PublishKeys and PublishEntries return cold sequences. An empty segment
	// set means every segment the store holds.
	PublishKeys(segments SegmentSet, filter Filter) Seq[[]byte]
	PublishEntries(segments SegmentSet, filter Filter, fetchValue, fetchMetadata bool) Seq[Entry]

	// Purge removes expired entries and yields them. Stores without the
	// Expiration capability return an empty sequence.
	Purge() Seq[Entry]

	// Size returns -1 when the count is unknown or unsupported.
	Size(ctx context.Context, segments SegmentSet) (int64, error)

	AddSegments(ctx context.Context, segments SegmentSet) error
	RemoveSegments(ctx context.Context, segments SegmentSet) error

	// CheckAvailable is a cheap liveness probe.
	CheckAvailable(ctx context.Context) bool

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// WriteEach applies entries one by one through s.Write. Stores without a
// native bulk path use it to implement BulkWrite.
func WriteEach(ctx context.Context, s Store, segment int, entries Seq[Entry]) error {
	return entries.ForEach(ctx, func(e Entry) error {
		return s.Write(ctx, segment, e)
	})
}

// DeleteEach is the per-key counterpart of WriteEach.
func DeleteEach(ctx context.Context, s Store, segment int, keys Seq[[]byte]) error {
	return keys.ForEach(ctx, func(k []byte) error {
		_, err := s.Delete(ctx, segment, k)
		return err
	})
}
