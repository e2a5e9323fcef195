package store

import (
	"bytes"
	"time"
)

// NoExpiry marks an unset lifespan or max-idle.
const NoExpiry int64 = -1

// Metadata carries expiration data for an entry. Times are unix milliseconds.
type Metadata struct {
	LifespanMillis int64 // -1 = immortal
	MaxIdleMillis  int64 // -1 = never idles out
	CreatedAt      int64
	LastUsed       int64
	Version        []byte // opaque, owned by the caller
}

// NewMetadata returns metadata created and last used at now.
func NewMetadata(now int64, lifespan, maxIdle time.Duration) *Metadata {
	m := &Metadata{
		LifespanMillis: NoExpiry,
		MaxIdleMillis:  NoExpiry,
		CreatedAt:      now,
		LastUsed:       now,
	}
	if lifespan > 0 {
		m.LifespanMillis = lifespan.Milliseconds()
	}
	if maxIdle > 0 {
		m.MaxIdleMillis = maxIdle.Milliseconds()
	}
	return m
}

// IsExpired reports whether the entry is expired at now.
func (m *Metadata) IsExpired(now int64) bool {
	if m == nil {
		return false
	}
	if m.LifespanMillis >= 0 && now >= m.CreatedAt+m.LifespanMillis {
		return true
	}
	if m.MaxIdleMillis >= 0 && now >= m.LastUsed+m.MaxIdleMillis {
		return true
	}
	return false
}

// ExpiryTime returns the earliest instant the entry expires, or -1.
func (m *Metadata) ExpiryTime() int64 {
	if m == nil {
		return -1
	}
	exp := int64(-1)
	if m.LifespanMillis >= 0 {
		exp = m.CreatedAt + m.LifespanMillis
	}
	if m.MaxIdleMillis >= 0 {
		idle := m.LastUsed + m.MaxIdleMillis
		if exp < 0 || idle < exp {
			exp = idle
		}
	}
	return exp
}

// Expires reports whether the metadata carries any expiration.
func (m *Metadata) Expires() bool {
	return m != nil && (m.LifespanMillis >= 0 || m.MaxIdleMillis >= 0)
}

// Touch returns a copy with LastUsed set to now.
func (m *Metadata) Touch(now int64) *Metadata {
	if m == nil {
		return nil
	}
	cp := m.clone()
	cp.LastUsed = now
	return cp
}

func (m *Metadata) clone() *Metadata {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Version = cloneBytes(m.Version)
	return &cp
}

// Entry is the unit a store persists. A nil Value with non-nil Metadata is a
// tombstone. Entries are immutable once built: constructors copy their input
// and callers must not modify the slices they read.
type Entry struct {
	Key              []byte
	Value            []byte
	Metadata         *Metadata
	InternalMetadata []byte
}

func NewEntry(key, value []byte, md *Metadata) Entry {
	v := cloneBytes(value)
	if v == nil {
		v = []byte{}
	}
	return Entry{Key: cloneBytes(key), Value: v, Metadata: md.clone()}
}

// NewTombstone builds a deletion marker. A nil md becomes immortal metadata.
func NewTombstone(key []byte, md *Metadata) Entry {
	if md == nil {
		md = &Metadata{LifespanMillis: NoExpiry, MaxIdleMillis: NoExpiry}
	}
	return Entry{Key: cloneBytes(key), Metadata: md.clone()}
}

// WithInternalMetadata returns a copy of e carrying internal metadata.
func (e Entry) WithInternalMetadata(im []byte) Entry {
	e.InternalMetadata = cloneBytes(im)
	return e
}

func (e Entry) IsTombstone() bool { return e.Value == nil && e.Metadata != nil }

func (e Entry) IsExpired(now int64) bool { return e.Metadata.IsExpired(now) }

// KeyString returns the key as a map-friendly string.
func (e Entry) KeyString() string { return string(e.Key) }

// Project drops the value and/or metadata according to the publish flags.
func (e Entry) Project(fetchValue, fetchMetadata bool) Entry {
	if !fetchValue {
		e.Value = nil
	}
	if !fetchMetadata {
		e.Metadata = nil
	}
	return e
}

// Equal compares keys, values and expiration metadata.
func (e Entry) Equal(o Entry) bool {
	if !bytes.Equal(e.Key, o.Key) || !bytes.Equal(e.Value, o.Value) {
		return false
	}
	if (e.Value == nil) != (o.Value == nil) {
		return false
	}
	if (e.Metadata == nil) != (o.Metadata == nil) {
		return false
	}
	if e.Metadata == nil {
		return true
	}
	a, b := e.Metadata, o.Metadata
	return a.LifespanMillis == b.LifespanMillis && a.MaxIdleMillis == b.MaxIdleMillis &&
		a.CreatedAt == b.CreatedAt && a.LastUsed == b.LastUsed && bytes.Equal(a.Version, b.Version)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
