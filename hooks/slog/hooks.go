// Package sloghooks logs persistence events with log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/spill"
)

type Options struct {
	// Sampling of high-volume events; 0 and 1 log all.
	PurgedEvery     uint64
	ActivationEvery uint64
	// Redact maps keys before they are logged. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	purgedCtr     atomic.Uint64
	activationCtr atomic.Uint64
}

var _ spill.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) StoreAvailabilityChanged(store string, available bool) {
	if h.l == nil {
		return
	}
	if available {
		h.l.Info("spill.store_available", "store", store)
		return
	}
	h.l.Warn("spill.store_unavailable", "store", store)
}

func (h *Hooks) AvailabilityChanged(available bool) {
	if h.l == nil {
		return
	}
	if available {
		h.l.Info("spill.persistence_available")
		return
	}
	h.l.Error("spill.persistence_unavailable")
}

func (h *Hooks) ModificationsDropped(store string, count int, reason string) {
	if h.l == nil {
		return
	}
	h.l.Error("spill.modifications_dropped",
		"store", store,
		"count", count,
		"reason", reason)
}

func (h *Hooks) FlushFailed(store string, count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("spill.flush_failed",
		"store", store,
		"count", count,
		"err", err)
}

func (h *Hooks) EntryPurged(store string, key []byte) {
	if h.l == nil || !sample(h.opts.PurgedEvery, &h.purgedCtr) {
		return
	}
	h.l.Debug("spill.entry_purged",
		"store", store,
		"key", h.redact(string(key)))
}

func (h *Hooks) StoreError(store, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("spill.store_error",
		"store", store,
		"op", op,
		"err", err)
}

func (h *Hooks) Passivated(key string, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Warn("spill.passivation_failed", "key", h.redact(key), "err", err)
		return
	}
	if sample(h.opts.ActivationEvery, &h.activationCtr) {
		h.l.Debug("spill.passivated", "key", h.redact(key))
	}
}

func (h *Hooks) Activated(key string) {
	if h.l == nil || !sample(h.opts.ActivationEvery, &h.activationCtr) {
		return
	}
	h.l.Debug("spill.activated", "key", h.redact(key))
}
