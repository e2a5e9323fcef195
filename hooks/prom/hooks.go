// Package promhooks exports persistence events as Prometheus metrics.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/spill"
)

// Hooks counts persistence events. Register it once per process; the metrics
// carry the store name as a label, so several managers can share it.
type Hooks struct {
	storeAvailable *prometheus.GaugeVec   // 1 = available, by store
	available      prometheus.Gauge       // aggregate availability
	dropped        *prometheus.CounterVec // by store and reason
	flushFailed    *prometheus.CounterVec // failed batches, by store
	purged         *prometheus.CounterVec // by store
	storeErrors    *prometheus.CounterVec // tolerated errors, by store and op
	passivations   *prometheus.CounterVec // by result
	activations    prometheus.Counter
}

var _ spill.Hooks = (*Hooks)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Hooks, error) {
	if namespace == "" {
		namespace = "spill"
	}
	h := &Hooks{
		storeAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_available",
			Help:      "Store availability (1=available, 0=unavailable)",
		}, []string{"store"}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available",
			Help:      "Aggregate availability of the non-optional stores",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "dropped_modifications_total",
			Help:      "Write-behind modifications discarded",
		}, []string{"store", "reason"}),
		flushFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "failed_batches_total",
			Help:      "Write-behind batches the delegate rejected",
		}, []string{"store"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_entries_total",
			Help:      "Expired entries removed from stores",
		}, []string{"store"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store errors tolerated by the manager",
		}, []string{"store", "op"}),
		passivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passivations_total",
			Help:      "Entries moved from memory to the stores",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Entries loaded from the stores back into memory",
		}),
	}
	h.available.Set(1)

	for _, c := range []prometheus.Collector{
		h.storeAvailable, h.available, h.dropped, h.flushFailed,
		h.purged, h.storeErrors, h.passivations, h.activations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func gauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func (h *Hooks) StoreAvailabilityChanged(store string, available bool) {
	h.storeAvailable.WithLabelValues(store).Set(gauge(available))
}

func (h *Hooks) AvailabilityChanged(available bool) { h.available.Set(gauge(available)) }

func (h *Hooks) ModificationsDropped(store string, count int, reason string) {
	h.dropped.WithLabelValues(store, reason).Add(float64(count))
}

func (h *Hooks) FlushFailed(store string, _ int, _ error) {
	h.flushFailed.WithLabelValues(store).Inc()
}

func (h *Hooks) EntryPurged(store string, _ []byte) { h.purged.WithLabelValues(store).Inc() }

func (h *Hooks) StoreError(store, op string, _ error) {
	h.storeErrors.WithLabelValues(store, op).Inc()
}

func (h *Hooks) Passivated(_ string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.passivations.WithLabelValues(result).Inc()
}

func (h *Hooks) Activated(string) { h.activations.Inc() }
