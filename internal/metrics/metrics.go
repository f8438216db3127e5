// Package metrics holds the Prometheus collectors for discovery and
// reconciliation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "unipass"

// Metrics groups every collector the engine updates.
type Metrics struct {
	discoveryEvents   *prometheus.CounterVec
	peersForwarded    prometheus.Counter
	prefixResolutions *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
	pendingPeers      prometheus.Gauge
	edgesAdded        *prometheus.CounterVec
	storeRetries      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		discoveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "events_total",
			Help:      "Raw discovery events by transport and outcome.",
		}, []string{"transport", "outcome"}),
		peersForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "peers_forwarded_total",
			Help:      "Unique full identities handed to reconciliation.",
		}),
		prefixResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "prefix_resolutions_total",
			Help:      "Truncated identity lookups by result.",
		}, []string{"result"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by terminal outcome.",
		}, []string{"outcome"}),
		pendingPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pending_peers",
			Help:      "Peers waiting for the local profile or a retry.",
		}),
		edgesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "edges_added_total",
			Help:      "Friendship edges written, by direction.",
		}, []string{"direction"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Store operations re-attempted after a retryable failure.",
		}),
	}

	collectors := []prometheus.Collector{
		m.discoveryEvents, m.peersForwarded, m.prefixResolutions,
		m.reconciliations, m.pendingPeers, m.edgesAdded, m.storeRetries,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// DiscoveryEvent counts a raw event. Outcome is one of accepted, invalid,
// duplicate or unresolved.
func (m *Metrics) DiscoveryEvent(transport, outcome string) {
	if m == nil {
		return
	}
	m.discoveryEvents.WithLabelValues(transport, outcome).Inc()
}

// PeerForwarded counts a unique identity emitted by the deduplicator.
func (m *Metrics) PeerForwarded() {
	if m == nil {
		return
	}
	m.peersForwarded.Inc()
}

// PrefixResolution counts a truncated identity lookup.
func (m *Metrics) PrefixResolution(ok bool) {
	if m == nil {
		return
	}
	result := "resolved"
	if !ok {
		result = "failed"
	}
	m.prefixResolutions.WithLabelValues(result).Inc()
}

// Reconciliation counts a terminal reconciliation outcome.
func (m *Metrics) Reconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// PendingPeers sets the pending queue length.
func (m *Metrics) PendingPeers(n int) {
	if m == nil {
		return
	}
	m.pendingPeers.Set(float64(n))
}

// EdgeAdded counts an edge write; direction is local or reciprocal.
func (m *Metrics) EdgeAdded(direction string) {
	if m == nil {
		return
	}
	m.edgesAdded.WithLabelValues(direction).Inc()
}

// StoreRetry counts a retried store operation.
func (m *Metrics) StoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}
