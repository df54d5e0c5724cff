// Package metrics provides Prometheus metrics for wireskip's join and host
// processes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wireskip"

// Metrics contains all Prometheus metrics exposed by a join or host process.
type Metrics struct {
	// CircuitHops is set once after BuildCircuit succeeds (join only).
	CircuitHops prometheus.Gauge

	// SessionsActive tracks concurrently tunneled SOCKS sessions (join) or
	// relayed connections (host).
	SessionsActive prometheus.Gauge
	// SessionBytesTotal accumulates splice byte counts, labeled by direction.
	SessionBytesTotal *prometheus.CounterVec

	// RelayConnectionsTotal counts accepted HTTP/2 connections (host).
	RelayConnectionsTotal prometheus.Counter

	// UDPDatagramsTotal and UDPDatagramsDroppedTotal track capsule relay
	// throughput and oversize-datagram drops.
	UDPDatagramsTotal        *prometheus.CounterVec
	UDPDatagramsDroppedTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// so tests and multiple in-process instances don't collide on the default
// registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CircuitHops: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_hops",
			Help:      "Number of hops in the built circuit",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active tunneled sessions",
		}),
		SessionBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_bytes_total",
			Help:      "Total bytes spliced, by direction",
		}, []string{"direction"}),
		RelayConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connections_total",
			Help:      "Total HTTP/2 connections accepted by a relay",
		}),
		UDPDatagramsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "Total UDP datagrams relayed, by direction",
		}, []string{"direction"}),
		UDPDatagramsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total oversize UDP datagrams dropped",
		}),
	}
}
