package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsWithRegistry_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.CircuitHops.Set(3)
	m.SessionsActive.Inc()
	m.SessionBytesTotal.WithLabelValues("a_to_b").Add(128)
	m.RelayConnectionsTotal.Inc()
	m.UDPDatagramsTotal.WithLabelValues("inbound").Inc()
	m.UDPDatagramsDroppedTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range []string{
		"wireskip_circuit_hops",
		"wireskip_sessions_active",
		"wireskip_session_bytes_total",
		"wireskip_relay_connections_total",
		"wireskip_udp_datagrams_total",
		"wireskip_udp_datagrams_dropped_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance across calls")
	}
}
