package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSyncStatsCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSyncStats(reg)

	s.DirectApplied.Inc()
	s.DirectApplied.Inc()
	s.Duplicates.Inc()

	if got := counterValue(t, s.DirectApplied); got != 2 {
		t.Fatalf("DirectApplied = %v, want 2", got)
	}
	if got := counterValue(t, s.Duplicates); got != 1 {
		t.Fatalf("Duplicates = %v, want 1", got)
	}
}

func TestConnectionStatsObserveSetsExactlyOneState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewConnectionStats(reg)

	c.Observe("open")

	for _, s := range allStates {
		want := 0.0
		if s == "open" {
			want = 1.0
		}
		got := gaugeValue(t, c.State.WithLabelValues(s))
		if got != want {
			t.Fatalf("state %q = %v, want %v", s, got, want)
		}
	}
}

func TestConnectionStatsCountsReconnectOnBackoff(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewConnectionStats(reg)

	c.Observe("backoff")
	c.Observe("open")
	c.Observe("backoff")

	if got := counterValue(t, c.Reconnects); got != 2 {
		t.Fatalf("Reconnects = %v, want 2", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}
