// Package metrics exposes the client core's observational counters and
// gauges as Prometheus collectors (spec §4.4 statistics, §4.1 connection
// state). It never drives behavior — every component that updates these
// would behave identically with a no-op registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SyncStats holds the Sync Engine's read-only statistics counters
// (spec §4.4 "the engine publishes counters").
type SyncStats struct {
	DirectApplied prometheus.Counter
	BucketApplied prometheus.Counter
	Skipped       prometheus.Counter
	Duplicates    prometheus.Counter
	FetchCount    prometheus.Counter
	FetchFailures prometheus.Counter
	FetchTooLong  prometheus.Counter
	FollowUps     prometheus.Counter
}

// NewSyncStats creates and registers the Sync Engine counters against reg.
func NewSyncStats(reg prometheus.Registerer) *SyncStats {
	s := &SyncStats{
		DirectApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "direct_applied_total",
			Help: "Direct updates applied immediately from the realtime stream.",
		}),
		BucketApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "bucket_applied_total",
			Help: "Catch-up batches applied after a bucket fetch loop.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "skipped_total",
			Help: "Updates dropped during catch-up for not being in the whitelist.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "duplicates_total",
			Help: "Updates dropped for carrying a seq at or behind the bucket cursor.",
		}),
		FetchCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "fetch_total",
			Help: "getUpdates RPC calls issued.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "fetch_failures_total",
			Help: "getUpdates RPC calls that errored or timed out.",
		}),
		FetchTooLong: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "fetch_too_long_total",
			Help: "getUpdates responses with resultType=tooLong.",
		}),
		FollowUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "sync", Name: "follow_ups_total",
			Help: "Bucket fetch loops re-run because needsFetch was set mid-fetch.",
		}),
	}
	reg.MustRegister(
		s.DirectApplied, s.BucketApplied, s.Skipped, s.Duplicates,
		s.FetchCount, s.FetchFailures, s.FetchTooLong, s.FollowUps,
	)
	return s
}

// ConnectionStats tracks the Connection Manager's current state (spec §4.1)
// as a labeled gauge (1 for the current state, 0 for the others), plus a
// reconnect-attempt counter.
type ConnectionStats struct {
	State      *prometheus.GaugeVec
	Reconnects prometheus.Counter
}

// NewConnectionStats creates and registers the connection manager collectors
// against reg.
func NewConnectionStats(reg prometheus.Registerer) *ConnectionStats {
	c := &ConnectionStats{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "realtimeclient", Subsystem: "connection", Name: "state",
			Help: "1 for the connection manager's current state, 0 for all others.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtimeclient", Subsystem: "connection", Name: "reconnects_total",
			Help: "Transitions into backoff, counting each reconnect attempt.",
		}),
	}
	reg.MustRegister(c.State, c.Reconnects)
	return c
}

// allStates lists every state label so Observe can zero out the states the
// manager just left.
var allStates = []string{
	"stopped", "connectingTransport", "authenticating", "open",
	"backoff", "waitingForConstraints", "backgroundSuspended",
}

// Observe records a transition into state, zeroing every other label.
func (c *ConnectionStats) Observe(state string) {
	for _, s := range allStates {
		if s == state {
			c.State.WithLabelValues(s).Set(1)
		} else {
			c.State.WithLabelValues(s).Set(0)
		}
	}
	if state == "backoff" {
		c.Reconnects.Inc()
	}
}
