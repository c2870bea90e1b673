package feed

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the feed layer.
type Metrics struct {
	TicksReceived    prometheus.Counter
	Reconnects       prometheus.Counter
	Connected        prometheus.Gauge
	Subscribed       prometheus.Gauge
	TransportCalls   *prometheus.CounterVec
	SnapshotRequests *prometheus.CounterVec
	Resyncs          prometheus.Counter
}

// NewMetrics creates feed collectors and registers them with reg.
// A nil reg leaves the collectors unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "ticks_received_total",
			Help:      "Total number of ticks merged into the cache",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the feed connection is established",
		}),
		Subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "subscribed_instruments",
			Help:      "Instruments currently subscribed at the transport",
		}),
		TransportCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "transport_calls_total",
			Help:      "Subscribe and unsubscribe calls sent to the transport",
		}, []string{"op", "result"}),
		SnapshotRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "snapshot_requests_total",
			Help:      "Snapshot requests by result",
		}, []string{"result"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "feed",
			Name:      "visibility_resyncs_total",
			Help:      "Subscription replays triggered by the view becoming visible",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TicksReceived,
			m.Reconnects,
			m.Connected,
			m.Subscribed,
			m.TransportCalls,
			m.SnapshotRequests,
			m.Resyncs,
		)
	}
	return m
}
