package orders

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for order mutations.
type Metrics struct {
	Mutations  *prometheus.CounterVec
	Rejections *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

// NewMetrics creates mutation collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "orders",
			Name:      "mutations_total",
			Help:      "Order mutations by action and outcome",
		}, []string{"action", "outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terminal",
			Subsystem: "orders",
			Name:      "validation_rejections_total",
			Help:      "Local validation rejections by kind",
		}, []string{"kind"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "terminal",
			Subsystem: "orders",
			Name:      "mutation_duration_seconds",
			Help:      "Backend mutation call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	if reg != nil {
		reg.MustRegister(m.Mutations, m.Rejections, m.Latency)
	}
	return m
}
