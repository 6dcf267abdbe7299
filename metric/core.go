package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all framework-level metrics (not adapter-specific).
type Metrics struct {
	// Adapter lifecycle metrics
	AdapterStatus *prometheus.GaugeVec

	// Measurement flow metrics
	MeasurementsProduced *prometheus.CounterVec
	MeasurementsRouted   *prometheus.CounterVec
	MeasurementsDropped  *prometheus.CounterVec

	// Routing table metrics
	RoutingRecalculations prometheus.Counter
	RecalculationDuration prometheus.Histogram
	RouteCount            prometheus.Gauge

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all framework metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		AdapterStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "measureflow",
				Subsystem: "adapter",
				Name:      "status",
				Help:      "Adapter status (0=created, 1=initialized, 2=started, 3=stopped, 4=failed)",
			},
			[]string{"adapter"},
		),

		MeasurementsProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "measureflow",
				Subsystem: "measurements",
				Name:      "produced_total",
				Help:      "Total number of measurements produced",
			},
			[]string{"source"},
		),

		MeasurementsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "measureflow",
				Subsystem: "measurements",
				Name:      "routed_total",
				Help:      "Total number of measurements delivered to consumers",
			},
			[]string{"destination"},
		),

		MeasurementsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "measureflow",
				Subsystem: "measurements",
				Name:      "dropped_total",
				Help:      "Total number of measurements dropped on full consumer queues",
			},
			[]string{"destination"},
		),

		RoutingRecalculations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "measureflow",
				Subsystem: "routing",
				Name:      "recalculations_total",
				Help:      "Total number of routing table recalculations",
			},
		),

		RecalculationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "measureflow",
				Subsystem: "routing",
				Name:      "recalculation_seconds",
				Help:      "Time spent recalculating routing tables",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		RouteCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "measureflow",
				Subsystem: "routing",
				Name:      "routes",
				Help:      "Current number of routes in the mapping table",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "measureflow",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "measureflow",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnects",
			},
		),
	}
}

// collectors returns every core metric for bulk registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AdapterStatus,
		m.MeasurementsProduced,
		m.MeasurementsRouted,
		m.MeasurementsDropped,
		m.RoutingRecalculations,
		m.RecalculationDuration,
		m.RouteCount,
		m.NATSConnected,
		m.NATSReconnects,
	}
}
