// Package metric provides Prometheus-based metrics for MeasureFlow.
//
// The package offers a centralized, explicitly constructed metrics registry
// managing both core framework metrics (adapter status, measurement routing,
// recalculation timing) and caller-registered instruments. Nothing here is
// process-global: hosts construct a MetricsRegistry and inject it through
// adapter.Dependencies, which keeps independent sessions and tests isolated.
//
// Core metrics use the namespace "measureflow":
//
//   - measureflow_adapter_status{adapter=...}
//   - measureflow_measurements_routed_total{destination=...}
//   - measureflow_routing_recalculations_total
//   - measureflow_routing_recalculation_seconds
//   - measureflow_routing_routes
//
// A small HTTP server (Server) exposes the registry in Prometheus format for
// hosts that want scraping without wiring their own handler.
package metric
