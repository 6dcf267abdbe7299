// Package measureflow is a real-time measurement-routing framework.
//
// MeasureFlow wires pluggable adapters (input, action, output, filter) that
// produce, transform and consume time-stamped sensor measurements. A
// dynamically recalculated routing table connects producers to consumers,
// and a connect-on-demand dependency-chain resolver decides which adapters
// must be running to satisfy the signals currently in demand.
//
// The major packages are:
//
//   - measurement: measurement keys, values and key-set algebra
//   - adapter: adapter capability model, settings parsing and factory registry
//   - collection: the adapter lifecycle coordinator
//   - routing: dependency-chain resolution, routing-table calculation and dispatch
//   - pkg/lane: per-adapter FIFO operation lanes
//   - engine: the session composition root
//
// MeasureFlow is a library embedded in a larger host process; cmd/measureflow
// provides a minimal reference host.
package measureflow
