// Package routing computes and applies measurement routes: the dependency
// chain resolver decides which connect-on-demand adapters must run to satisfy
// signal demand, the table calculator debounces recalculation requests and
// patches the route map with producer/consumer diffs, and the mapping table
// strategies deliver dispatched batches to subscribed consumers.
package routing

import (
	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/measurement"
)

// Diff is the change in a producer or consumer set between two
// recalculation runs.
type Diff struct {
	Added   []adapter.Adapter
	Removed []adapter.Adapter
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// MappingTable is the pluggable route map strategy. The calculator drives it
// through this contract and never inspects its internals.
type MappingTable interface {
	// Initialize wires the status and error reporting callbacks.
	Initialize(status adapter.StatusFunc, onError adapter.ErrorFunc) error

	// PatchRoutingTable applies producer and consumer membership diffs and
	// refreshes subscriptions for the consumers that remain.
	PatchRoutingTable(producers, consumers Diff) error

	// InjectMeasurements delivers a batch to every subscribed consumer.
	InjectMeasurements(sender adapter.Adapter, batch []measurement.Measurement)

	// RouteCount returns the number of live routes, for status reporting.
	RouteCount() int
}

// subscriptionKeys returns the key set a consumer is subscribed to: the
// resolver-narrowed requested keys when assigned, the configured input keys
// otherwise. nil means every signal; an empty non-nil slice means none.
func subscriptionKeys(a adapter.Adapter) []measurement.Key {
	if requested := a.RequestedInputKeys(); requested != nil {
		return requested
	}
	return a.InputKeys()
}
