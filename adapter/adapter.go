// Package adapter defines the adapter capability model for MeasureFlow.
//
// Adapters are the routable entities of the framework. Rather than a deep
// inheritance chain, the model is a small set of capability interfaces:
// Routable (identity + key-set demand surface used by the routing layer),
// Lifecycle (initialize/start/stop/dispose), Producer and Consumer. The four
// adapter roles compose these capabilities.
package adapter

import (
	"context"
	"time"

	"github.com/c360/measureflow/measurement"
)

// Role is the category of an adapter.
type Role string

// Adapter role constants.
const (
	RoleInput  Role = "input"
	RoleAction Role = "action"
	RoleOutput Role = "output"
	RoleFilter Role = "filter"
)

// String implements fmt.Stringer for Role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleInput, RoleAction, RoleOutput, RoleFilter:
		return true
	}
	return false
}

// State represents the current lifecycle state of an adapter.
type State int

const (
	// StateCreated indicates the adapter was constructed but not initialized
	StateCreated State = iota
	// StateInitialized indicates Initialize completed
	StateInitialized
	// StateStarted indicates the adapter is running
	StateStarted
	// StateStopped indicates the adapter was stopped
	StateStopped
	// StateFailed indicates a lifecycle operation failed
	StateFailed
)

// String returns a string representation of the adapter state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Routable is the surface every routed adapter exposes to the dependency
// resolver and routing-table calculator.
//
// Key-set conventions: a nil InputKeys or OutputKeys slice means the adapter
// wants or produces every signal. For the requested key sets, nil means "no
// restriction computed yet / all", while an empty non-nil slice means
// "explicitly nothing" — the resolver applies this convention uniformly.
type Routable interface {
	// ID is the process-unique numeric identity, stable for the adapter's life.
	ID() uint64

	// Name is the display name. Names are mutable; comparisons are
	// case-insensitive.
	Name() string
	SetName(name string)

	// AutoStart adapters run whenever initialized and are never touched by
	// connect-on-demand enable/disable logic.
	AutoStart() bool

	Initialized() bool

	Enabled() bool
	SetEnabled(enabled bool)

	InputKeys() []measurement.Key
	OutputKeys() []measurement.Key

	RequestedInputKeys() []measurement.Key
	SetRequestedInputKeys(keys []measurement.Key)
	RequestedOutputKeys() []measurement.Key
	SetRequestedOutputKeys(keys []measurement.Key)
}

// Lifecycle defines the unified adapter lifecycle:
//
//	Initialize() error                  // setup only, no I/O loops
//	Start(ctx context.Context) error    // begin producing/consuming
//	Stop(timeout time.Duration) error   // graceful stop
//	Dispose()                           // release resources, terminal
type Lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Dispose()
}

// Adapter is a routable entity with a managed lifecycle.
type Adapter interface {
	Routable
	Lifecycle
}

// PublishFunc receives a batch of newly produced measurements from sender.
type PublishFunc func(sender Adapter, batch []measurement.Measurement)

// Producer is implemented by adapters that emit measurement batches.
// The publish function is assigned by the owning collection before Start.
type Producer interface {
	SetPublishFunc(publish PublishFunc)
}

// Consumer is implemented by adapters that accept measurement batches.
// QueueMeasurements must not block beyond a simple enqueue; consumers buffer
// and process asynchronously. Filtering to subscribed keys is the consumer's
// own responsibility.
type Consumer interface {
	QueueMeasurements(batch []measurement.Measurement)
}

// InputAdapter produces measurements from an external source.
type InputAdapter interface {
	Adapter
	Producer
}

// OutputAdapter consumes measurements into an external sink.
type OutputAdapter interface {
	Adapter
	Consumer
}

// ActionAdapter consumes measurements and produces derived ones. The demand
// flags control whether connect-on-demand logic may auto-enable or disable
// the adapter based on downstream input demand or upstream output demand.
type ActionAdapter interface {
	Adapter
	Producer
	Consumer

	RespectInputDemands() bool
	RespectOutputDemands() bool
}

// FilterAdapter passes measurements through, dropping or rewriting some.
// Filters are lifecycle-managed like any adapter but do not participate in
// dependency-chain resolution.
type FilterAdapter interface {
	Adapter
	Producer
	Consumer
}
