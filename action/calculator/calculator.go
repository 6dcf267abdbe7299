// Package calculator provides an action adapter computing a derived
// measurement from the latest values of its input keys.
package calculator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

// TypeName is the registry name of the calculator action.
const TypeName = "calculator"

// Supported aggregate operations.
const (
	OpSum     = "sum"
	OpAverage = "average"
	OpMin     = "min"
	OpMax     = "max"
	OpRange   = "range"
)

// Register adds the calculator action to the registry.
func Register(registry *adapter.Registry) error {
	return registry.Register(adapter.Registration{
		Name:        TypeName,
		Role:        adapter.RoleAction,
		Description: "Aggregate calculation over input keys",
		Version:     "0.1.0",
		Factory:     New,
	})
}

// Action aggregates the most recent value of every input key into one derived
// measurement each time a batch arrives. Derived measurements re-enter the
// dispatcher like any produced batch and carry the CalculatedIn flag.
type Action struct {
	*adapter.Base

	operation  string
	outputKey  measurement.Key
	respectIn  bool
	respectOut bool
	logger     *slog.Logger

	lifecycleMu sync.Mutex
	running     bool

	mu     sync.Mutex
	latest map[measurement.Key]float64
}

// New constructs a calculator. Both key sets are required and the output set
// must name exactly one key.
func New(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}

	if len(base.InputKeys()) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: inputMeasurementKeys", errors.ErrMissingSetting),
			"Action", "New", "validate input keys")
	}
	if len(base.OutputKeys()) != 1 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("calculator %q needs exactly one output key, got %d", name, len(base.OutputKeys())),
			"Action", "New", "validate output keys")
	}

	operation := settings.String("operation", OpSum)
	switch operation {
	case OpSum, OpAverage, OpMin, OpMax, OpRange:
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown operation %q", operation),
			"Action", "New", "validate operation")
	}

	return &Action{
		Base:       base,
		operation:  operation,
		outputKey:  base.OutputKeys()[0],
		respectIn:  settings.Bool("respectInputDemands", true),
		respectOut: settings.Bool("respectOutputDemands", true),
		logger:     deps.AdapterLogger(adapter.RoleAction, name),
	}, nil
}

// RespectInputDemands reports whether upstream supply may auto-enable this
// action.
func (a *Action) RespectInputDemands() bool {
	return a.respectIn
}

// RespectOutputDemands reports whether downstream demand may auto-enable this
// action.
func (a *Action) RespectOutputDemands() bool {
	return a.respectOut
}

// Initialize allocates the value cache.
func (a *Action) Initialize() error {
	a.mu.Lock()
	a.latest = make(map[measurement.Key]float64, len(a.InputKeys()))
	a.mu.Unlock()
	a.MarkInitialized()
	return nil
}

// Start enables computation. Idempotent.
func (a *Action) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	a.running = true
	return nil
}

// Stop disables computation and clears the value cache. Idempotent.
func (a *Action) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	a.mu.Lock()
	a.latest = make(map[measurement.Key]float64, len(a.InputKeys()))
	a.mu.Unlock()
	return nil
}

// Dispose stops the calculator permanently.
func (a *Action) Dispose() {
	if err := a.Stop(time.Second); err != nil {
		a.logger.Warn("stop during dispose failed", "error", err)
	}
	a.MarkDisposed()
}

// QueueMeasurements folds a routed batch into the value cache and publishes
// the recomputed aggregate. Batches arriving while stopped are dropped.
func (a *Action) QueueMeasurements(batch []measurement.Measurement) {
	a.lifecycleMu.Lock()
	running := a.running
	a.lifecycleMu.Unlock()
	if !running || len(batch) == 0 {
		return
	}

	inputs := measurement.NewKeySet(a.InputKeys()...)

	a.mu.Lock()
	updated := false
	for _, m := range batch {
		if !inputs.Contains(m.Key) {
			continue
		}
		if !m.Flags.IsGood() {
			continue
		}
		a.latest[m.Key] = m.Value
		updated = true
	}
	value, complete := a.computeLocked()
	a.mu.Unlock()

	if !updated || !complete {
		return
	}

	derived := measurement.New(a.outputKey, value)
	derived.Flags |= measurement.CalculatedIn
	a.Publish(a, []measurement.Measurement{derived})
}

// computeLocked aggregates the cached values. The aggregate is withheld until
// every input key has reported at least once.
func (a *Action) computeLocked() (float64, bool) {
	keys := a.InputKeys()
	if len(a.latest) < len(keys) {
		return 0, false
	}

	var sum, minV, maxV float64
	minV = math.Inf(1)
	maxV = math.Inf(-1)
	for _, k := range keys {
		v := a.latest[k]
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}

	switch a.operation {
	case OpSum:
		return sum, true
	case OpAverage:
		return sum / float64(len(keys)), true
	case OpMin:
		return minV, true
	case OpMax:
		return maxV, true
	case OpRange:
		return maxV - minV, true
	}
	return 0, false
}
