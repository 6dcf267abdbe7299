package routing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
	"github.com/c360/measureflow/metric"
)

type calcState int

const (
	stateIdle calcState = iota
	stateScheduled
	stateRunning
)

// SnapshotFunc supplies a defensive copy of the three adapter collections.
// The calculator tolerates nil snapshots (session disposed concurrently) by
// treating them as empty.
type SnapshotFunc func() Snapshot

// ConnectFunc receives connect-on-demand decisions after a recalculation.
// The session wires it to schedule the actual start/stop lane operations.
type ConnectFunc func(enable bool, decision Decision)

// Tables is the routing table calculator. Recalculation requests are
// debounced: at most one run in flight and at most one pending, always using
// the most recently requested restriction.
type Tables struct {
	logger   *slog.Logger
	resolver *Resolver
	routeMap MappingTable
	snapshot SnapshotFunc
	metrics  *metric.Metrics
	delay    time.Duration

	observers *adapter.Observers
	onConnect ConnectFunc

	mu       sync.Mutex
	state    calcState
	pending  []measurement.Key
	rerun    bool
	disposed bool

	// Mutated only inside the single recalculation run.
	prevProducers map[adapter.Adapter]struct{}
	prevConsumers map[adapter.Adapter]struct{}
}

// TablesOption configures the calculator.
type TablesOption func(*Tables)

// WithRecalculationDelay sets the debounce window. Zero runs immediately on
// the scheduling goroutine's timer with no coalescing window.
func WithRecalculationDelay(d time.Duration) TablesOption {
	return func(t *Tables) { t.delay = d }
}

// WithConnectFunc wires the handler for enable/disable decisions.
func WithConnectFunc(fn ConnectFunc) TablesOption {
	return func(t *Tables) { t.onConnect = fn }
}

// WithObservers wires the status and error observer registry.
func WithObservers(observers *adapter.Observers) TablesOption {
	return func(t *Tables) { t.observers = observers }
}

// WithMetrics wires recalculation counters and gauges.
func WithMetrics(m *metric.Metrics) TablesOption {
	return func(t *Tables) { t.metrics = m }
}

// WithLogger sets the calculator's logger.
func WithLogger(logger *slog.Logger) TablesOption {
	return func(t *Tables) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTables creates a calculator over the given route map and collection
// snapshot source.
func NewTables(routeMap MappingTable, snapshot SnapshotFunc, opts ...TablesOption) (*Tables, error) {
	if routeMap == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil route mapping table"),
			"Tables", "NewTables", "validate dependencies")
	}

	t := &Tables{
		logger:        slog.Default(),
		routeMap:      routeMap,
		snapshot:      snapshot,
		delay:         time.Second,
		prevProducers: make(map[adapter.Adapter]struct{}),
		prevConsumers: make(map[adapter.Adapter]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.observers == nil {
		t.observers = adapter.NewObservers(t.logger)
	}
	t.resolver = NewResolver(t.logger)

	if err := routeMap.Initialize(t.observers.NotifyStatus, t.observers.NotifyError); err != nil {
		return nil, errors.Wrap(err, "Tables", "NewTables", "initialize route map")
	}

	return t, nil
}

// CalculateRoutingTables records the restriction (nil means "no restriction,
// use full demand") and schedules a single asynchronous recalculation.
// Callers never block; rapid calls coalesce into one run using the most
// recent restriction.
func (t *Tables) CalculateRoutingTables(restriction []measurement.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}

	t.pending = restriction

	switch t.state {
	case stateIdle:
		t.state = stateScheduled
		time.AfterFunc(t.delay, t.run)
	case stateScheduled:
		// The already-scheduled run picks up the new restriction.
	case stateRunning:
		t.rerun = true
	}
}

// run executes one recalculation. Disposal races are swallowed; any other
// failure is reported as a warning and the previous route state is kept for
// the next run to reconcile.
func (t *Tables) run() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.state = stateRunning
	t.rerun = false
	restriction := t.pending
	t.mu.Unlock()

	t.calculate(restriction)

	t.mu.Lock()
	if t.rerun && !t.disposed {
		t.state = stateScheduled
		t.rerun = false
		time.AfterFunc(t.delay, t.run)
	} else {
		t.state = stateIdle
	}
	t.mu.Unlock()
}

func (t *Tables) calculate(restriction []measurement.Key) {
	defer func() {
		if r := recover(); r != nil {
			t.reportWarning(fmt.Sprintf("routing recalculation failed: %v", r))
		}
	}()

	started := time.Now()

	snap := t.takeSnapshot()

	producers := make(map[adapter.Adapter]struct{}, len(snap.Inputs)+len(snap.Actions))
	consumers := make(map[adapter.Adapter]struct{}, len(snap.Actions)+len(snap.Outputs))
	for _, in := range snap.Inputs {
		producers[in] = struct{}{}
	}
	for _, act := range snap.Actions {
		producers[act] = struct{}{}
		consumers[act] = struct{}{}
	}
	for _, out := range snap.Outputs {
		consumers[out] = struct{}{}
	}

	chain := t.resolver.Resolve(restriction, snap)
	decisions := t.resolver.ApplyDemands(chain, restriction, snap)

	producerDiff := diffSets(t.prevProducers, producers)
	consumerDiff := diffSets(t.prevConsumers, consumers)

	if err := t.routeMap.PatchRoutingTable(producerDiff, consumerDiff); err != nil {
		if errors.Is(err, errors.ErrDisposed) {
			// Benign shutdown race.
			return
		}
		// Keep the previous sets so the next successful run re-applies the
		// full difference.
		t.reportWarning(fmt.Sprintf("route map patch failed: %v", err))
		return
	}

	t.prevProducers = producers
	t.prevConsumers = consumers

	if t.onConnect != nil {
		for _, d := range decisions.Enable {
			t.onConnect(true, d)
		}
		for _, d := range decisions.Disable {
			t.onConnect(false, d)
		}
	}

	elapsed := time.Since(started)
	routeCount := t.routeMap.RouteCount()

	if t.metrics != nil {
		t.metrics.RoutingRecalculations.Inc()
		t.metrics.RecalculationDuration.Observe(elapsed.Seconds())
		t.metrics.RouteCount.Set(float64(routeCount))
	}

	t.observers.NotifyStatus(nil, adapter.StatusInfo, fmt.Sprintf(
		"routing tables recalculated in %v: %d routes, %d producers, %d consumers, chain of %d",
		elapsed.Round(time.Microsecond), routeCount, len(producers), len(consumers), len(chain)))
}

// takeSnapshot copies the collections, tolerating a nil snapshot source and
// panics from a session being torn down concurrently.
func (t *Tables) takeSnapshot() (snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			snap = Snapshot{}
		}
	}()

	if t.snapshot == nil {
		return Snapshot{}
	}
	return t.snapshot()
}

// BroadcastMeasurements is the fan-out entry point invoked once per batch of
// newly produced measurements. It forwards to the route map synchronously;
// delivery beyond the enqueue is the consumers' own concern.
func (t *Tables) BroadcastMeasurements(sender adapter.Adapter, batch []measurement.Measurement) {
	if len(batch) == 0 {
		return
	}

	t.mu.Lock()
	disposed := t.disposed
	t.mu.Unlock()
	if disposed {
		return
	}

	if t.metrics != nil {
		t.metrics.MeasurementsProduced.WithLabelValues(senderName(sender)).Add(float64(len(batch)))
	}
	t.routeMap.InjectMeasurements(sender, batch)
}

// Dispose stops accepting recalculation requests and broadcasts. A run in
// flight finishes on its own; subsequent scheduled runs become no-ops.
func (t *Tables) Dispose() {
	t.mu.Lock()
	t.disposed = true
	t.mu.Unlock()
}

// waitIdle blocks until the in-flight or scheduled run completes. Test hook.
func (t *Tables) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		idle := t.state == stateIdle
		t.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (t *Tables) reportWarning(message string) {
	t.logger.Warn(message)
	t.observers.NotifyStatus(nil, adapter.StatusWarning, message)
}

func diffSets(prev, next map[adapter.Adapter]struct{}) Diff {
	var d Diff
	for a := range next {
		if _, ok := prev[a]; !ok {
			d.Added = append(d.Added, a)
		}
	}
	for a := range prev {
		if _, ok := next[a]; !ok {
			d.Removed = append(d.Removed, a)
		}
	}
	return d
}

func senderName(sender adapter.Adapter) string {
	if sender == nil {
		return "unknown"
	}
	return sender.Name()
}
