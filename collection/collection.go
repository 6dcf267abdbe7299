// Package collection implements the adapter lifecycle coordinator: an ordered
// collection of adapters sharing one role, driven through initialize, start,
// stop and dispose on per-adapter FIFO lanes so one slow or failing adapter
// never stalls its siblings.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/config"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
	"github.com/c360/measureflow/pkg/lane"
)

// DefinitionSource yields adapter definition tables per role. *config.Config
// satisfies it; tests supply fixtures.
type DefinitionSource interface {
	Table(role adapter.Role) ([]config.AdapterDefinition, bool)
	Row(role adapter.Role, id uint64) (config.AdapterDefinition, bool)
}

// Collection owns a homogeneous, ordered set of adapters of one role.
// Structural mutation happens under one coarse lock and is fast; lifecycle
// side effects are dispatched to the mutated adapter's lane with the lock
// released.
type Collection[T adapter.Adapter] struct {
	role      adapter.Role
	registry  *adapter.Registry
	deps      adapter.Dependencies
	logger    *slog.Logger
	observers *adapter.Observers
	scheduler *lane.Scheduler

	autoInitialize bool
	initTimeout    time.Duration
	queueSize      int

	mu      sync.Mutex
	items   []T
	tokens  map[uint64]uuid.UUID
	enabled bool

	runMu      sync.RWMutex
	runCtx     context.Context
	publish    adapter.PublishFunc
	onTopology func()
}

// Option configures a Collection.
type Option func(*settings)

type settings struct {
	autoInitialize bool
	initTimeout    time.Duration
	queueSize      int
}

// WithAutoInitialize controls whether inserted adapters are initialized
// asynchronously on insertion. Default true.
func WithAutoInitialize(enabled bool) Option {
	return func(s *settings) { s.autoInitialize = enabled }
}

// WithInitTimeout sets the advisory initialization timeout. While an
// adapter's Initialize runs past this duration a warning repeats at the same
// interval; the call is never cancelled. Zero disables the warnings.
func WithInitTimeout(d time.Duration) Option {
	return func(s *settings) { s.initTimeout = d }
}

// WithQueueSize bounds the per-adapter lane queues.
func WithQueueSize(n int) Option {
	return func(s *settings) { s.queueSize = n }
}

// New creates a collection for one adapter role. The lane scheduler starts
// immediately; Close releases it.
func New[T adapter.Adapter](role adapter.Role, registry *adapter.Registry,
	deps adapter.Dependencies, opts ...Option) (*Collection[T], error) {

	if !role.Valid() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid role %q", role),
			"Collection", "New", "validate role")
	}
	if registry == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil adapter registry"),
			"Collection", "New", "validate dependencies")
	}

	cfg := settings{autoInitialize: true, queueSize: 32}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Collection[T]{
		role:           role,
		registry:       registry,
		deps:           deps,
		logger:         deps.GetLogger().With("collection", role.String()),
		observers:      deps.Observers,
		autoInitialize: cfg.autoInitialize,
		initTimeout:    cfg.initTimeout,
		queueSize:      cfg.queueSize,
		tokens:         make(map[uint64]uuid.UUID),
		runCtx:         context.Background(),
	}
	if c.observers == nil {
		c.observers = adapter.NewObservers(c.logger)
	}

	c.scheduler = lane.NewScheduler(cfg.queueSize,
		lane.WithLogger(c.logger),
		lane.WithErrorHandler(c.laneError),
		lane.WithMetricsRegistry(deps.Metrics, "adapter_"+role.String()),
	)
	if err := c.scheduler.Start(context.Background()); err != nil {
		return nil, errors.WrapFatal(err, "Collection", "New", "start lane scheduler")
	}

	return c, nil
}

// Role returns the collection's adapter role.
func (c *Collection[T]) Role() adapter.Role {
	return c.role
}

// Observers returns the status and error observer registry.
func (c *Collection[T]) Observers() *adapter.Observers {
	return c.observers
}

// SetPublishFunc wires the sink receiving batches produced by contained
// adapters. Typically the session's broadcast dispatcher.
func (c *Collection[T]) SetPublishFunc(publish adapter.PublishFunc) {
	c.runMu.Lock()
	c.publish = publish
	c.runMu.Unlock()
}

// OnTopologyChange sets the callback invoked after every structural change.
// The session uses it to request a routing recalculation.
func (c *Collection[T]) OnTopologyChange(fn func()) {
	c.runMu.Lock()
	c.onTopology = fn
	c.runMu.Unlock()
}

// Initialize clears the collection and constructs one adapter per definition
// row. A missing table for this role is fatal; per-row construction failures
// are reported as warnings and skipped so sibling adapters still load.
func (c *Collection[T]) Initialize(source DefinitionSource) error {
	if source == nil {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Collection", "Initialize", "read definition source")
	}
	table, ok := source.Table(c.role)
	if !ok {
		return errors.WrapFatal(
			fmt.Errorf("%w: no %s table in definition source", errors.ErrMissingTable, c.role),
			"Collection", "Initialize", "read definition table")
	}

	c.Clear()

	for _, def := range table {
		item, err := c.construct(def)
		if err != nil {
			c.logger.Warn("skipping adapter definition",
				"id", def.ID, "name", def.Name, "error", err)
			c.observers.NotifyStatus(nil, adapter.StatusWarning,
				fmt.Sprintf("failed to construct %s adapter %q (ID %d): %v",
					c.role, def.Name, def.ID, err))
			continue
		}
		c.Add(item)
	}

	return nil
}

func (c *Collection[T]) construct(def config.AdapterDefinition) (T, error) {
	var zero T

	created, err := c.registry.Create(c.role, def.TypeName, def.ID, def.Name, def.Settings(), c.deps)
	if err != nil {
		return zero, err
	}
	item, ok := created.(T)
	if !ok {
		return zero, errors.WrapInvalid(
			fmt.Errorf("adapter %q does not implement the %s contract", def.Name, c.role),
			"Collection", "construct", "check adapter capabilities")
	}
	return item, nil
}

// Add appends an adapter, wires its publishing and, when auto-initialize is
// on, schedules its initialization on its lane.
func (c *Collection[T]) Add(item T) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.wireLocked(item)
	c.mu.Unlock()

	c.notifyTopology()
}

// Insert places an adapter at index, shifting later items. An out-of-range
// index appends.
func (c *Collection[T]) Insert(index int, item T) {
	c.mu.Lock()
	if index < 0 || index > len(c.items) {
		index = len(c.items)
	}
	c.items = append(c.items, item)
	copy(c.items[index+1:], c.items[index:])
	c.items[index] = item
	c.wireLocked(item)
	c.mu.Unlock()

	c.notifyTopology()
}

// Set replaces the adapter at index. The outgoing adapter is stopped and
// disposed on its lane.
func (c *Collection[T]) Set(index int, item T) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.items) {
		c.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("index %d out of range", index),
			"Collection", "Set", "check index")
	}
	old := c.items[index]
	c.items[index] = item
	c.unwireLocked(old)
	c.wireLocked(item)
	c.mu.Unlock()

	c.notifyTopology()
	return nil
}

// RemoveByID removes the adapter with the given ID, driving it through stop
// and disposal on its lane.
func (c *Collection[T]) RemoveByID(id uint64) bool {
	c.mu.Lock()
	index := -1
	for i, item := range c.items {
		if item.ID() == id {
			index = i
			break
		}
	}
	if index < 0 {
		c.mu.Unlock()
		return false
	}
	old := c.items[index]
	c.items = append(c.items[:index], c.items[index+1:]...)
	c.unwireLocked(old)
	c.mu.Unlock()

	c.notifyTopology()
	return true
}

// Clear removes every adapter, disposing each on its lane.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	old := c.items
	c.items = nil
	for _, item := range old {
		c.unwireLocked(item)
	}
	c.mu.Unlock()

	if len(old) > 0 {
		c.notifyTopology()
	}
}

// wireLocked marks item as the live instance on its lane and schedules its
// initialization. Caller holds c.mu.
func (c *Collection[T]) wireLocked(item T) {
	token := uuid.New()
	c.tokens[item.ID()] = token
	c.scheduler.SetActive(item.ID(), token)

	if producer, ok := adapter.Adapter(item).(adapter.Producer); ok {
		producer.SetPublishFunc(c.dispatch)
	}

	if c.autoInitialize {
		c.scheduleInitialize(item, token)
	}
}

// unwireLocked retires item's instance token and schedules stop + dispose.
// The dispose operation carries the nil token so it runs even though the
// marker has moved on. Caller holds c.mu.
func (c *Collection[T]) unwireLocked(item T) {
	token := c.tokens[item.ID()]
	delete(c.tokens, item.ID())
	c.scheduler.ClearActive(item.ID(), token)

	name := item.Name()
	err := c.scheduler.Submit(item.ID(), lane.Op{
		Token: uuid.Nil,
		Name:  "dispose",
		Run: func(context.Context) {
			if item.Initialized() && item.Enabled() {
				if err := item.Stop(5 * time.Second); err != nil {
					c.reportAdapterError(item, "Stop", err)
				}
				item.SetEnabled(false)
			}
			item.Dispose()
			c.logger.Debug("adapter disposed", "adapter", name)
		},
	})
	if err != nil {
		c.logger.Warn("could not schedule disposal", "adapter", name, "error", err)
	}
}

func (c *Collection[T]) scheduleInitialize(item T, token uuid.UUID) {
	err := c.scheduler.Submit(item.ID(), lane.Op{
		Token: token,
		Name:  "initialize",
		Run: func(context.Context) {
			c.runInitialize(item)
		},
	})
	if err != nil {
		c.reportAdapterError(item, "Initialize", err)
	}
}

// runInitialize executes Initialize on the adapter's lane with the advisory
// timeout warning, then starts the adapter if the collection is running and
// the adapter auto-starts.
func (c *Collection[T]) runInitialize(item T) {
	done := make(chan struct{})
	if c.initTimeout > 0 {
		go c.warnWhileInitializing(item, done)
	}

	err := item.Initialize()
	close(done)

	if err != nil {
		c.reportAdapterError(item, "Initialize", err)
		return
	}

	c.observers.NotifyStatus(item, adapter.StatusInfo,
		fmt.Sprintf("%s adapter %q initialized", c.role, item.Name()))

	// Adapters that should be running (always-on, or already demanded by the
	// routing layer) start as soon as their initialization completes.
	if c.isEnabled() && (item.AutoStart() || item.Enabled()) {
		c.startOnLane(item)
	}
}

// warnWhileInitializing repeats an advisory warning while Initialize runs
// past the configured timeout. It never cancels the call.
func (c *Collection[T]) warnWhileInitializing(item T, done <-chan struct{}) {
	ticker := time.NewTicker(c.initTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.observers.NotifyStatus(item, adapter.StatusWarning,
				fmt.Sprintf("adapter %q initialization has exceeded %v", item.Name(), c.initTimeout))
		}
	}
}

// startOnLane runs Start inline; always called from the adapter's own lane.
func (c *Collection[T]) startOnLane(item T) {
	if err := item.Start(c.runContext()); err != nil {
		c.reportAdapterError(item, "Start", err)
		return
	}
	item.SetEnabled(true)
	c.observers.NotifyStatus(item, adapter.StatusInfo,
		fmt.Sprintf("%s adapter %q started", c.role, item.Name()))
}

// Start begins processing: every initialized auto-start adapter that is not
// already running gets a start operation on its lane. Idempotent.
func (c *Collection[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = true
	items := c.snapshotLocked()
	c.mu.Unlock()

	c.runMu.Lock()
	c.runCtx = ctx
	c.runMu.Unlock()

	for _, item := range items {
		if item.Initialized() && item.AutoStart() && !item.Enabled() {
			c.StartAdapter(item.ID())
		}
	}
	return nil
}

// Stop halts processing: every running adapter gets a stop operation on its
// lane. Idempotent.
func (c *Collection[T]) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = false
	items := c.snapshotLocked()
	c.mu.Unlock()

	for _, item := range items {
		if item.Initialized() && item.Enabled() {
			c.StopAdapter(item.ID(), timeout)
		}
	}
	return nil
}

// StartAdapter schedules a start for the adapter with the given ID. Used by
// the collection itself and by connect-on-demand decisions.
func (c *Collection[T]) StartAdapter(id uint64) {
	item, token, ok := c.lookup(id)
	if !ok {
		return
	}
	err := c.scheduler.Submit(id, lane.Op{
		Token: token,
		Name:  "start",
		Run: func(context.Context) {
			// Enabled is the desired state, set ahead of this operation by
			// collection Start or the routing layer; adapters make Start
			// idempotent themselves.
			if !item.Initialized() {
				return
			}
			c.startOnLane(item)
		},
	})
	if err != nil {
		c.reportAdapterError(item, "Start", err)
	}
}

// StopAdapter schedules a stop for the adapter with the given ID.
func (c *Collection[T]) StopAdapter(id uint64, timeout time.Duration) {
	item, token, ok := c.lookup(id)
	if !ok {
		return
	}
	err := c.scheduler.Submit(id, lane.Op{
		Token: token,
		Name:  "stop",
		Run: func(context.Context) {
			if err := item.Stop(timeout); err != nil {
				c.reportAdapterError(item, "Stop", err)
			}
			item.SetEnabled(false)
			c.observers.NotifyStatus(item, adapter.StatusInfo,
				fmt.Sprintf("%s adapter %q stopped", c.role, item.Name()))
		},
	})
	if err != nil {
		c.reportAdapterError(item, "Stop", err)
	}
}

// TryInitializeByID re-reads the adapter's definition row, reconstructs it
// and atomically swaps the new instance into the collection at the same
// position, or appends when no instance with that ID exists. The outgoing
// instance is disposed on its lane.
func (c *Collection[T]) TryInitializeByID(source DefinitionSource, id uint64) error {
	if source == nil {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Collection", "TryInitializeByID", "read definition source")
	}
	def, ok := source.Row(c.role, id)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no %s definition row for ID %d", errors.ErrAdapterNotFound, c.role, id),
			"Collection", "TryInitializeByID", "read definition row")
	}

	item, err := c.construct(def)
	if err != nil {
		return err
	}

	c.mu.Lock()
	index := -1
	for i, existing := range c.items {
		if existing.ID() == id {
			index = i
			break
		}
	}
	if index >= 0 {
		old := c.items[index]
		c.items[index] = item
		c.unwireLocked(old)
	} else {
		c.items = append(c.items, item)
	}
	c.wireLocked(item)
	c.mu.Unlock()

	c.notifyTopology()
	return nil
}

// TryGetByID finds an adapter by ID.
func (c *Collection[T]) TryGetByID(id uint64) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range c.items {
		if item.ID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// TryGetByName finds an adapter by name, case-insensitively.
func (c *Collection[T]) TryGetByName(name string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range c.items {
		if strings.EqualFold(item.Name(), name) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Items returns a snapshot of the contained adapters.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Len returns the number of contained adapters.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// QueueMeasurements fans a batch out to every running adapter that consumes
// measurements. Forwarding is a simple enqueue; each consumer filters to its
// own subscribed keys and buffers internally.
func (c *Collection[T]) QueueMeasurements(batch []measurement.Measurement) {
	if len(batch) == 0 {
		return
	}
	for _, item := range c.Items() {
		if !item.Enabled() {
			continue
		}
		if consumer, ok := adapter.Adapter(item).(adapter.Consumer); ok {
			consumer.QueueMeasurements(batch)
		}
	}
}

// Close stops the collection, disposes every adapter and releases the lane
// scheduler. The collection cannot be used afterwards.
func (c *Collection[T]) Close(timeout time.Duration) error {
	_ = c.Stop(timeout)
	c.Clear()
	return c.scheduler.Stop(timeout)
}

func (c *Collection[T]) lookup(id uint64) (T, uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range c.items {
		if item.ID() == id {
			return item, c.tokens[id], true
		}
	}
	var zero T
	return zero, uuid.Nil, false
}

func (c *Collection[T]) snapshotLocked() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Collection[T]) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Collection[T]) runContext() context.Context {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	return c.runCtx
}

// dispatch forwards a produced batch to the session sink.
func (c *Collection[T]) dispatch(sender adapter.Adapter, batch []measurement.Measurement) {
	c.runMu.RLock()
	publish := c.publish
	c.runMu.RUnlock()

	if publish != nil {
		publish(sender, batch)
	}
}

func (c *Collection[T]) notifyTopology() {
	c.runMu.RLock()
	fn := c.onTopology
	c.runMu.RUnlock()

	if fn != nil {
		fn()
	}
}

func (c *Collection[T]) laneError(laneID uint64, op string, err error) {
	item, _, ok := c.lookup(laneID)
	if ok {
		c.reportAdapterError(item, op, err)
		return
	}
	c.logger.Error("lane operation failed", "lane", laneID, "op", op, "error", err)
}

func (c *Collection[T]) reportAdapterError(item T, operation string, err error) {
	wrapped := errors.Wrap(err, fmt.Sprintf("%s:%s", c.role, item.Name()), operation,
		"adapter lifecycle")
	c.logger.Error("adapter operation failed",
		"adapter", item.Name(), "op", operation, "error", err)
	c.observers.NotifyError(item, wrapped)
}
