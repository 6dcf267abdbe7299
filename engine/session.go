// Package engine provides the measurement routing session: the composition
// root that owns the adapter collections, the routing table calculator and
// the shared infrastructure, and drives them through a unified lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/collection"
	"github.com/c360/measureflow/config"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
	"github.com/c360/measureflow/metric"
	"github.com/c360/measureflow/natsclient"
	"github.com/c360/measureflow/routing"
)

// Session owns one complete measurement routing pipeline: input, action,
// output and filter collections, the dependency resolver and routing tables,
// and the shared NATS / metrics infrastructure. All mutation flows through
// the session; adapters never reach for each other directly.
type Session struct {
	name      string
	logger    *slog.Logger
	manager   *config.Manager
	registry  *adapter.Registry
	observers *adapter.Observers

	metrics       *metric.MetricsRegistry
	metricsServer *metric.Server
	nats          *natsclient.Client

	inputs  *collection.Collection[adapter.InputAdapter]
	actions *collection.Collection[adapter.ActionAdapter]
	outputs *collection.Collection[adapter.OutputAdapter]
	filters *collection.Collection[adapter.FilterAdapter]

	routeMap routing.MappingTable
	tables   *routing.Tables

	configUpdates   <-chan *config.Config
	registryChanges <-chan struct{}

	mu          sync.Mutex
	started     bool
	closed      bool
	stopWatch   context.CancelFunc
	watchDone   chan struct{}
	stopTimeout time.Duration
}

// SessionOption configures a session at construction time.
type SessionOption func(*sessionSettings)

type sessionSettings struct {
	logger      *slog.Logger
	routeMap    routing.MappingTable
	nats        *natsclient.Client
	metrics     *metric.MetricsRegistry
	stopTimeout time.Duration
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *sessionSettings) { s.logger = logger }
}

// WithRouteMap replaces the default double-buffered route mapping table.
func WithRouteMap(routeMap routing.MappingTable) SessionOption {
	return func(s *sessionSettings) { s.routeMap = routeMap }
}

// WithNATSClient injects a pre-built NATS client instead of constructing one
// from the configuration.
func WithNATSClient(client *natsclient.Client) SessionOption {
	return func(s *sessionSettings) { s.nats = client }
}

// WithMetricsRegistry injects a shared metrics registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) SessionOption {
	return func(s *sessionSettings) { s.metrics = registry }
}

// WithStopTimeout sets the per-collection stop budget used during Stop and
// Close. Default 5s.
func WithStopTimeout(d time.Duration) SessionOption {
	return func(s *sessionSettings) { s.stopTimeout = d }
}

// NewSession builds a session over the given configuration manager and
// adapter registry. The session is inert until Start.
func NewSession(manager *config.Manager, registry *adapter.Registry, opts ...SessionOption) (*Session, error) {
	if manager == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil config manager"),
			"Session", "NewSession", "validate dependencies")
	}
	if registry == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil adapter registry"),
			"Session", "NewSession", "validate dependencies")
	}

	cfg := manager.Current()

	settings := sessionSettings{stopTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&settings)
	}
	logger := settings.logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name != "" {
		logger = logger.With("session", cfg.Name)
	}

	metrics := settings.metrics
	if metrics == nil {
		metrics = metric.NewMetricsRegistry()
	}

	s := &Session{
		name:        cfg.Name,
		logger:      logger,
		manager:     manager,
		registry:    registry,
		observers:   adapter.NewObservers(logger),
		metrics:     metrics,
		nats:        settings.nats,
		routeMap:    settings.routeMap,
		stopTimeout: settings.stopTimeout,
	}
	if s.routeMap == nil {
		s.routeMap = routing.NewDoubleBufferedRoutes()
	}
	if s.nats == nil && cfg.NATS != nil && cfg.NATS.URL != "" {
		client, err := buildNATSClient(cfg.NATS, logger, metrics.CoreMetrics())
		if err != nil {
			return nil, err
		}
		s.nats = client
	}
	if cfg.Metrics.Enabled {
		s.metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metrics)
	}

	deps := adapter.Dependencies{
		Logger:    logger,
		Metrics:   metrics,
		NATS:      s.nats,
		Observers: s.observers,
	}

	var err error
	if s.inputs, err = collection.New[adapter.InputAdapter](adapter.RoleInput, registry, deps); err != nil {
		return nil, err
	}
	if s.actions, err = collection.New[adapter.ActionAdapter](adapter.RoleAction, registry, deps); err != nil {
		return nil, err
	}
	if s.outputs, err = collection.New[adapter.OutputAdapter](adapter.RoleOutput, registry, deps); err != nil {
		return nil, err
	}
	if s.filters, err = collection.New[adapter.FilterAdapter](adapter.RoleFilter, registry, deps); err != nil {
		return nil, err
	}

	s.tables, err = routing.NewTables(s.routeMap, s.snapshot,
		routing.WithRecalculationDelay(cfg.Routing.RecalculationDelay.Std()),
		routing.WithConnectFunc(s.applyDecision),
		routing.WithObservers(s.observers),
		routing.WithMetrics(metrics.CoreMetrics()),
		routing.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	// Produced batches re-enter through the dispatcher; structural changes
	// schedule a recalculation.
	s.inputs.SetPublishFunc(s.tables.BroadcastMeasurements)
	s.actions.SetPublishFunc(s.tables.BroadcastMeasurements)
	s.filters.SetPublishFunc(s.tables.BroadcastMeasurements)
	recalc := func() { s.tables.CalculateRoutingTables(nil) }
	s.inputs.OnTopologyChange(recalc)
	s.actions.OnTopologyChange(recalc)
	s.outputs.OnTopologyChange(recalc)

	s.configUpdates = manager.OnChange()
	s.registryChanges = registry.Changes()

	return s, nil
}

func buildNATSClient(cfg *config.NATSConfig, logger *slog.Logger, metrics *metric.Metrics) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metrics),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait.Std()))
	}
	return natsclient.NewClient(cfg.URL, opts...)
}

// Observers returns the session-wide status and error observer registry.
func (s *Session) Observers() *adapter.Observers {
	return s.observers
}

// Inputs returns the input adapter collection.
func (s *Session) Inputs() *collection.Collection[adapter.InputAdapter] {
	return s.inputs
}

// Actions returns the action adapter collection.
func (s *Session) Actions() *collection.Collection[adapter.ActionAdapter] {
	return s.actions
}

// Outputs returns the output adapter collection.
func (s *Session) Outputs() *collection.Collection[adapter.OutputAdapter] {
	return s.outputs
}

// Filters returns the filter adapter collection.
func (s *Session) Filters() *collection.Collection[adapter.FilterAdapter] {
	return s.filters
}

// Initialize constructs adapters from the current configuration. Per-row
// failures surface as warnings on the observer registry; a missing table is
// fatal.
func (s *Session) Initialize() error {
	cfg := s.manager.Current()

	if err := s.inputs.Initialize(cfg); err != nil {
		return err
	}
	if err := s.actions.Initialize(cfg); err != nil {
		return err
	}
	if err := s.outputs.Initialize(cfg); err != nil {
		return err
	}
	if err := s.filters.Initialize(cfg); err != nil {
		return err
	}

	s.logger.Info("session initialized",
		"inputs", s.inputs.Len(),
		"actions", s.actions.Len(),
		"outputs", s.outputs.Len(),
		"filters", s.filters.Len())
	return nil
}

// Start connects shared infrastructure, starts consumers before producers and
// requests the first routing recalculation. Idempotent.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapFatal(errors.ErrDisposed, "Session", "Start", "check session state")
	}
	if s.started {
		return nil
	}

	if s.nats != nil {
		if err := s.nats.Connect(ctx); err != nil {
			// Adapters retry on their own; a broker that is down at boot
			// must not prevent the session from running.
			s.logger.Warn("NATS connection not established at start", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Start(); err != nil {
			return errors.Wrap(err, "Session", "Start", "start metrics server")
		}
	}

	for _, start := range []func(context.Context) error{
		s.outputs.Start, s.filters.Start, s.actions.Start, s.inputs.Start,
	} {
		if err := start(ctx); err != nil {
			return err
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	s.watchDone = make(chan struct{})
	go s.watch(watchCtx)

	s.started = true
	s.tables.CalculateRoutingTables(nil)
	s.logger.Info("session started")
	return nil
}

// Stop halts the collections, producers first. The session can be started
// again. Idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	if !s.started {
		return nil
	}
	s.started = false

	if s.stopWatch != nil {
		s.stopWatch()
		<-s.watchDone
		s.stopWatch = nil
	}

	var errs []error
	for _, stop := range []func(time.Duration) error{
		s.inputs.Stop, s.actions.Stop, s.filters.Stop, s.outputs.Stop,
	} {
		if err := stop(s.stopTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("session stopped")
	if len(errs) > 0 {
		return errors.WrapTransient(errs[0], "Session", "Stop", "stop collections")
	}
	return nil
}

// Close stops the session and releases every resource. Terminal.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	stopErr := s.stopLocked()
	s.tables.Dispose()

	for _, closeFn := range []func(time.Duration) error{
		s.inputs.Close, s.actions.Close, s.filters.Close, s.outputs.Close,
	} {
		if err := closeFn(s.stopTimeout); err != nil {
			s.logger.Warn("collection close failed", "error", err)
		}
	}

	if closer, ok := s.routeMap.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(s.stopTimeout); err != nil {
			s.logger.Warn("metrics server stop failed", "error", err)
		}
	}
	if s.nats != nil {
		if err := s.nats.Close(ctx); err != nil {
			s.logger.Warn("NATS close failed", "error", err)
		}
	}

	s.logger.Info("session closed")
	return stopErr
}

// Restrict requests a routing recalculation narrowed to the given keys. A nil
// restriction restores full demand-driven routing.
func (s *Session) Restrict(keys []measurement.Key) {
	s.tables.CalculateRoutingTables(keys)
}

// snapshot captures the three routed collections for a recalculation run.
func (s *Session) snapshot() routing.Snapshot {
	return routing.Snapshot{
		Inputs:  s.inputs.Items(),
		Actions: s.actions.Items(),
		Outputs: s.outputs.Items(),
	}
}

// applyDecision schedules the lane operation realizing one connect-on-demand
// transition.
func (s *Session) applyDecision(enable bool, d routing.Decision) {
	id := d.Adapter.ID()
	switch d.Role {
	case adapter.RoleInput:
		if enable {
			s.inputs.StartAdapter(id)
		} else {
			s.inputs.StopAdapter(id, s.stopTimeout)
		}
	case adapter.RoleAction:
		if enable {
			s.actions.StartAdapter(id)
		} else {
			s.actions.StopAdapter(id, s.stopTimeout)
		}
	case adapter.RoleOutput:
		if enable {
			s.outputs.StartAdapter(id)
		} else {
			s.outputs.StopAdapter(id, s.stopTimeout)
		}
	}
}

// watch applies configuration updates until the session stops. A changed
// config rebuilds the collections and triggers a recalculation.
func (s *Session) watch(ctx context.Context) {
	defer close(s.watchDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.configUpdates:
			s.logger.Info("configuration changed, reloading adapters")
			if err := s.Initialize(); err != nil {
				s.logger.Error("configuration reload failed", "error", err)
				s.observers.NotifyError(nil, err)
				continue
			}
			s.tables.CalculateRoutingTables(nil)
		case <-s.registryChanges:
			s.tables.CalculateRoutingTables(nil)
		}
	}
}
