package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/measureflow/metric"
)

// Op is a single lifecycle operation destined for one lane.
type Op struct {
	// Token identifies the adapter instance this operation was enqueued for.
	// uuid.Nil means the operation runs unconditionally.
	Token uuid.UUID

	// Name describes the operation for logging ("initialize", "start", ...).
	Name string

	// Run performs the operation. The context is the scheduler's run context.
	Run func(ctx context.Context)
}

// ErrorHandler receives errors and recovered panics from lane operations.
type ErrorHandler func(laneID uint64, op string, err error)

// Scheduler multiplexes FIFO operation lanes keyed by adapter ID.
type Scheduler struct {
	queueSize int

	mu      sync.Mutex
	lanes   map[uint64]*laneState
	active  map[uint64]uuid.UUID
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *slog.Logger
	onError ErrorHandler

	laneCount prometheus.Gauge
}

type laneState struct {
	id  uint64
	ops chan Op
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithErrorHandler sets the handler for lane-boundary errors and panics.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(s *Scheduler) {
		s.onError = handler
	}
}

// WithMetricsRegistry registers a live-lane gauge with the framework registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry, prefix string) Option {
	return func(s *Scheduler) {
		if registry == nil {
			return
		}
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_lanes",
			Help: "Number of live operation lanes",
		})
		if err := registry.RegisterGauge("lane_scheduler", prefix+"_lanes", gauge); err == nil {
			s.laneCount = gauge
		}
	}
}

// NewScheduler creates a scheduler whose lanes hold up to queueSize pending
// operations each.
func NewScheduler(queueSize int, opts ...Option) *Scheduler {
	if queueSize <= 0 {
		queueSize = 32
	}

	s := &Scheduler{
		queueSize: queueSize,
		lanes:     make(map[uint64]*laneState),
		active:    make(map[uint64]uuid.UUID),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start makes the scheduler accept submissions. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

// Stop closes all lanes and waits up to timeout for queued operations to
// drain. After Stop the scheduler cannot be restarted.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, ln := range s.lanes {
		close(ln.ops)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.cancel()
		return ErrStopTimeout
	}

	s.cancel()
	return nil
}

// SetActive marks token as the live instance on the lane for id. Queued
// operations carrying a different token become stale no-ops.
func (s *Scheduler) SetActive(id uint64, token uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = token
}

// ClearActive removes the active marker for id, but only if it still refers
// to token. A marker replaced by a newer instance is left untouched.
func (s *Scheduler) ClearActive(id uint64, token uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] == token {
		delete(s.active, id)
	}
}

// Active returns the live instance token for the lane, or uuid.Nil.
func (s *Scheduler) Active(id uint64) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// Submit enqueues op on the lane for id, creating the lane on first use.
// Returns ErrQueueFull without blocking when the lane's queue is full.
func (s *Scheduler) Submit(id uint64, op Op) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}

	ln, ok := s.lanes[id]
	if !ok {
		ln = &laneState{id: id, ops: make(chan Op, s.queueSize)}
		s.lanes[id] = ln
		s.wg.Add(1)
		go s.runLane(ln)
		if s.laneCount != nil {
			s.laneCount.Set(float64(len(s.lanes)))
		}
	}
	s.mu.Unlock()

	select {
	case ln.ops <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

// LaneCount returns the number of live lanes.
func (s *Scheduler) LaneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

func (s *Scheduler) runLane(ln *laneState) {
	defer s.wg.Done()

	for op := range ln.ops {
		if op.Token != uuid.Nil && s.Active(ln.id) != op.Token {
			s.logger.Debug("Skipping stale lane operation",
				"lane", ln.id, "op", op.Name)
			continue
		}
		s.execute(ln.id, op)
	}
}

// execute runs one operation with panic isolation at the lane boundary.
func (s *Scheduler) execute(id uint64, op Op) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in lane operation %q: %v", op.Name, r)
			s.reportError(id, op.Name, err)
		}
	}()

	op.Run(s.ctx)
}

func (s *Scheduler) reportError(id uint64, op string, err error) {
	if s.onError != nil {
		s.onError(id, op, err)
		return
	}
	s.logger.Error("Lane operation failed", "lane", id, "op", op, "error", err)
}
