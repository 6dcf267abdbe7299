// Package natsoutput provides an output adapter publishing routed
// measurements to a NATS subject, optionally through JetStream.
package natsoutput

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
	"github.com/c360/measureflow/metric"
	"github.com/c360/measureflow/natsclient"
)

// TypeName is the registry name of the NATS output.
const TypeName = "natsoutput"

const defaultQueueDepth = 256

// Register adds the NATS output to the registry.
func Register(registry *adapter.Registry) error {
	return registry.Register(adapter.Registration{
		Name:        TypeName,
		Role:        adapter.RoleOutput,
		Description: "NATS subject publisher, optionally via JetStream",
		Version:     "0.1.0",
		Factory:     New,
	})
}

// Output forwards routed measurement batches to a NATS subject as JSON
// arrays. Delivery is asynchronous behind a bounded queue; when the queue is
// full the oldest pending batch is dropped and counted.
type Output struct {
	*adapter.Base

	subject      string
	useJetStream bool
	client       *natsclient.Client
	metrics      *metric.MetricsRegistry
	logger       *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	queue       chan []measurement.Measurement
	cancel      context.CancelFunc
	done        chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// New constructs a NATS output. subject is required; useJetStream=true routes
// publishes through the persistent stream API.
func New(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}

	subject, err := settings.Require("subject")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Output", "New", "read subject")
	}
	if deps.NATS == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: NATS client", errors.ErrMissingConfig),
			"Output", "New", "check dependencies")
	}

	return &Output{
		Base:         base,
		subject:      subject,
		useJetStream: settings.Bool("useJetStream", false),
		client:       deps.NATS,
		metrics:      deps.Metrics,
		logger:       deps.AdapterLogger(adapter.RoleOutput, name),
	}, nil
}

// Initialize marks the output ready.
func (n *Output) Initialize() error {
	n.MarkInitialized()
	return nil
}

// Start launches the publish loop. Idempotent.
func (n *Output) Start(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.queue = make(chan []measurement.Measurement, defaultQueueDepth)
	n.done = make(chan struct{})
	n.running = true

	go n.publishLoop(runCtx, n.queue, n.done)

	n.logger.Info("NATS output started",
		"subject", n.subject, "jetstream", n.useJetStream)
	return nil
}

// Stop drains the publish loop. Idempotent.
func (n *Output) Stop(timeout time.Duration) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if !n.running {
		return nil
	}
	n.running = false
	n.cancel()

	select {
	case <-n.done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("publish loop did not stop within %v", timeout),
			"Output", "Stop", "wait for publish loop")
	}

	n.logger.Info("NATS output stopped",
		"published", n.published.Load(), "dropped", n.dropped.Load())
	return nil
}

// Dispose stops the output permanently.
func (n *Output) Dispose() {
	if err := n.Stop(time.Second); err != nil {
		n.logger.Warn("stop during dispose failed", "error", err)
	}
	n.MarkDisposed()
}

// QueueMeasurements enqueues a routed batch for asynchronous publishing.
// A full queue sheds the incoming batch rather than blocking the dispatcher.
func (n *Output) QueueMeasurements(batch []measurement.Measurement) {
	n.lifecycleMu.Lock()
	running := n.running
	queue := n.queue
	n.lifecycleMu.Unlock()
	if !running || len(batch) == 0 {
		return
	}

	select {
	case queue <- batch:
	default:
		n.dropped.Add(int64(len(batch)))
		if n.metrics != nil {
			n.metrics.CoreMetrics().MeasurementsDropped.
				WithLabelValues(n.Name()).Add(float64(len(batch)))
		}
	}
}

// Published returns the number of measurements published so far.
func (n *Output) Published() int64 {
	return n.published.Load()
}

// Dropped returns the number of measurements shed on a full queue.
func (n *Output) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Output) publishLoop(ctx context.Context, queue chan []measurement.Measurement, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-queue:
			n.publishBatch(ctx, batch)
		}
	}
}

func (n *Output) publishBatch(ctx context.Context, batch []measurement.Measurement) {
	data, err := json.Marshal(batch)
	if err != nil {
		n.logger.Error("failed to encode batch", "error", err)
		return
	}

	if n.useJetStream {
		err = n.client.PublishToStream(ctx, n.subject, data)
	} else {
		err = n.client.Publish(ctx, n.subject, data)
	}
	if err != nil {
		n.dropped.Add(int64(len(batch)))
		if errors.Is(err, errors.ErrNoConnection) {
			n.logger.Debug("dropping batch while disconnected", "subject", n.subject)
			return
		}
		n.logger.Warn("publish failed", "subject", n.subject, "error", err)
		return
	}
	n.published.Add(int64(len(batch)))
}
