// Package natsinput provides an input adapter that turns NATS subject
// traffic into measurement batches.
package natsinput

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
	"github.com/c360/measureflow/natsclient"
	"github.com/c360/measureflow/pkg/retry"
)

// TypeName is the registry name of the NATS input.
const TypeName = "natsinput"

// Register adds the NATS input to the registry, with "nats" as its protocol
// acronym.
func Register(registry *adapter.Registry) error {
	if err := registry.Register(adapter.Registration{
		Name:        TypeName,
		Role:        adapter.RoleInput,
		Description: "NATS subject subscription input",
		Version:     "0.1.0",
		Factory:     New,
	}); err != nil {
		return err
	}
	return registry.RegisterProtocol("nats", TypeName)
}

// Input subscribes to a NATS subject and republishes decoded measurement
// batches into the dispatcher. Messages may carry a single measurement object
// or an array; both JSON forms are accepted.
type Input struct {
	*adapter.Base

	subject string
	stream  string
	client  *natsclient.Client
	logger  *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc

	decodeErrors atomic.Int64
}

// New constructs a NATS input. subject is required; stream switches the
// adapter to a durable JetStream consumer.
func New(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}

	subject, err := settings.Require("subject")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Input", "New", "read subject")
	}
	if deps.NATS == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: NATS client", errors.ErrMissingConfig),
			"Input", "New", "check dependencies")
	}

	return &Input{
		Base:    base,
		subject: subject,
		stream:  settings.String("stream", ""),
		client:  deps.NATS,
		logger:  deps.AdapterLogger(adapter.RoleInput, name),
	}, nil
}

// Initialize marks the input ready. The subscription itself is deferred to
// Start so a slow broker cannot stall the initialization lane.
func (n *Input) Initialize() error {
	n.MarkInitialized()
	return nil
}

// Start subscribes to the configured subject, retrying while the connection
// settles. Idempotent.
func (n *Input) Start(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	err := retry.Do(runCtx, retry.Quick(), func() error {
		if n.stream != "" {
			return n.client.ConsumeStream(runCtx, n.stream, n.subject, func(data []byte) {
				n.handle(runCtx, data)
			})
		}
		return n.client.Subscribe(runCtx, n.subject, n.handle)
	})
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "Input", "Start",
			fmt.Sprintf("subscribe to %s", n.subject))
	}

	n.cancel = cancel
	n.running = true
	n.logger.Info("NATS input started", "subject", n.subject, "stream", n.stream)
	return nil
}

// Stop cancels the subscription context; in-flight handlers finish on their
// own. Idempotent.
func (n *Input) Stop(timeout time.Duration) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if !n.running {
		return nil
	}
	n.cancel()
	n.running = false
	n.logger.Info("NATS input stopped", "subject", n.subject)
	return nil
}

// Dispose stops the input permanently.
func (n *Input) Dispose() {
	if err := n.Stop(time.Second); err != nil {
		n.logger.Warn("stop during dispose failed", "error", err)
	}
	n.MarkDisposed()
}

// DecodeErrors returns the number of messages dropped as undecodable.
func (n *Input) DecodeErrors() int64 {
	return n.decodeErrors.Load()
}

func (n *Input) handle(ctx context.Context, data []byte) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	batch, err := decodeBatch(data)
	if err != nil {
		n.decodeErrors.Add(1)
		n.logger.Warn("dropping undecodable message",
			"subject", n.subject, "error", err, "size_bytes", len(data))
		return
	}
	n.Publish(n, batch)
}

func decodeBatch(data []byte) ([]measurement.Measurement, error) {
	var batch []measurement.Measurement
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}

	var single measurement.Measurement
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errors.WrapInvalid(err, "Input", "decodeBatch", "unmarshal measurement")
	}
	return []measurement.Measurement{single}, nil
}
