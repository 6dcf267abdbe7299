// Package simulator provides a frame-rate driven waveform input adapter.
// Each configured output key carries a phase-shifted sine wave, which makes
// the simulator useful both for demos and for exercising the routing layer
// without external data sources.
package simulator

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

// TypeName is the registry name of the simulator input.
const TypeName = "simulator"

// Register adds the simulator input to the registry, with "sim" as its
// protocol acronym.
func Register(registry *adapter.Registry) error {
	if err := registry.Register(adapter.Registration{
		Name:        TypeName,
		Role:        adapter.RoleInput,
		Description: "Frame-rate driven waveform generator",
		Version:     "0.1.0",
		Factory:     New,
	}); err != nil {
		return err
	}
	return registry.RegisterProtocol("sim", TypeName)
}

// Input generates synthetic measurements at a fixed frame rate.
type Input struct {
	*adapter.Base

	frameRate int
	amplitude float64
	frequency float64
	logger    *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New constructs a simulator input. frameRate is required; a simulator with
// no output keys or no frame rate is a configuration error.
func New(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}

	rateSetting, err := settings.Require("frameRate")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Input", "New", "read frameRate")
	}
	frameRate := settings.Int("frameRate", 0)
	if frameRate <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("frameRate %q must be a positive integer", rateSetting),
			"Input", "New", "validate frameRate")
	}
	if len(base.OutputKeys()) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: outputMeasurementKeys", errors.ErrMissingSetting),
			"Input", "New", "validate output keys")
	}

	return &Input{
		Base:      base,
		frameRate: frameRate,
		amplitude: settings.Float("amplitude", 1.0),
		frequency: settings.Float("frequency", 0.2),
		logger:    deps.AdapterLogger(adapter.RoleInput, name),
	}, nil
}

// Initialize marks the simulator ready. No external resources are involved.
func (s *Input) Initialize() error {
	s.MarkInitialized()
	return nil
}

// Start launches the frame loop. Idempotent.
func (s *Input) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(runCtx, s.done)

	s.logger.Info("simulator started",
		"frame_rate", s.frameRate,
		"keys", len(s.OutputKeys()))
	return nil
}

// Stop halts the frame loop. Idempotent.
func (s *Input) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("frame loop did not stop within %v", timeout),
			"Input", "Stop", "wait for frame loop")
	}

	s.running = false
	s.logger.Info("simulator stopped")
	return nil
}

// Dispose stops the simulator and releases it permanently.
func (s *Input) Dispose() {
	if err := s.Stop(time.Second); err != nil {
		s.logger.Warn("stop during dispose failed", "error", err)
	}
	s.MarkDisposed()
}

func (s *Input) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(s.frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	epoch := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Publish(s, s.frame(now.Sub(epoch)))
		}
	}
}

// frame produces one measurement per active output key. When the resolver has
// narrowed the requested output keys the simulator only generates those.
func (s *Input) frame(elapsed time.Duration) []measurement.Measurement {
	keys := s.RequestedOutputKeys()
	if keys == nil {
		keys = s.OutputKeys()
	}
	if len(keys) == 0 {
		return nil
	}

	t := elapsed.Seconds()
	batch := make([]measurement.Measurement, 0, len(keys))
	for i, key := range keys {
		phase := float64(i) * math.Pi / 4
		value := s.amplitude * math.Sin(2*math.Pi*s.frequency*t+phase)
		batch = append(batch, measurement.New(key, value))
	}
	return batch
}
