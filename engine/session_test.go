package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/adapterregistry"
	"github.com/c360/measureflow/config"
	"github.com/c360/measureflow/measurement"
)

// recOutput is an output adapter recording every delivered measurement.
type recOutput struct {
	*adapter.Base
	mu       sync.Mutex
	received []measurement.Measurement
}

func newRecOutput(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}
	return &recOutput{Base: base}, nil
}

func (r *recOutput) Initialize() error {
	r.MarkInitialized()
	return nil
}

func (r *recOutput) Start(ctx context.Context) error  { return nil }
func (r *recOutput) Stop(timeout time.Duration) error { return nil }
func (r *recOutput) Dispose()                         { r.MarkDisposed() }

func (r *recOutput) QueueMeasurements(batch []measurement.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, batch...)
}

func (r *recOutput) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recOutput) firstKey() measurement.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.received) == 0 {
		return measurement.Undefined
	}
	return r.received[0].Key
}

func testRegistry(t *testing.T) *adapter.Registry {
	t.Helper()
	registry := adapter.NewRegistry()
	require.NoError(t, adapterregistry.Register(registry))
	require.NoError(t, registry.Register(adapter.Registration{
		Name:    "recorder",
		Role:    adapter.RoleOutput,
		Factory: newRecOutput,
	}))
	return registry
}

func testConfig() *config.Config {
	return &config.Config{
		Name: "test-session",
		Inputs: []config.AdapterDefinition{{
			ID:               1,
			Name:             "sim",
			TypeName:         "simulator",
			ConnectionString: "frameRate=100; outputMeasurementKeys=SIM:1",
		}},
		Outputs: []config.AdapterDefinition{{
			ID:               1,
			Name:             "rec",
			TypeName:         "recorder",
			ConnectionString: "inputMeasurementKeys=SIM:1",
		}},
		Routing: config.RoutingConfig{
			RecalculationDelay: config.Duration(10 * time.Millisecond),
		},
	}
}

func newTestSession(t *testing.T, cfg *config.Config) (*Session, *config.Manager) {
	t.Helper()
	manager := config.NewManager(cfg, nil)
	session, err := NewSession(manager, testRegistry(t),
		WithStopTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Close(ctx)
	})
	return session, manager
}

func recorder(t *testing.T, session *Session) *recOutput {
	t.Helper()
	item, ok := session.Outputs().TryGetByName("rec")
	require.True(t, ok)
	return item.(*recOutput)
}

func TestNewSessionValidatesDependencies(t *testing.T) {
	manager := config.NewManager(nil, nil)

	_, err := NewSession(nil, testRegistry(t))
	require.Error(t, err)

	_, err = NewSession(manager, nil)
	require.Error(t, err)
}

func TestSessionRoutesInputToOutput(t *testing.T) {
	session, _ := newTestSession(t, testConfig())

	require.NoError(t, session.Initialize())
	require.Equal(t, 1, session.Inputs().Len())
	require.Equal(t, 1, session.Outputs().Len())

	require.NoError(t, session.Start(context.Background()))

	rec := recorder(t, session)
	require.Eventually(t, func() bool {
		return rec.count() > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, measurement.NewKey("SIM", 1), rec.firstKey())
}

func TestSessionSkipsBadDefinitionRow(t *testing.T) {
	cfg := testConfig()
	cfg.Outputs = append(cfg.Outputs, config.AdapterDefinition{
		ID:               2,
		Name:             "broken",
		TypeName:         "no-such-type",
		ConnectionString: "",
	})

	session, _ := newTestSession(t, cfg)

	var mu sync.Mutex
	warnings := 0
	session.Observers().OnStatus(func(_ adapter.Adapter, level adapter.StatusLevel, _ string) {
		if level == adapter.StatusWarning {
			mu.Lock()
			warnings++
			mu.Unlock()
		}
	})

	require.NoError(t, session.Initialize())
	assert.Equal(t, 1, session.Outputs().Len(), "bad row skipped, sibling kept")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, warnings)
}

func TestSessionConnectOnDemand(t *testing.T) {
	cfg := testConfig()
	cfg.Inputs[0].ConnectionString = "autoStart=false; frameRate=100; outputMeasurementKeys=SIM:1"
	cfg.Outputs[0].ConnectionString = "autoStart=false; inputMeasurementKeys=SIM:1"

	session, _ := newTestSession(t, cfg)
	require.NoError(t, session.Initialize())
	require.NoError(t, session.Start(context.Background()))

	rec := recorder(t, session)

	// Nothing auto-starts, so no measurements flow.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, rec.count())

	// Demanding SIM:1 pulls the whole chain up.
	session.Restrict([]measurement.Key{measurement.NewKey("SIM", 1)})
	require.Eventually(t, func() bool {
		return rec.count() > 0
	}, 5*time.Second, 10*time.Millisecond)

	sim, ok := session.Inputs().TryGetByName("sim")
	require.True(t, ok)
	assert.True(t, sim.Enabled())
}

func TestSessionConfigReload(t *testing.T) {
	session, manager := newTestSession(t, testConfig())
	require.NoError(t, session.Initialize())
	require.NoError(t, session.Start(context.Background()))

	updated := testConfig()
	updated.Outputs = append(updated.Outputs, config.AdapterDefinition{
		ID:               2,
		Name:             "rec2",
		TypeName:         "recorder",
		ConnectionString: "inputMeasurementKeys=SIM:1",
	})
	require.NoError(t, manager.Update(updated))

	require.Eventually(t, func() bool {
		return session.Outputs().Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionStartStopIdempotent(t *testing.T) {
	session, _ := newTestSession(t, testConfig())
	require.NoError(t, session.Initialize())

	ctx := context.Background()
	require.NoError(t, session.Start(ctx))
	require.NoError(t, session.Start(ctx))
	require.NoError(t, session.Stop())
	require.NoError(t, session.Stop())

	// Restartable after stop.
	require.NoError(t, session.Start(ctx))
}

func TestSessionCloseIsTerminal(t *testing.T) {
	session, _ := newTestSession(t, testConfig())
	require.NoError(t, session.Initialize())

	ctx := context.Background()
	require.NoError(t, session.Close(ctx))
	require.NoError(t, session.Close(ctx), "second close is a no-op")

	err := session.Start(ctx)
	require.Error(t, err)
}
