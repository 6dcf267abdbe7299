package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

func newSimulator(t *testing.T, conn string) *Input {
	t.Helper()
	created, err := New(1, "sim", adapter.ParseConnectionString(conn), adapter.Dependencies{})
	require.NoError(t, err)
	return created.(*Input)
}

func TestNewRequiresFrameRate(t *testing.T) {
	_, err := New(1, "sim",
		adapter.ParseConnectionString("outputMeasurementKeys=SIM:1"),
		adapter.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMissingSetting)
}

func TestNewRejectsBadFrameRate(t *testing.T) {
	_, err := New(1, "sim",
		adapter.ParseConnectionString("frameRate=fast; outputMeasurementKeys=SIM:1"),
		adapter.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewRequiresOutputKeys(t *testing.T) {
	_, err := New(1, "sim",
		adapter.ParseConnectionString("frameRate=30"),
		adapter.Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingSetting)
}

func TestProducesFrames(t *testing.T) {
	sim := newSimulator(t, "frameRate=100; amplitude=2; outputMeasurementKeys=SIM:1,SIM:2")
	require.NoError(t, sim.Initialize())

	var mu sync.Mutex
	var batches [][]measurement.Measurement
	sim.SetPublishFunc(func(_ adapter.Adapter, batch []measurement.Measurement) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	})

	require.NoError(t, sim.Start(context.Background()))
	defer sim.Dispose()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	first := batches[0]
	require.Len(t, first, 2)
	assert.Equal(t, measurement.NewKey("SIM", 1), first[0].Key)
	assert.Equal(t, measurement.NewKey("SIM", 2), first[1].Key)
	for _, m := range first {
		assert.LessOrEqual(t, m.Value, 2.0)
		assert.GreaterOrEqual(t, m.Value, -2.0)
	}
}

func TestHonorsRequestedOutputKeys(t *testing.T) {
	sim := newSimulator(t, "frameRate=100; outputMeasurementKeys=SIM:1,SIM:2")
	require.NoError(t, sim.Initialize())
	sim.SetRequestedOutputKeys([]measurement.Key{measurement.NewKey("SIM", 2)})

	var mu sync.Mutex
	var batch []measurement.Measurement
	sim.SetPublishFunc(func(_ adapter.Adapter, b []measurement.Measurement) {
		mu.Lock()
		defer mu.Unlock()
		batch = b
	})

	require.NoError(t, sim.Start(context.Background()))
	defer sim.Dispose()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batch) > 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batch, 1)
	assert.Equal(t, measurement.NewKey("SIM", 2), batch[0].Key)
}

func TestStartStopIdempotent(t *testing.T) {
	sim := newSimulator(t, "frameRate=100; outputMeasurementKeys=SIM:1")
	require.NoError(t, sim.Initialize())

	require.NoError(t, sim.Start(context.Background()))
	require.NoError(t, sim.Start(context.Background()))
	require.NoError(t, sim.Stop(time.Second))
	require.NoError(t, sim.Stop(time.Second))

	// Restart after a clean stop.
	require.NoError(t, sim.Start(context.Background()))
	sim.Dispose()
	assert.True(t, sim.Disposed())
}

func TestRegister(t *testing.T) {
	registry := adapter.NewRegistry()
	require.NoError(t, Register(registry))

	_, ok := registry.Resolve(TypeName)
	assert.True(t, ok)
	mapped, ok := registry.ResolveProtocol("SIM")
	require.True(t, ok)
	assert.Equal(t, TypeName, mapped)
}
