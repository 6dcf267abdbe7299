package natsoutput

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
	"github.com/c360/measureflow/natsclient"
)

func testDeps(t *testing.T) adapter.Dependencies {
	t.Helper()
	client, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)
	return adapter.Dependencies{NATS: client}
}

func TestNewRequiresSubject(t *testing.T) {
	_, err := New(1, "out", adapter.ParseConnectionString(""), testDeps(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingSetting)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(1, "out", adapter.ParseConnectionString("subject=measurements.out"),
		adapter.Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestQueueDroppedWhileStopped(t *testing.T) {
	created, err := New(1, "out", adapter.ParseConnectionString("subject=measurements.out"),
		testDeps(t))
	require.NoError(t, err)
	out := created.(*Output)
	require.NoError(t, out.Initialize())

	out.QueueMeasurements([]measurement.Measurement{
		measurement.New(measurement.NewKey("SIM", 1), 1),
	})
	assert.Zero(t, out.Published())
	assert.Zero(t, out.Dropped())
}

func TestDisconnectedPublishCountsDrops(t *testing.T) {
	created, err := New(1, "out", adapter.ParseConnectionString("subject=measurements.out"),
		testDeps(t))
	require.NoError(t, err)
	out := created.(*Output)
	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(context.Background()))
	defer out.Dispose()

	// No broker is running, so the publish loop sheds the batch.
	out.QueueMeasurements([]measurement.Measurement{
		measurement.New(measurement.NewKey("SIM", 1), 1),
		measurement.New(measurement.NewKey("SIM", 2), 2),
	})

	require.Eventually(t, func() bool {
		return out.Dropped() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, out.Published())
}

func TestLifecycleIdempotent(t *testing.T) {
	created, err := New(1, "out", adapter.ParseConnectionString("subject=measurements.out"),
		testDeps(t))
	require.NoError(t, err)
	out := created.(*Output)
	require.NoError(t, out.Initialize())

	require.NoError(t, out.Start(context.Background()))
	require.NoError(t, out.Start(context.Background()))
	require.NoError(t, out.Stop(time.Second))
	require.NoError(t, out.Stop(time.Second))
	out.Dispose()
	assert.True(t, out.Disposed())
}
