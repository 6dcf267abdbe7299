package routing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

func batchOf(specs ...string) []measurement.Measurement {
	out := make([]measurement.Measurement, 0, len(specs))
	for i, k := range keys(specs...) {
		out = append(out, measurement.New(k, float64(i)))
	}
	return out
}

func patchAdd(t *testing.T, r *DoubleBufferedRoutes, producers, consumers []adapter.Adapter) {
	t.Helper()
	require.NoError(t, r.PatchRoutingTable(
		Diff{Added: producers},
		Diff{Added: consumers},
	))
}

func waitForBatch(t *testing.T, a *routedAdapter, want int) []measurement.Measurement {
	t.Helper()
	var got []measurement.Measurement
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		got = append([]measurement.Measurement(nil), a.received...)
		return len(got) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestInjectRoutesByKey(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1,SIM:2")
	sink := newRouted(t, 1, "sink", "inputMeasurementKeys=SIM:1")

	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	require.NoError(t, routes.Initialize(nil, nil))
	patchAdd(t, routes,
		[]adapter.Adapter{producer},
		[]adapter.Adapter{sink})

	routes.InjectMeasurements(producer, batchOf("SIM:1", "SIM:2"))

	got := waitForBatch(t, sink, 1)
	require.Len(t, got, 1)
	assert.Equal(t, measurement.NewKey("SIM", 1), got[0].Key)
}

func TestInjectDeliversEverythingToWildcardConsumer(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1,SIM:2")
	tap := newRouted(t, 1, "tap", "")

	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	patchAdd(t, routes,
		[]adapter.Adapter{producer},
		[]adapter.Adapter{tap})

	routes.InjectMeasurements(producer, batchOf("SIM:1", "SIM:2"))

	got := waitForBatch(t, tap, 2)
	assert.Len(t, got, 2)
}

func TestInjectNeverEchoesToSender(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	loop := newRouted(t, 1, "loop", "inputMeasurementKeys=SIM:1; outputMeasurementKeys=SIM:1")
	sink := newRouted(t, 2, "sink", "inputMeasurementKeys=SIM:1")

	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	patchAdd(t, routes,
		[]adapter.Adapter{producer, loop},
		[]adapter.Adapter{loop, sink})

	routes.InjectMeasurements(loop, batchOf("SIM:1"))

	waitForBatch(t, sink, 1)
	assert.Empty(t, loop.takeReceived(), "sender excluded from its own batch")

	routes.InjectMeasurements(producer, batchOf("SIM:1"))
	waitForBatch(t, loop, 1)
}

func TestPatchRefreshesNarrowedSubscriptions(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1,SIM:2")
	sink := newRouted(t, 1, "sink", "inputMeasurementKeys=SIM:1,SIM:2")

	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	patchAdd(t, routes,
		[]adapter.Adapter{producer},
		[]adapter.Adapter{sink})
	assert.Equal(t, 2, routes.RouteCount())

	// The resolver narrowed the subscription; an empty patch picks it up.
	sink.SetRequestedInputKeys(keys("SIM:2"))
	require.NoError(t, routes.PatchRoutingTable(Diff{}, Diff{}))
	assert.Equal(t, 1, routes.RouteCount())

	routes.InjectMeasurements(producer, batchOf("SIM:1", "SIM:2"))

	waitForBatch(t, sink, 1)
	time.Sleep(20 * time.Millisecond)
	got := sink.takeReceived()
	require.Len(t, got, 1)
	assert.Equal(t, measurement.NewKey("SIM", 2), got[0].Key)
}

func TestExplicitlyEmptySubscriptionReceivesNothing(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	sink := newRouted(t, 1, "sink", "")
	sink.SetRequestedInputKeys([]measurement.Key{})

	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	patchAdd(t, routes,
		[]adapter.Adapter{producer},
		[]adapter.Adapter{sink})
	assert.Zero(t, routes.RouteCount())

	routes.InjectMeasurements(producer, batchOf("SIM:1"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.takeReceived())
}

func TestRemovedConsumerStopsReceiving(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	sink := newRouted(t, 1, "sink", "inputMeasurementKeys=SIM:1")

	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	patchAdd(t, routes,
		[]adapter.Adapter{producer},
		[]adapter.Adapter{sink})

	routes.InjectMeasurements(producer, batchOf("SIM:1"))
	waitForBatch(t, sink, 1)
	sink.takeReceived()

	require.NoError(t, routes.PatchRoutingTable(
		Diff{},
		Diff{Removed: []adapter.Adapter{sink}}))
	assert.Zero(t, routes.RouteCount())

	routes.InjectMeasurements(producer, batchOf("SIM:1"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.takeReceived())
}

func TestConsumerPanicIsIsolated(t *testing.T) {
	producer := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	angry := &panickyConsumer{routedAdapter: newRouted(t, 1, "angry", "inputMeasurementKeys=SIM:1")}

	reported := make(chan struct{}, 1)
	routes := NewDoubleBufferedRoutes()
	defer routes.Close()
	require.NoError(t, routes.Initialize(nil, func(_ adapter.Adapter, err error) {
		select {
		case reported <- struct{}{}:
		default:
		}
	}))
	patchAdd(t, routes,
		[]adapter.Adapter{producer},
		[]adapter.Adapter{angry})

	routes.InjectMeasurements(producer, batchOf("SIM:1"))
	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("panic never reported")
	}

	// The drain goroutine survives and keeps delivering.
	angry.calm.Store(true)
	routes.InjectMeasurements(producer, batchOf("SIM:1"))
	waitForBatch(t, angry.routedAdapter, 1)
}

type panickyConsumer struct {
	*routedAdapter
	calm atomic.Bool
}

func (p *panickyConsumer) QueueMeasurements(batch []measurement.Measurement) {
	if !p.calm.Load() {
		panic("consumer bug")
	}
	p.routedAdapter.QueueMeasurements(batch)
}

func TestPatchAfterCloseReturnsDisposed(t *testing.T) {
	routes := NewDoubleBufferedRoutes()
	routes.Close()

	err := routes.PatchRoutingTable(Diff{}, Diff{})
	assert.ErrorIs(t, err, errors.ErrDisposed)

	// Inject and a second Close are harmless after disposal.
	routes.InjectMeasurements(nil, batchOf("SIM:1"))
	routes.Close()
}
