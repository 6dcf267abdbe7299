package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/measurement"
)

// routedAdapter is a test double satisfying all three routed adapter roles.
type routedAdapter struct {
	*adapter.Base
	respectIn  bool
	respectOut bool

	mu       sync.Mutex
	received []measurement.Measurement
}

func newRouted(t *testing.T, id uint64, name, conn string) *routedAdapter {
	t.Helper()
	base, err := adapter.NewBase(id, name, adapter.ParseConnectionString(conn), nil)
	require.NoError(t, err)
	a := &routedAdapter{Base: base, respectIn: true, respectOut: true}
	a.MarkInitialized()
	return a
}

func (a *routedAdapter) Initialize() error                { return nil }
func (a *routedAdapter) Start(ctx context.Context) error  { return nil }
func (a *routedAdapter) Stop(timeout time.Duration) error { return nil }
func (a *routedAdapter) Dispose()                         { a.MarkDisposed() }
func (a *routedAdapter) RespectInputDemands() bool        { return a.respectIn }
func (a *routedAdapter) RespectOutputDemands() bool       { return a.respectOut }

func (a *routedAdapter) QueueMeasurements(batch []measurement.Measurement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, batch...)
}

func (a *routedAdapter) takeReceived() []measurement.Measurement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.received
	a.received = nil
	return out
}

func keys(specs ...string) []measurement.Key {
	out := make([]measurement.Key, 0, len(specs))
	for _, s := range specs {
		k, err := measurement.ParseKey(s)
		if err != nil {
			panic(err)
		}
		out = append(out, k)
	}
	return out
}

func TestResolveEmptyRestrictionSeedsAutoStart(t *testing.T) {
	in := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	out := newRouted(t, 1, "sink", "autoStart=false; inputMeasurementKeys=SIM:1")
	idle := newRouted(t, 2, "idle", "autoStart=false; inputMeasurementKeys=OTHER:9")

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in},
		Outputs: []adapter.OutputAdapter{out, idle},
	}

	chain := NewResolver(nil).Resolve(nil, snap)

	assert.True(t, chain.Contains(in))
	assert.True(t, chain.Contains(out), "overlapping consumer joins the auto-start chain")
	assert.False(t, chain.Contains(idle))
}

func TestResolveRestrictionExpandsUpstream(t *testing.T) {
	in := newRouted(t, 1, "sim", "autoStart=false; outputMeasurementKeys=SIM:1")
	calc := newRouted(t, 1, "calc", "autoStart=false; inputMeasurementKeys=SIM:1; outputMeasurementKeys=CALC:1")
	other := newRouted(t, 2, "other", "autoStart=false; outputMeasurementKeys=OTHER:1")

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in, other},
		Actions: []adapter.ActionAdapter{calc},
	}

	chain := NewResolver(nil).Resolve(keys("CALC:1"), snap)

	assert.True(t, chain.Contains(calc), "producer of the restricted key")
	assert.True(t, chain.Contains(in), "upstream supplier of the action's inputs")
	assert.False(t, chain.Contains(other))
}

func TestResolveIdempotent(t *testing.T) {
	in := newRouted(t, 1, "sim", "autoStart=false; outputMeasurementKeys=SIM:1")
	calc := newRouted(t, 1, "calc", "autoStart=false; inputMeasurementKeys=SIM:1; outputMeasurementKeys=CALC:1")
	out := newRouted(t, 1, "sink", "autoStart=false; inputMeasurementKeys=CALC:1")

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in},
		Actions: []adapter.ActionAdapter{calc},
		Outputs: []adapter.OutputAdapter{out},
	}

	resolver := NewResolver(nil)
	first := resolver.Resolve(keys("CALC:1"), snap)
	second := resolver.Resolve(keys("CALC:1"), snap)

	assert.Equal(t, len(first), len(second))
	for a := range first {
		assert.True(t, second.Contains(a))
	}
}

func TestResolveActionDemandFlags(t *testing.T) {
	in := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	deaf := newRouted(t, 1, "deaf", "autoStart=false; inputMeasurementKeys=SIM:1; outputMeasurementKeys=CALC:1")
	deaf.respectIn = false

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in},
		Actions: []adapter.ActionAdapter{deaf},
	}

	chain := NewResolver(nil).Resolve(nil, snap)

	assert.True(t, chain.Contains(in))
	assert.False(t, chain.Contains(deaf), "action ignoring input demand stays out of the chain")
}

func TestApplyDemandsEnablesChainWithNarrowedKeys(t *testing.T) {
	in := newRouted(t, 1, "sim", "autoStart=false; outputMeasurementKeys=SIM:1,SIM:9")
	out := newRouted(t, 1, "sink", "autoStart=false; inputMeasurementKeys=SIM:1")

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in},
		Outputs: []adapter.OutputAdapter{out},
	}

	resolver := NewResolver(nil)
	restriction := keys("SIM:1")
	chain := resolver.Resolve(restriction, snap)
	require.True(t, chain.Contains(in))
	require.True(t, chain.Contains(out))

	decisions := resolver.ApplyDemands(chain, restriction, snap)

	assert.True(t, in.Enabled())
	assert.True(t, out.Enabled())
	assert.ElementsMatch(t, keys("SIM:1"), in.RequestedOutputKeys(),
		"output demand narrowed to what the chain wants")
	assert.ElementsMatch(t, keys("SIM:1"), out.RequestedInputKeys())
	assert.Len(t, decisions.Enable, 2)
	assert.Empty(t, decisions.Disable)
}

func TestApplyDemandsThroughActionChain(t *testing.T) {
	in := newRouted(t, 1, "sim", "autoStart=false; outputMeasurementKeys=SIM:1")
	calc := newRouted(t, 1, "calc", "autoStart=false; inputMeasurementKeys=SIM:1; outputMeasurementKeys=CALC:1")

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in},
		Actions: []adapter.ActionAdapter{calc},
	}

	resolver := NewResolver(nil)
	restriction := keys("CALC:1")
	chain := resolver.Resolve(restriction, snap)
	require.True(t, chain.Contains(in))
	require.True(t, chain.Contains(calc))

	decisions := resolver.ApplyDemands(chain, restriction, snap)

	assert.True(t, in.Enabled())
	assert.True(t, calc.Enabled())
	assert.ElementsMatch(t, keys("SIM:1"), in.RequestedOutputKeys())
	assert.ElementsMatch(t, keys("SIM:1"), calc.RequestedInputKeys())
	assert.ElementsMatch(t, keys("CALC:1"), calc.RequestedOutputKeys())
	assert.Len(t, decisions.Enable, 2)
}

func TestApplyDemandsDisablesOutsideChain(t *testing.T) {
	out := newRouted(t, 1, "sink", "autoStart=false; inputMeasurementKeys=SIM:1")
	out.SetEnabled(true)
	out.SetRequestedInputKeys(keys("SIM:1"))

	snap := Snapshot{Outputs: []adapter.OutputAdapter{out}}
	resolver := NewResolver(nil)

	decisions := resolver.ApplyDemands(make(Chain), nil, snap)

	assert.False(t, out.Enabled())
	assert.Nil(t, out.RequestedInputKeys())
	assert.Len(t, decisions.Disable, 1)
	assert.Empty(t, decisions.Enable)

	// A second pass over the same state produces no further transitions.
	again := resolver.ApplyDemands(make(Chain), nil, snap)
	assert.Empty(t, again.Enable)
	assert.Empty(t, again.Disable)
}

func TestApplyDemandsNeverTouchesAutoStart(t *testing.T) {
	in := newRouted(t, 1, "sim", "outputMeasurementKeys=SIM:1")
	in.SetEnabled(true)

	snap := Snapshot{Inputs: []adapter.InputAdapter{in}}

	decisions := NewResolver(nil).ApplyDemands(make(Chain), nil, snap)

	assert.True(t, in.Enabled())
	assert.Nil(t, in.RequestedOutputKeys())
	assert.Empty(t, decisions.Enable)
	assert.Empty(t, decisions.Disable)
}

func TestApplyDemandsWildcardConsumerKeepsNilRequest(t *testing.T) {
	in := newRouted(t, 1, "sim", "autoStart=false; outputMeasurementKeys=SIM:1")
	all := newRouted(t, 1, "tap", "autoStart=false")

	snap := Snapshot{
		Inputs:  []adapter.InputAdapter{in},
		Outputs: []adapter.OutputAdapter{all},
	}

	resolver := NewResolver(nil)
	restriction := keys("SIM:1")
	chain := resolver.Resolve(restriction, snap)
	require.True(t, chain.Contains(all))

	resolver.ApplyDemands(chain, restriction, snap)

	assert.ElementsMatch(t, keys("SIM:1"), all.RequestedInputKeys(),
		"wildcard consumer narrowed to the chain's supply")
}
