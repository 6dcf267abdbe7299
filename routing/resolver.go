package routing

import (
	"log/slog"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/measurement"
)

// Snapshot is a defensive copy of the three routed adapter collections taken
// at the start of a recalculation run.
type Snapshot struct {
	Inputs  []adapter.InputAdapter
	Actions []adapter.ActionAdapter
	Outputs []adapter.OutputAdapter
}

// Chain is the set of adapters that must be active to satisfy demand,
// computed fresh per recalculation and discarded after use.
type Chain map[adapter.Adapter]struct{}

// Contains reports chain membership.
func (c Chain) Contains(a adapter.Adapter) bool {
	_, ok := c[a]
	return ok
}

// Decision identifies one adapter whose desired running state changed.
type Decision struct {
	Adapter adapter.Adapter
	Role    adapter.Role
}

// Decisions lists the connect-on-demand state transitions produced by a
// demand pass. Adapters whose state did not change are absent.
type Decisions struct {
	Enable  []Decision
	Disable []Decision
}

// Resolver computes dependency chains over signal-overlap edges.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

type chainNode struct {
	a    adapter.Adapter
	role adapter.Role
}

// Resolve computes the transitive closure of adapters needed to satisfy the
// restriction. A non-empty restriction seeds the chain with every producer
// whose output keys overlap it ("what must run to produce these signals");
// an empty restriction seeds with every initialized auto-start adapter ("the
// full always-on dependency graph"). Membership is a set, so the result is
// order-independent and idempotent for fixed inputs.
func (r *Resolver) Resolve(restriction []measurement.Key, snap Snapshot) Chain {
	chain := make(Chain)
	var queue []chainNode

	add := func(a adapter.Adapter, role adapter.Role) {
		if _, ok := chain[a]; ok {
			return
		}
		chain[a] = struct{}{}
		queue = append(queue, chainNode{a: a, role: role})
	}

	if len(restriction) > 0 {
		want := measurement.NewKeySet(restriction...)
		for _, in := range snap.Inputs {
			if want.Overlaps(in.OutputKeys()) {
				add(in, adapter.RoleInput)
			}
		}
		for _, act := range snap.Actions {
			if want.Overlaps(act.OutputKeys()) {
				add(act, adapter.RoleAction)
			}
		}
	} else {
		for _, in := range snap.Inputs {
			if in.Initialized() && in.AutoStart() {
				add(in, adapter.RoleInput)
			}
		}
		for _, act := range snap.Actions {
			if act.Initialized() && act.AutoStart() {
				add(act, adapter.RoleAction)
			}
		}
		for _, out := range snap.Outputs {
			if out.Initialized() && out.AutoStart() {
				add(out, adapter.RoleOutput)
			}
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		switch node.role {
		case adapter.RoleInput:
			produced := node.a.OutputKeys()
			for _, act := range snap.Actions {
				if act.RespectInputDemands() && measurement.Overlap(act.InputKeys(), produced) {
					add(act, adapter.RoleAction)
				}
			}
			for _, out := range snap.Outputs {
				if measurement.Overlap(out.InputKeys(), produced) {
					add(out, adapter.RoleOutput)
				}
			}

		case adapter.RoleAction:
			consumed := node.a.InputKeys()
			produced := node.a.OutputKeys()
			for _, in := range snap.Inputs {
				if measurement.Overlap(in.OutputKeys(), consumed) {
					add(in, adapter.RoleInput)
				}
			}
			for _, act := range snap.Actions {
				if adapter.Adapter(act) == node.a {
					continue
				}
				if (act.RespectInputDemands() && measurement.Overlap(act.InputKeys(), produced)) ||
					(act.RespectOutputDemands() && measurement.Overlap(act.OutputKeys(), consumed)) {
					add(act, adapter.RoleAction)
				}
			}
			for _, out := range snap.Outputs {
				if measurement.Overlap(out.InputKeys(), produced) {
					add(out, adapter.RoleOutput)
				}
			}

		case adapter.RoleOutput:
			consumed := node.a.InputKeys()
			for _, in := range snap.Inputs {
				if measurement.Overlap(in.OutputKeys(), consumed) {
					add(in, adapter.RoleInput)
				}
			}
			for _, act := range snap.Actions {
				if act.RespectOutputDemands() && measurement.Overlap(act.OutputKeys(), consumed) {
					add(act, adapter.RoleAction)
				}
			}
		}
	}

	return chain
}

// keyDemand aggregates key slices where nil means "every signal".
type keyDemand struct {
	all bool
	set measurement.KeySet
}

func newKeyDemand() *keyDemand {
	return &keyDemand{set: make(measurement.KeySet)}
}

func (d *keyDemand) add(keys []measurement.Key) {
	if keys == nil {
		d.all = true
		return
	}
	d.set.Add(keys...)
}

// restrict narrows an adapter's own key set to the demanded keys. A nil own
// slice (adapter handles everything) restricted by "everything" stays nil.
func (d *keyDemand) restrict(own []measurement.Key) []measurement.Key {
	if d.all {
		if own == nil {
			return nil
		}
		out := make([]measurement.Key, len(own))
		copy(out, own)
		return out
	}
	return measurement.Intersect(own, d.set)
}

// ApplyDemands performs the connect-on-demand pass: every non-auto-start
// adapter in the chain gets its requested keys narrowed to the chain's
// aggregate supply and demand and its desired state set to enabled; every
// non-auto-start adapter outside the chain gets its requested keys cleared
// and its desired state set to disabled. Auto-start adapters are never
// touched. The returned decisions list only the adapters whose desired state
// actually changed.
func (r *Resolver) ApplyDemands(chain Chain, restriction []measurement.Key, snap Snapshot) Decisions {
	// supply: what the chain's producers can emit.
	// want: what the chain's consumers and the restriction ask for.
	supply := newKeyDemand()
	want := newKeyDemand()
	if restriction != nil {
		want.set.Add(restriction...)
	}
	for _, in := range snap.Inputs {
		if chain.Contains(in) {
			supply.add(in.OutputKeys())
		}
	}
	for _, act := range snap.Actions {
		if chain.Contains(act) {
			supply.add(act.OutputKeys())
			want.add(act.InputKeys())
		}
	}
	for _, out := range snap.Outputs {
		if chain.Contains(out) {
			want.add(out.InputKeys())
		}
	}

	var decisions Decisions

	apply := func(a adapter.Adapter, role adapter.Role, setIn, setOut bool) {
		if a.AutoStart() {
			return
		}
		if chain.Contains(a) {
			if setIn {
				a.SetRequestedInputKeys(supply.restrict(a.InputKeys()))
			}
			if setOut {
				a.SetRequestedOutputKeys(want.restrict(a.OutputKeys()))
			}
			if !a.Enabled() {
				a.SetEnabled(true)
				decisions.Enable = append(decisions.Enable, Decision{Adapter: a, Role: role})
			}
			return
		}
		a.SetRequestedInputKeys(nil)
		a.SetRequestedOutputKeys(nil)
		if a.Enabled() {
			a.SetEnabled(false)
			decisions.Disable = append(decisions.Disable, Decision{Adapter: a, Role: role})
		}
	}

	for _, in := range snap.Inputs {
		apply(in, adapter.RoleInput, false, true)
	}
	for _, act := range snap.Actions {
		apply(act, adapter.RoleAction, true, true)
	}
	for _, out := range snap.Outputs {
		apply(out, adapter.RoleOutput, true, false)
	}

	return decisions
}
