package coordinator

import (
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
)

// HydrationTracker is the per (view, replica) warm-up state machine:
// Unhydrated => Hydrating => Hydrated, keyed to the view's current target
// frontier. A scheduled view may begin computing its next target ahead of the
// scheduled instant, so that it is already Hydrated when the target becomes
// due; whether to pre-compute is the lifecycle coordinator's decision. The
// tracker only reports state.
type HydrationTracker struct {
	target frontier.Frontier
	states map[pc.ReplicaID]pc.HydrationState
}

// NewHydrationTracker returns a tracker for a view with |target|.
func NewHydrationTracker(target frontier.Frontier) *HydrationTracker {
	return &HydrationTracker{
		target: target,
		states: make(map[pc.ReplicaID]pc.HydrationState),
	}
}

// AddReplica tracks |id|, which starts Unhydrated. A replaced replica (same
// ID removed and re-added) also starts Unhydrated.
func (t *HydrationTracker) AddReplica(id pc.ReplicaID) {
	if _, ok := t.states[id]; !ok {
		t.states[id] = pc.Unhydrated
	}
}

// RemoveReplica drops state of |id|.
func (t *HydrationTracker) RemoveReplica(id pc.ReplicaID) { delete(t.states, id) }

// Begin marks that |id| has been issued the current target and is computing
// toward it.
func (t *HydrationTracker) Begin(id pc.ReplicaID) {
	if s, ok := t.states[id]; ok && s == pc.Unhydrated {
		t.states[id] = pc.Hydrating
	}
}

// Observe applies a progress report of |id|: the first report which reaches
// the current target hydrates the replica.
func (t *HydrationTracker) Observe(id pc.ReplicaID, progress frontier.Frontier) {
	if _, ok := t.states[id]; !ok {
		return
	}
	if progress.Reaches(t.target) {
		t.states[id] = pc.Hydrated
	}
}

// ObserveReported applies an explicit hydration report from the replica's
// dataflow fabric.
func (t *HydrationTracker) ObserveReported(id pc.ReplicaID, hydrated bool) {
	if _, ok := t.states[id]; !ok {
		return
	}
	if hydrated {
		t.states[id] = pc.Hydrated
	} else {
		t.states[id] = pc.Hydrating
	}
}

// SetTarget replaces the tracked target. Replicas fall back to Hydrating for
// a new non-terminal target; the terminal empty target leaves every replica
// Hydrated, as no further output is required of any of them.
func (t *HydrationTracker) SetTarget(target frontier.Frontier) {
	t.target = target
	for id := range t.states {
		if target.IsEmpty() {
			t.states[id] = pc.Hydrated
		} else {
			t.states[id] = pc.Hydrating
		}
	}
}

// State returns the hydration state of |id|.
func (t *HydrationTracker) State(id pc.ReplicaID) pc.HydrationState {
	return t.states[id]
}
