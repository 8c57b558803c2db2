package coordinator

import (
	"github.com/pkg/errors"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
)

// ErrFrontierRegression is returned by Aggregator.Observe when a replica
// reports a progress frontier behind its own prior report. A replica's
// frontier is monotonic by construction of the dataflow fabric, so a
// regression is a protocol violation and the replica must be treated as
// failed.
var ErrFrontierRegression = errors.New("replica progress frontier regressed")

// Aggregator reduces the per-replica progress frontiers of one view into the
// view's authoritative global write frontier: the meet (pointwise minimum)
// over all live replicas, clamped to be monotonic across membership changes.
// Clients only ever observe the meet, which is what makes view output
// deterministic and independent of replica count or internal parallelism.
//
// Aggregator is not safe for concurrent use; per the coordinator's
// concurrency model, all events of a view are applied by a single reducer.
type Aggregator struct {
	// reported is the last progress frontier of each assigned replica.
	// A newly assigned replica starts at frontier.At(0): it has produced
	// nothing, and the meet waits for it to catch up.
	reported map[pc.ReplicaID]frontier.Frontier
	// excluded replicas retain their assignment but are left out of the
	// meet: they've timed out or violated protocol.
	excluded map[pc.ReplicaID]struct{}
	// write is the advertised global write frontier. It never regresses,
	// even as the constituent replica set changes.
	write frontier.Frontier
}

// NewAggregator returns an Aggregator with no replicas and a global write
// frontier of |initial|.
func NewAggregator(initial frontier.Frontier) *Aggregator {
	return &Aggregator{
		reported: make(map[pc.ReplicaID]frontier.Frontier),
		excluded: make(map[pc.ReplicaID]struct{}),
		write:    initial,
	}
}

// AddReplica begins aggregating |id|, which starts with no reported progress.
func (a *Aggregator) AddReplica(id pc.ReplicaID) {
	if _, ok := a.reported[id]; !ok {
		a.reported[id] = frontier.At(0)
	}
}

// RemoveReplica stops aggregating |id| and drops its state. Removing the
// slowest replica can advance the meet; it can never regress it, because
// replicas never un-report progress.
func (a *Aggregator) RemoveReplica(id pc.ReplicaID) (advanced bool) {
	delete(a.reported, id)
	delete(a.excluded, id)
	return a.recompute()
}

// Exclude leaves |id| assigned but removes its frontier from the meet.
// It's applied to replicas which have timed out or violated protocol.
func (a *Aggregator) Exclude(id pc.ReplicaID) (advanced bool) {
	if _, ok := a.reported[id]; !ok {
		return false
	}
	a.excluded[id] = struct{}{}
	return a.recompute()
}

// Readmit reverses an Exclude of |id|: the replica was merely slow,
// and has resumed reporting.
func (a *Aggregator) Readmit(id pc.ReplicaID) {
	delete(a.excluded, id)
}

// Observe applies a progress report of |id|. Reports from unassigned
// replicas are ignored. A report behind the replica's prior report returns
// ErrFrontierRegression, leaving the aggregation unchanged.
func (a *Aggregator) Observe(id pc.ReplicaID, progress frontier.Frontier) (advanced bool, err error) {
	var prior, ok = a.reported[id]
	if !ok {
		return false, nil
	}
	if progress.Less(prior) {
		return false, errors.WithMessagef(ErrFrontierRegression,
			"replica %s reported %s after %s", id, progress, prior)
	}
	a.reported[id] = progress
	return a.recompute(), nil
}

// Write returns the advertised global write frontier.
func (a *Aggregator) Write() frontier.Frontier { return a.write }

// Stalled returns whether the view has zero live replicas, freezing the
// global write frontier at its last computed value. Stalled is a status,
// not an error: progress resumes when a replica is added or readmitted.
func (a *Aggregator) Stalled() bool {
	return len(a.reported) == len(a.excluded)
}

// Progress returns the last reported frontier of |id|, if assigned.
func (a *Aggregator) Progress(id pc.ReplicaID) (frontier.Frontier, bool) {
	var f, ok = a.reported[id]
	return f, ok
}

// Excluded returns whether |id| is currently excluded from the meet.
func (a *Aggregator) Excluded(id pc.ReplicaID) bool {
	var _, ok = a.excluded[id]
	return ok
}

// recompute re-derives the meet over live replicas, and advances the
// advertised write frontier if (and only if) the candidate dominates it.
func (a *Aggregator) recompute() (advanced bool) {
	if a.Stalled() {
		return false // Frontier is frozen with no live replicas.
	}
	var meet = frontier.Empty()
	for id, f := range a.reported {
		if _, ok := a.excluded[id]; !ok {
			meet = meet.Meet(f)
		}
	}
	a.write, advanced = a.write.Advance(meet)
	return advanced
}
