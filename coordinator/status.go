package coordinator

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
)

// Status returns the read-only introspection status of view |id|.
func (c *Coordinator) Status(id pc.CollectionID) (pc.ViewStatus, error) {
	var v, ok = c.views[id]
	if !ok {
		return pc.ViewStatus{}, errors.Errorf("no such view %s", id)
	}
	return c.status(v), nil
}

// StatusAll returns statuses of all views, ordered by ID.
func (c *Coordinator) StatusAll() []pc.ViewStatus {
	var out []pc.ViewStatus
	for _, v := range c.views {
		out = append(out, c.status(v))
	}
	slices.SortFunc(out, func(a, b pc.ViewStatus) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (c *Coordinator) status(v *viewState) pc.ViewStatus {
	var s = pc.ViewStatus{
		ID:       v.spec.ID,
		Cluster:  v.spec.Cluster,
		Write:    c.exposedWrite(v),
		Target:   v.target,
		Stalled:  !v.terminal && v.agg.Stalled(),
		Terminal: v.terminal,
	}
	s.Read = c.readFrontier(v, s.Write)

	for id := range c.clusters[v.spec.Cluster] {
		var progress, _ = v.agg.Progress(id)
		s.Replicas = append(s.Replicas, pc.ReplicaStatus{
			Replica:   id,
			Progress:  progress,
			Hydration: v.hyd.State(id),
			Silent:    v.agg.Excluded(id),
		})
	}
	slices.SortFunc(s.Replicas, func(a, b pc.ReplicaStatus) int {
		return cmp.Compare(a.Replica, b.Replica)
	})
	return s
}

// exposedWrite is the externally visible write frontier of the view. A
// continuous view passes through the aggregated meet of live replicas; a
// scheduled view exposes only reached targets, so that output advances
// strictly at the scheduled instants. A terminal view exposes the empty
// frontier.
func (c *Coordinator) exposedWrite(v *viewState) frontier.Frontier {
	if v.terminal {
		return frontier.Empty()
	} else if v.continuous {
		return v.agg.Write()
	}
	return v.exposed
}

// readFrontier is the view's global read frontier: it advances with the
// write frontier, except while a downstream consumer holds this view's
// history through the hold manager.
func (c *Coordinator) readFrontier(v *viewState, write frontier.Frontier) frontier.Frontier {
	if at, ok := c.holds.Pinned(v.spec.ID); ok {
		return frontier.At(at).Meet(write)
	}
	return write
}
