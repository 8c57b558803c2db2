package coordinator

import (
	"cmp"
	"slices"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
	"go.oxbow.dev/core/metrics"
	"go.oxbow.dev/core/refresh"
)

// replicaRecord is the coordinator's bookkeeping of one cluster replica.
type replicaRecord struct {
	// lastReport is the wall time of the replica's last progress or
	// hydration report.
	lastReport time.Time
	// silent replicas have missed the liveness timeout. They're excluded
	// from aggregation but retain their assignment record until
	// orchestration confirms removal, avoiding a readmission race if the
	// replica was merely slow.
	silent bool
	// failed replicas have violated protocol (a regressing frontier) and
	// are permanently excluded.
	failed bool
}

// viewState is the owned-per-view record mutated only by the view's reducer.
type viewState struct {
	spec       pc.ViewSpec
	schedule   refresh.Schedule
	continuous bool
	// target is the view's current target frontier.
	target frontier.Frontier
	agg    *Aggregator
	hyd    *HydrationTracker
	// exposed is the externally visible write frontier of a scheduled view:
	// the last *reached* target. Replicas may report intermediate progress
	// (or warm up ahead of the next scheduled instant), but output is
	// exposed strictly at scheduled times, never earlier.
	exposed frontier.Frontier
	// terminal is set once the schedule is exhausted: the view has reached
	// the empty write frontier and will never change again.
	terminal bool
}

// Coordinator owns the per-view frontier and assignment records of a
// deployment, reacting to planner, fabric, and orchestration events. It is a
// logically single-threaded reducer: no two events for the same view may be
// applied concurrently, which preserves the monotonicity invariants of
// aggregation without fine-grained locking. Serialization is the caller's
// responsibility; Service provides it.
type Coordinator struct {
	storage  StorageClient
	replicas ReplicaClient
	holds    *holds.Manager
	timeNow  func() time.Time

	views    map[pc.CollectionID]*viewState
	clusters map[pc.ClusterID]map[pc.ReplicaID]*replicaRecord
}

// NewCoordinator returns a Coordinator using |storage| for read-hold pins and
// frontier queries, |replicas| for outbound fabric messages, and |timeNow|
// as its clock.
func NewCoordinator(storage StorageClient, replicas ReplicaClient, timeNow func() time.Time) *Coordinator {
	return &Coordinator{
		storage:  storage,
		replicas: replicas,
		holds:    holds.NewManager(storage),
		timeNow:  timeNow,
		views:    make(map[pc.CollectionID]*viewState),
		clusters: make(map[pc.ClusterID]map[pc.ReplicaID]*replicaRecord),
	}
}

// CreateView registers a materialized view from its planner-declared spec,
// determines its first target frontier, and acquires read holds against its
// upstream collections. Configuration errors (an invalid spec or a schedule
// which can never advance) and upstream compaction races are rejected here,
// synchronously, and leave no partial state.
func (c *Coordinator) CreateView(spec pc.ViewSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	} else if _, ok := c.views[spec.ID]; ok {
		return errors.Errorf("view %s already exists", spec.ID)
	}
	var schedule, err = refresh.NewSchedule(spec.Policy, spec.CreatedAt)
	if err != nil {
		return errors.WithMessagef(err, "view %s", spec.ID)
	}
	for _, u := range spec.Upstreams {
		if _, _, err = c.storage.Frontiers(u); err != nil {
			return errors.WithMessagef(err, "upstream %s of view %s", u, spec.ID)
		}
	}

	var v = &viewState{
		spec:       spec,
		schedule:   schedule,
		continuous: spec.Policy.IsContinuous(),
	}
	v.target = schedule.Next(frontier.At(0), frontier.FromWall(c.timeNow()))
	v.agg = NewAggregator(frontier.At(0))
	v.hyd = NewHydrationTracker(v.target)
	v.exposed = frontier.At(0)
	v.terminal = v.target.IsEmpty()

	if at, ok := v.requiredHoldTime(); ok {
		for _, u := range spec.Upstreams {
			if err = c.holds.Acquire(spec.ID, u, at); err != nil {
				c.holds.ReleaseAll(spec.ID) // No partial holds outlive the failure.
				return err
			}
		}
	}
	c.views[spec.ID] = v

	for id, rec := range c.clusters[spec.Cluster] {
		v.agg.AddReplica(id)
		v.hyd.AddReplica(id)
		if rec.silent || rec.failed {
			v.agg.Exclude(id)
		} else {
			c.pushTarget(v, id)
		}
	}

	log.WithFields(log.Fields{
		"view":    spec.ID,
		"cluster": spec.Cluster,
		"target":  v.target,
	}).Info("created view")

	metrics.ViewsCreatedTotal.Inc()
	c.updateGauges()
	return nil
}

// DropView tears down a view: its read holds, hydration state, and
// aggregation are released synchronously, on every path. No partial state
// outlives the drop.
func (c *Coordinator) DropView(id pc.CollectionID) error {
	if _, ok := c.views[id]; !ok {
		return errors.Errorf("no such view %s", id)
	}
	c.holds.ReleaseAll(id)
	delete(c.views, id)
	metrics.ViewWriteFrontier.DeleteLabelValues(id.String())

	log.WithField("view", id).Info("dropped view")
	metrics.ViewsDroppedTotal.Inc()
	c.updateGauges()
	return nil
}

// ReplicaAdded reacts to an orchestration event: |replica| joined |cluster|.
// Every view of the cluster begins aggregating the replica and is pushed the
// current target frontier.
func (c *Coordinator) ReplicaAdded(cluster pc.ClusterID, replica pc.ReplicaID) {
	var recs = c.clusters[cluster]
	if recs == nil {
		recs = make(map[pc.ReplicaID]*replicaRecord)
		c.clusters[cluster] = recs
	}
	if _, ok := recs[replica]; ok {
		log.WithFields(log.Fields{"cluster": cluster, "replica": replica}).
			Warn("replica is already a cluster member (ignoring)")
		return
	}
	recs[replica] = &replicaRecord{lastReport: c.timeNow()}

	for _, v := range c.viewsOf(cluster) {
		v.agg.AddReplica(replica)
		v.hyd.AddReplica(replica)
		c.pushTarget(v, replica)
	}

	log.WithFields(log.Fields{"cluster": cluster, "replica": replica}).
		Info("replica added")
	c.updateGauges()
}

// ReplicaRemoved reacts to an orchestration event: |replica| left |cluster|.
// Its aggregation and hydration state are pruned from every view of the
// cluster. Removing the slowest replica can advance a view's global frontier.
// Scaling to zero replicas is legal: views stall, but their last-known
// frontiers and read holds persist so that resuming later requires no
// recomputation.
func (c *Coordinator) ReplicaRemoved(cluster pc.ClusterID, replica pc.ReplicaID) {
	var recs = c.clusters[cluster]
	if _, ok := recs[replica]; !ok {
		return
	}
	delete(recs, replica)

	for _, v := range c.viewsOf(cluster) {
		var advanced = v.agg.RemoveReplica(replica)
		v.hyd.RemoveReplica(replica)
		if advanced {
			c.onAdvanced(v)
		}
	}

	log.WithFields(log.Fields{"cluster": cluster, "replica": replica}).
		Info("replica removed")
	c.updateGauges()
}

// ReportProgress applies a replica's progress report for a view. A report
// which regresses the replica's own prior report is a protocol violation:
// it is rejected, the error returned, and the replica treated as failed.
// It can never regress the global write frontier.
func (c *Coordinator) ReportProgress(view pc.CollectionID, replica pc.ReplicaID, progress frontier.Frontier) error {
	var v, ok = c.views[view]
	if !ok {
		return errors.Errorf("no such view %s", view)
	}
	var rec = c.clusters[v.spec.Cluster][replica]
	if rec == nil || rec.failed {
		// A report of a removed or failed replica is dropped, not an error:
		// removal raced the report.
		log.WithFields(log.Fields{"view": view, "replica": replica}).
			Debug("dropping progress report of unassigned or failed replica")
		return nil
	}
	c.observeLiveness(v.spec.Cluster, replica, rec)

	var advanced, err = v.agg.Observe(replica, progress)
	if err != nil {
		c.failReplica(v.spec.Cluster, replica, rec, err)
		return err
	}
	v.hyd.Observe(replica, progress)

	if advanced {
		c.onAdvanced(v)
	}
	c.updateGauges()
	return nil
}

// ReportHydrated applies a replica's explicit hydration report for a view.
func (c *Coordinator) ReportHydrated(view pc.CollectionID, replica pc.ReplicaID, hydrated bool) {
	var v, ok = c.views[view]
	if !ok {
		return
	}
	var rec = c.clusters[v.spec.Cluster][replica]
	if rec == nil || rec.failed {
		return
	}
	c.observeLiveness(v.spec.Cluster, replica, rec)
	v.hyd.ObserveReported(replica, hydrated)
}

// SweepLiveness excludes replicas which haven't reported within |timeout|
// from aggregation. Their assignment records are retained: only a confirmed
// orchestration removal drops them.
func (c *Coordinator) SweepLiveness(timeout time.Duration) {
	var now = c.timeNow()

	for cluster, recs := range c.clusters {
		for replica, rec := range recs {
			if rec.silent || rec.failed || now.Sub(rec.lastReport) <= timeout {
				continue
			}
			rec.silent = true
			metrics.ReplicasSilencedTotal.Inc()

			log.WithFields(log.Fields{"cluster": cluster, "replica": replica}).
				Warn("replica progress reports timed out (excluding from aggregation)")

			for _, v := range c.viewsOf(cluster) {
				if v.agg.Exclude(replica) {
					c.onAdvanced(v)
				}
			}
		}
	}
	c.updateGauges()
}

// observeLiveness updates the replica's liveness record, readmitting it to
// aggregation if it had gone silent.
func (c *Coordinator) observeLiveness(cluster pc.ClusterID, replica pc.ReplicaID, rec *replicaRecord) {
	rec.lastReport = c.timeNow()
	if !rec.silent {
		return
	}
	rec.silent = false

	log.WithFields(log.Fields{"cluster": cluster, "replica": replica}).
		Info("silent replica resumed reporting")

	for _, v := range c.viewsOf(cluster) {
		v.agg.Readmit(replica)
		c.pushTarget(v, replica)
	}
}

// failReplica permanently excludes a protocol-violating replica from
// aggregation in every view of its cluster.
func (c *Coordinator) failReplica(cluster pc.ClusterID, replica pc.ReplicaID, rec *replicaRecord, cause error) {
	rec.failed = true
	metrics.ProgressRejectedTotal.Inc()

	log.WithFields(log.Fields{"cluster": cluster, "replica": replica, "err": cause}).
		Error("replica violated progress protocol (excluding from aggregation)")

	for _, v := range c.viewsOf(cluster) {
		if v.agg.Exclude(replica) {
			c.onAdvanced(v)
		}
	}
	c.updateGauges()
}

// onAdvanced reacts to an advancement of a view's global write frontier:
// the schedule steps forward if the target was reached, and read holds are
// downgraded to the times still required.
func (c *Coordinator) onAdvanced(v *viewState) {
	if !v.target.IsEmpty() && v.agg.Write().Reaches(v.target) {
		c.advanceSchedule(v)
	}
	c.reconcileHolds(v)

	if w := c.exposedWrite(v).Elements(); len(w) != 0 {
		metrics.ViewWriteFrontier.WithLabelValues(v.spec.ID.String()).Set(float64(w[0]))
	}
}

// advanceSchedule exposes the reached target as the view's write frontier,
// determines the next target, resets hydration toward it, and pushes it to
// live replicas. An exhausted schedule makes the view terminal: its write
// frontier becomes the empty frontier and all of its read holds are released
// in the same transition.
func (c *Coordinator) advanceSchedule(v *viewState) {
	var next = v.schedule.Next(v.agg.Write(), frontier.FromWall(c.timeNow()))

	v.exposed = v.target
	v.target = next
	v.hyd.SetTarget(next)
	metrics.TargetsAdvancedTotal.Inc()

	if next.IsEmpty() {
		v.terminal = true
		log.WithField("view", v.spec.ID).Info("view reached terminal frontier")
		return
	}
	for id, rec := range c.clusters[v.spec.Cluster] {
		if !rec.silent && !rec.failed {
			c.pushTarget(v, id)
		}
	}
	log.WithFields(log.Fields{"view": v.spec.ID, "target": next}).
		Debug("advanced view target")
}

// pushTarget issues the view's current target to |replica|. Terminal views
// require no further computation of any replica.
func (c *Coordinator) pushTarget(v *viewState, replica pc.ReplicaID) {
	if v.target.IsEmpty() {
		return
	}
	c.replicas.SetTarget(replica, v.spec.ID, v.target)
	v.hyd.Begin(replica)
}

// requiredHoldTime is the earliest upstream time the view still requires,
// if any: the current target instant for scheduled views, and the later of
// the creation time and current write position for continuous views.
func (v *viewState) requiredHoldTime() (frontier.Time, bool) {
	if v.terminal || v.target.IsEmpty() {
		return 0, false
	}
	var at = v.target.Elements()[0]
	if at != frontier.MaxTime {
		return at, true
	}
	at = v.spec.CreatedAt
	if w := v.agg.Write().Elements(); len(w) != 0 && w[0] > at {
		at = w[0]
	}
	return at, true
}

// reconcileHolds brings the view's read holds to the times still required,
// releasing them entirely once the view will never read its inputs again.
func (c *Coordinator) reconcileHolds(v *viewState) {
	var at, ok = v.requiredHoldTime()
	if !ok {
		c.holds.ReleaseAll(v.spec.ID)
		return
	}
	for _, u := range v.spec.Upstreams {
		c.holds.Downgrade(v.spec.ID, u, at)
	}
}

// viewsOf returns the views assigned to |cluster|, ordered by ID.
func (c *Coordinator) viewsOf(cluster pc.ClusterID) []*viewState {
	var out []*viewState
	for _, v := range c.views {
		if v.spec.Cluster == cluster {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b *viewState) int {
		return cmp.Compare(a.spec.ID, b.spec.ID)
	})
	return out
}

func (c *Coordinator) updateGauges() {
	var stalled int
	for _, v := range c.views {
		if !v.terminal && v.agg.Stalled() {
			stalled++
		}
	}
	metrics.StalledViews.Set(float64(stalled))
	metrics.OutstandingReadHolds.Set(float64(c.holds.Count()))
}
