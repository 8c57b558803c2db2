package coordinator

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
	"go.oxbow.dev/core/refresh"
	"go.oxbow.dev/core/storage"
)

// fabricStub records SetTarget messages as the dataflow fabric would.
type fabricStub struct {
	targets map[string]frontier.Frontier
}

func newFabricStub() *fabricStub {
	return &fabricStub{targets: make(map[string]frontier.Frontier)}
}

func (f *fabricStub) SetTarget(replica pc.ReplicaID, view pc.CollectionID, target frontier.Frontier) {
	f.targets[string(replica)+"/"+string(view)] = target
}

func (f *fabricStub) target(replica, view string) frontier.Frontier {
	return f.targets[replica+"/"+view]
}

// harness fixes a coordinator over a MemoryStore, a fabric stub, and a
// manually advanced clock.
type harness struct {
	store  *storage.MemoryStore
	fabric *fabricStub
	clock  time.Time
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	var h = &harness{
		store:  storage.NewMemoryStore(),
		fabric: newFabricStub(),
		clock:  time.UnixMilli(1000),
	}
	h.coord = NewCoordinator(h.store, h.fabric, func() time.Time { return h.clock })

	require.NoError(t, h.store.CreateCollection("input", frontier.At(0), frontier.At(1000)))
	return h
}

func (h *harness) pin(t *testing.T, id pc.CollectionID) (frontier.Time, bool) {
	var at, ok, err = h.store.Pin(id)
	require.NoError(t, err)
	return at, ok
}

func intervalSpec(phase frontier.Time) pc.ViewSpec {
	return pc.ViewSpec{
		ID:        "view",
		Cluster:   "cluster",
		Policy:    refresh.EveryInterval(8*time.Second, phase),
		Upstreams: []pc.CollectionID{"input"},
		CreatedAt: 1000,
	}
}

func TestScheduledRefreshExactness(t *testing.T) {
	var h = newHarness(t)
	require.NoError(t, h.coord.CreateView(intervalSpec(1000)))

	h.coord.ReplicaAdded("cluster", "r1")
	assert.True(t, frontier.At(1000).Equal(h.fabric.target("r1", "view")))

	var status, err = h.coord.Status("view")
	require.NoError(t, err)
	assert.True(t, frontier.At(0).Equal(status.Write))
	assert.True(t, frontier.At(1000).Equal(status.Target))

	// The replica reaches the first scheduled instant: it's exposed, and the
	// next instant becomes the target.
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(1000)))

	status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(1000).Equal(status.Write))
	assert.True(t, frontier.At(9000).Equal(status.Target))
	assert.True(t, frontier.At(9000).Equal(h.fabric.target("r1", "view")))

	// Intermediate replica progress is never exposed: output advances
	// strictly at scheduled instants.
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(5000)))
	status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(1000).Equal(status.Write))

	h.clock = time.UnixMilli(9000)
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(9000)))

	status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(9000).Equal(status.Write))
	assert.True(t, frontier.At(17000).Equal(status.Target))

	// Read holds track the current target.
	var at, ok = h.pin(t, "input")
	require.True(t, ok)
	assert.Equal(t, frontier.Time(17000), at)
}

func TestTerminalViewReleasesHolds(t *testing.T) {
	var h = newHarness(t)
	var spec = intervalSpec(1000)
	spec.Policy = refresh.AtCreationOnce()
	require.NoError(t, h.coord.CreateView(spec))

	// The single target is the creation time, and pins upstream history.
	var at, ok = h.pin(t, "input")
	require.True(t, ok)
	assert.Equal(t, frontier.Time(1000), at)

	h.coord.ReplicaAdded("cluster", "r1")
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(1000)))

	// The view reached the empty write frontier, and released its hold in
	// the same transition.
	var status, err = h.coord.Status("view")
	require.NoError(t, err)
	assert.True(t, status.Terminal)
	assert.True(t, status.Write.IsEmpty())
	assert.True(t, status.Target.IsEmpty())
	assert.True(t, status.Read.IsEmpty())

	_, ok = h.pin(t, "input")
	assert.False(t, ok)

	// The upstream may now compact past the time the view once held.
	require.NoError(t, h.store.AdvanceWrite("input", frontier.At(9000)))
	require.NoError(t, h.store.Compact("input", 5000))

	var read, _, err2 = h.store.Frontiers("input")
	require.NoError(t, err2)
	assert.True(t, frontier.At(5000).Equal(read))
}

func TestScaleToZeroRetainsHoldsAndTargets(t *testing.T) {
	var h = newHarness(t)
	require.NoError(t, h.coord.CreateView(intervalSpec(1000)))

	h.coord.ReplicaAdded("cluster", "r1")
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(1000)))

	// Scale to zero. The view stalls; its target and read hold persist.
	h.coord.ReplicaRemoved("cluster", "r1")

	var status, err = h.coord.Status("view")
	require.NoError(t, err)
	assert.True(t, status.Stalled)
	assert.True(t, frontier.At(1000).Equal(status.Write))
	assert.True(t, frontier.At(9000).Equal(status.Target))
	assert.Empty(t, status.Replicas)

	var at, ok = h.pin(t, "input")
	require.True(t, ok)
	assert.Equal(t, frontier.Time(9000), at)

	// Upstream compaction during the zero-replica window is bounded by the
	// retained hold: required history survives.
	require.NoError(t, h.store.AdvanceWrite("input", frontier.At(20000)))
	require.NoError(t, h.store.Compact("input", 20000))

	var read, _, err2 = h.store.Frontiers("input")
	require.NoError(t, err2)
	assert.True(t, frontier.At(9000).Equal(read))

	// Scale back to one replica. It's issued the still-pending target
	// directly: no earlier target is recomputed.
	h.clock = time.UnixMilli(9000)
	h.coord.ReplicaAdded("cluster", "r2")
	assert.True(t, frontier.At(9000).Equal(h.fabric.target("r2", "view")))

	require.NoError(t, h.coord.ReportProgress("view", "r2", frontier.At(9000)))

	status, _ = h.coord.Status("view")
	assert.False(t, status.Stalled)
	assert.True(t, frontier.At(9000).Equal(status.Write))
	assert.True(t, frontier.At(17000).Equal(status.Target))
}

func TestContinuousViewPassesThroughProgress(t *testing.T) {
	var h = newHarness(t)
	var spec = intervalSpec(0)
	spec.Policy = refresh.Continuous()
	require.NoError(t, h.coord.CreateView(spec))

	h.coord.ReplicaAdded("cluster", "r1")
	assert.True(t, frontier.At(frontier.MaxTime).Equal(h.fabric.target("r1", "view")))

	// A continuous view's hold starts at its creation time.
	var at, ok = h.pin(t, "input")
	require.True(t, ok)
	assert.Equal(t, frontier.Time(1000), at)

	// Raw progress is exposed immediately, and the hold tracks it.
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(4321)))

	var status, err = h.coord.Status("view")
	require.NoError(t, err)
	assert.True(t, frontier.At(4321).Equal(status.Write))

	at, ok = h.pin(t, "input")
	require.True(t, ok)
	assert.Equal(t, frontier.Time(4321), at)
}

func TestRegressingReplicaIsExcluded(t *testing.T) {
	var h = newHarness(t)
	var spec = intervalSpec(0)
	spec.Policy = refresh.Continuous()
	require.NoError(t, h.coord.CreateView(spec))

	h.coord.ReplicaAdded("cluster", "r1")
	h.coord.ReplicaAdded("cluster", "r2")
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(500)))
	require.NoError(t, h.coord.ReportProgress("view", "r2", frontier.At(600)))

	var err = h.coord.ReportProgress("view", "r1", frontier.At(400))
	require.Error(t, err)
	assert.Equal(t, ErrFrontierRegression, errors.Cause(err))

	// The failed replica is excluded from the meet; the remaining replica
	// alone now determines (and advances) the frontier.
	var status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(600).Equal(status.Write))

	for _, r := range status.Replicas {
		if r.Replica == "r1" {
			assert.True(t, r.Silent)
		}
	}

	// Later reports of the failed replica are dropped.
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(9999)))
	status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(600).Equal(status.Write))
}

func TestLivenessTimeoutAndReadmission(t *testing.T) {
	var h = newHarness(t)
	var spec = intervalSpec(0)
	spec.Policy = refresh.Continuous()
	require.NoError(t, h.coord.CreateView(spec))

	h.coord.ReplicaAdded("cluster", "r1")
	h.coord.ReplicaAdded("cluster", "r2")
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(500)))

	// r2 goes silent. It's excluded from aggregation, unblocking r1's
	// progress, but its assignment record is retained.
	h.clock = h.clock.Add(time.Minute)
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(800)))
	h.coord.SweepLiveness(30 * time.Second)

	var status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(800).Equal(status.Write))
	require.Len(t, status.Replicas, 2)

	for _, r := range status.Replicas {
		assert.Equal(t, r.Replica == "r2", r.Silent)
	}

	// The replica was merely slow: its next report readmits it.
	h.coord.ReportHydrated("view", "r2", false)

	status, _ = h.coord.Status("view")
	for _, r := range status.Replicas {
		assert.False(t, r.Silent)
	}
	assert.True(t, frontier.At(frontier.MaxTime).Equal(h.fabric.target("r2", "view")))
}

func TestCreateViewRejections(t *testing.T) {
	var h = newHarness(t)
	require.NoError(t, h.coord.CreateView(intervalSpec(1000)))

	// Duplicate creation.
	require.EqualError(t, h.coord.CreateView(intervalSpec(1000)), "view view already exists")

	// Non-advancing schedule.
	var spec = intervalSpec(1000)
	spec.ID = "other"
	spec.Policy = refresh.EveryInterval(0, 0)
	require.EqualError(t, h.coord.CreateView(spec),
		"Policy.Everies[0]: invalid period (0s; expected >= 1ms)")

	// Unknown upstream.
	spec = intervalSpec(1000)
	spec.ID = "other"
	spec.Upstreams = []pc.CollectionID{"missing"}
	require.EqualError(t, h.coord.CreateView(spec),
		"upstream missing of view other: no such collection missing")
}

func TestCreateViewCompactionRace(t *testing.T) {
	var h = newHarness(t)

	// The upstream has compacted history past the view's first target.
	require.NoError(t, h.store.AdvanceWrite("input", frontier.At(9000)))
	require.NoError(t, h.store.Compact("input", 5000))

	var spec = intervalSpec(1000)
	spec.Policy = refresh.AtTimes(2000)

	var err = h.coord.CreateView(spec)
	require.Error(t, err)
	assert.Equal(t, holds.ErrAlreadyCompacted, errors.Cause(err))

	// The rejected view left no state behind.
	var _, statusErr = h.coord.Status("view")
	require.Error(t, statusErr)
	var _, ok = h.pin(t, "input")
	assert.False(t, ok)
}

func TestDropViewTearsDownSynchronously(t *testing.T) {
	var h = newHarness(t)
	require.NoError(t, h.coord.CreateView(intervalSpec(1000)))
	h.coord.ReplicaAdded("cluster", "r1")

	var _, ok = h.pin(t, "input")
	require.True(t, ok)

	require.NoError(t, h.coord.DropView("view"))

	_, ok = h.pin(t, "input")
	assert.False(t, ok)

	var _, err = h.coord.Status("view")
	require.EqualError(t, err, "no such view view")
	require.EqualError(t, h.coord.DropView("view"), "no such view view")
}

func TestViewJoinsExistingCluster(t *testing.T) {
	var h = newHarness(t)

	// Replicas exist before the view does.
	h.coord.ReplicaAdded("cluster", "r1")
	h.coord.ReplicaAdded("cluster", "r2")
	require.NoError(t, h.coord.CreateView(intervalSpec(1000)))

	// Both replicas were issued the initial target.
	assert.True(t, frontier.At(1000).Equal(h.fabric.target("r1", "view")))
	assert.True(t, frontier.At(1000).Equal(h.fabric.target("r2", "view")))

	// The meet spans both replicas: one reaching the target isn't enough.
	require.NoError(t, h.coord.ReportProgress("view", "r1", frontier.At(1000)))

	var status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(0).Equal(status.Write))

	require.NoError(t, h.coord.ReportProgress("view", "r2", frontier.At(1000)))
	status, _ = h.coord.Status("view")
	assert.True(t, frontier.At(1000).Equal(status.Write))
}

func TestViewReadingAnotherView(t *testing.T) {
	var h = newHarness(t)

	var upstream = intervalSpec(1000)
	upstream.ID = "rollup"
	require.NoError(t, h.coord.CreateView(upstream))

	// A view's output is itself a storage collection, registered with the
	// storage engine before downstream views may read it. Until then, a
	// dependent view is rejected.
	var derived = intervalSpec(9000)
	derived.ID = "summary"
	derived.Upstreams = []pc.CollectionID{"rollup"}

	require.EqualError(t, h.coord.CreateView(derived),
		"upstream rollup of view summary: no such collection rollup")

	require.NoError(t, h.store.CreateCollection("rollup", frontier.At(0), frontier.At(1000)))
	require.NoError(t, h.coord.CreateView(derived))

	// The dependent view pins its upstream view's history at its own target.
	var at, ok = h.pin(t, "rollup")
	require.True(t, ok)
	assert.Equal(t, frontier.Time(9000), at)

	// Dropping the dependent view releases the pin.
	require.NoError(t, h.coord.DropView("summary"))
	_, ok = h.pin(t, "rollup")
	assert.False(t, ok)
}
