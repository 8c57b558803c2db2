package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.oxbow.dev/core/coordinator"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/storage/sqlitestore"
)

// loopbackFabric is an in-process stand-in for the dataflow fabric: a fixed
// set of simulated replicas which chase their issued target frontiers at
// wall-clock rate. It also plays the part of the upstream ingestion pipeline,
// advancing source collection write frontiers and compacting their history
// (which the store bounds by outstanding hold pins). It lets oxbowd run the
// full refresh lifecycle end to end without a compute plane.
type loopbackFabric struct {
	svc      *coordinator.Service
	store    *sqlitestore.Store
	sources  []pc.CollectionID
	replicas []pc.ReplicaID

	mu      sync.Mutex
	targets map[pc.ReplicaID]map[pc.CollectionID]frontier.Frontier
}

// newLoopbackFabric returns a loopbackFabric of |replicas| simulated members,
// ingesting into |sources|. Its Service must be attached before Run.
func newLoopbackFabric(store *sqlitestore.Store, sources []pc.CollectionID, replicas int) *loopbackFabric {
	var f = &loopbackFabric{
		store:   store,
		sources: sources,
		targets: make(map[pc.ReplicaID]map[pc.CollectionID]frontier.Frontier),
	}
	for i := 0; i != replicas; i++ {
		f.replicas = append(f.replicas, pc.ReplicaID("replica-"+uuid.NewString()))
	}
	return f
}

// SetTarget records |target| as |replica|'s current objective for |view|.
// It never blocks: targets are picked up by the next simulation tick.
func (f *loopbackFabric) SetTarget(replica pc.ReplicaID, view pc.CollectionID, target frontier.Frontier) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m = f.targets[replica]
	if m == nil {
		m = make(map[pc.CollectionID]frontier.Frontier)
		f.targets[replica] = m
	}
	m[view] = target
}

// Run ticks the simulation every |period| until |ctx| is cancelled. Each tick
// ingests into source collections, compacts them, and reports replica
// progress toward outstanding targets.
func (f *loopbackFabric) Run(ctx context.Context, period time.Duration) error {
	var ticker = time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.tick(frontier.FromWall(time.Now()))
		}
	}
}

func (f *loopbackFabric) tick(now frontier.Time) {
	for _, src := range f.sources {
		if err := f.store.AdvanceWrite(src, frontier.At(now)); err != nil {
			log.WithFields(log.Fields{"collection": src, "err": err}).
				Warn("failed to ingest into source collection")
		} else if err = f.store.Compact(src, now); err != nil {
			log.WithFields(log.Fields{"collection": src, "err": err}).
				Warn("failed to compact source collection")
		}
	}

	// A replica's progress toward its target is bounded by wall-clock time:
	// it cannot have computed input which hasn't been ingested yet. Reports
	// continue after the target is reached; they double as liveness
	// heartbeats.
	//
	// Snapshot targets first and report with the mutex released: a report can
	// block on a full service inbox while the reducer is itself inside
	// SetTarget, which needs the mutex.
	type report struct {
		replica  pc.ReplicaID
		view     pc.CollectionID
		progress frontier.Frontier
	}
	var reports []report

	f.mu.Lock()
	for replica, views := range f.targets {
		for view, target := range views {
			reports = append(reports, report{replica, view, target.Meet(frontier.At(now))})
		}
	}
	f.mu.Unlock()

	for _, r := range reports {
		f.svc.ReportProgress(r.view, r.replica, r.progress)
	}
}
