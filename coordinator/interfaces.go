// Package coordinator implements the frontier-based refresh scheduling and
// cross-replica consistency core: per-view aggregation of replica progress
// frontiers, hydration tracking, read hold maintenance, and the replica
// lifecycle state machine which ties them together.
package coordinator

import (
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
)

// StorageClient is the interface of the storage/compaction collaborator:
// read-hold pins, plus the current frontiers of each collection it manages.
//
// Every collection a view reads must be registered with storage before the
// view is created — including collections which are themselves materialized
// views, whose output the storage engine persists. Storage owns collection
// frontiers: it advances a collection's write frontier as output commits,
// and its read frontier as compaction proceeds (bounded by hold pins). The
// coordinator only observes them.
type StorageClient interface {
	holds.Pinner

	// Frontiers returns the current read and write frontier of collection
	// |id|, or an error if the collection is unknown.
	Frontiers(id pc.CollectionID) (read, write frontier.Frontier, err error)
}

// ReplicaClient is the outbound interface to the dataflow fabric of assigned
// replicas. Calls must not block: the fabric is a separate failure domain and
// all interaction is by message passing.
type ReplicaClient interface {
	// SetTarget instructs |replica| to compute |view| up to |target|.
	// SetTarget is idempotent: replicas ignore a target they have already
	// met or exceeded.
	SetTarget(replica pc.ReplicaID, view pc.CollectionID, target frontier.Frontier)
}
