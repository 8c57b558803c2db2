package protocol

import "go.oxbow.dev/core/frontier"

// HydrationState is the warm-up state of one replica with respect to one
// view's current target frontier.
type HydrationState int

const (
	// Unhydrated replicas have not begun computing toward the current target.
	Unhydrated HydrationState = iota
	// Hydrating replicas are computing toward the current target.
	Hydrating
	// Hydrated replicas have produced output for the current target.
	Hydrated
)

// String returns the HydrationState as a string.
func (s HydrationState) String() string {
	switch s {
	case Unhydrated:
		return "UNHYDRATED"
	case Hydrating:
		return "HYDRATING"
	case Hydrated:
		return "HYDRATED"
	default:
		return "INVALID"
	}
}

// ReplicaStatus is the read-only introspection view of one replica's
// execution of one view.
type ReplicaStatus struct {
	Replica ReplicaID `json:"replica"`
	// Progress is the replica's last reported progress frontier.
	Progress  frontier.Frontier `json:"progress"`
	Hydration HydrationState    `json:"hydration"`
	// Silent replicas have missed the progress-report liveness timeout.
	// They're excluded from frontier aggregation, but retain their
	// assignment until orchestration confirms removal.
	Silent bool `json:"silent"`
}

// ViewStatus is the read-only introspection view of a materialized view,
// consumed by monitoring and user-facing status queries.
type ViewStatus struct {
	ID      CollectionID `json:"id"`
	Cluster ClusterID    `json:"cluster"`
	// Read and Write are the view's authoritative global frontiers.
	Read  frontier.Frontier `json:"read"`
	Write frontier.Frontier `json:"write"`
	// Target is the view's current target frontier.
	Target frontier.Frontier `json:"target"`
	// Stalled views have no live replicas: the write frontier is frozen at
	// its last computed value until a replica is added.
	Stalled bool `json:"stalled"`
	// Terminal views have reached the empty write frontier and will never
	// change again.
	Terminal bool            `json:"terminal"`
	Replicas []ReplicaStatus `json:"replicas"`
}
