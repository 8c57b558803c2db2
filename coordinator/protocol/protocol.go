// Package protocol defines the value types exchanged between the oxbow
// coordinator and its collaborators: the planner, the per-replica dataflow
// fabric, the storage engine, and orchestration tooling.
package protocol

import (
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/refresh"
)

const (
	minIDLen = 1
	maxIDLen = 512
)

// CollectionID names a streaming relation: a base input or a materialized
// view. IDs are tokens unique within a deployment.
type CollectionID string

// Validate returns an error if the CollectionID is malformed.
func (id CollectionID) Validate() error {
	return frontier.ValidateToken(string(id), minIDLen, maxIDLen)
}

// String returns the CollectionID as a string.
func (id CollectionID) String() string { return string(id) }

// ClusterID names a compute cluster: an elastically-sized set of replicas
// which redundantly execute the views assigned to the cluster.
type ClusterID string

// Validate returns an error if the ClusterID is malformed.
func (id ClusterID) Validate() error {
	return frontier.ValidateToken(string(id), minIDLen, maxIDLen)
}

// String returns the ClusterID as a string.
func (id ClusterID) String() string { return string(id) }

// ReplicaID names one redundant, independently scheduled execution unit of a
// compute cluster. Replicas are fungible: any replica of a cluster eventually
// reports the same progress frontier for the same target.
type ReplicaID string

// Validate returns an error if the ReplicaID is malformed.
func (id ReplicaID) Validate() error {
	return frontier.ValidateToken(string(id), minIDLen, maxIDLen)
}

// String returns the ReplicaID as a string.
func (id ReplicaID) String() string { return string(id) }

// ViewSpec describes a materialized view as declared by the planner:
// its identity, the cluster which computes it, its refresh policy, and the
// upstream collections it reads.
type ViewSpec struct {
	ID        CollectionID
	Cluster   ClusterID
	Policy    refresh.Policy
	Upstreams []CollectionID
	// CreatedAt is the logical time at which the view was created, and the
	// earliest time its contents are defined.
	CreatedAt frontier.Time
}

// Validate returns an error if the ViewSpec is not well-formed.
func (s *ViewSpec) Validate() error {
	if err := s.ID.Validate(); err != nil {
		return frontier.ExtendContext(err, "ID")
	} else if err = s.Cluster.Validate(); err != nil {
		return frontier.ExtendContext(err, "Cluster")
	} else if err = s.Policy.Validate(); err != nil {
		return frontier.ExtendContext(err, "Policy")
	}
	for i, u := range s.Upstreams {
		if err := u.Validate(); err != nil {
			return frontier.ExtendContext(err, "Upstreams[%d]", i)
		} else if u == s.ID {
			return frontier.NewValidationError("Upstreams[%d]: view %s cannot read itself", i, u)
		}
	}
	return nil
}
