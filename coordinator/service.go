package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
)

// ServiceConfig parametrizes a Service.
type ServiceConfig struct {
	// LivenessTimeout bounds how long a replica may go without reporting
	// before it's excluded from frontier aggregation.
	LivenessTimeout time.Duration
	// SweepInterval is the period of liveness timeout checks.
	SweepInterval time.Duration
}

// Validate returns an error if the ServiceConfig is malformed.
func (cfg ServiceConfig) Validate() error {
	if cfg.LivenessTimeout <= 0 {
		return frontier.NewValidationError("invalid LivenessTimeout (%s; expected > 0)", cfg.LivenessTimeout)
	} else if cfg.SweepInterval <= 0 {
		return frontier.NewValidationError("invalid SweepInterval (%s; expected > 0)", cfg.SweepInterval)
	}
	return nil
}

// Service drives a Coordinator as an event-driven reducer. Inbound events
// from the planner, the per-replica dataflow fabric, and orchestration are
// serialized through an inbox and applied one at a time, which upholds the
// coordinator's concurrency model without locks. Progress, hydration, and
// membership events never block the reporting caller; planner operations and
// status queries are synchronous, completing when the reducer has applied
// them.
type Service struct {
	coord  *Coordinator
	cfg    ServiceConfig
	events chan func()
}

// NewService returns a Service around |coord|.
func NewService(coord *Coordinator, cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		coord:  coord,
		cfg:    cfg,
		events: make(chan func(), 1024),
	}, nil
}

// Run applies inbox events and periodic liveness sweeps until |ctx| is
// cancelled. It must be running for any Service operation to complete.
func (s *Service) Run(ctx context.Context) error {
	var ticker = time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"livenessTimeout": s.cfg.LivenessTimeout,
		"sweepInterval":   s.cfg.SweepInterval,
	}).Info("coordinator service started")

	for {
		select {
		case <-ctx.Done():
			log.Info("coordinator service stopped")
			return nil
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			s.coord.SweepLiveness(s.cfg.LivenessTimeout)
		}
	}
}

// CreateView registers a view, synchronously: configuration errors and
// upstream compaction races are reported to the caller and never surface
// later.
func (s *Service) CreateView(spec pc.ViewSpec) error {
	var err error
	s.do(func() { err = s.coord.CreateView(spec) })
	return err
}

// DropView drops a view, synchronously tearing down its holds, hydration
// state, and assignments.
func (s *Service) DropView(id pc.CollectionID) error {
	var err error
	s.do(func() { err = s.coord.DropView(id) })
	return err
}

// ReportProgress applies a replica progress report, without blocking the
// caller. A protocol-violating report is handled (and logged) by the reducer;
// a report arriving after its view was dropped is logged and discarded.
func (s *Service) ReportProgress(view pc.CollectionID, replica pc.ReplicaID, progress frontier.Frontier) {
	s.events <- func() {
		if err := s.coord.ReportProgress(view, replica, progress); err != nil {
			log.WithFields(log.Fields{"view": view, "replica": replica, "err": err}).
				Debug("progress report not applied")
		}
	}
}

// ReportHydrated applies a replica hydration report, without blocking the
// caller.
func (s *Service) ReportHydrated(view pc.CollectionID, replica pc.ReplicaID, hydrated bool) {
	s.events <- func() { s.coord.ReportHydrated(view, replica, hydrated) }
}

// ReplicaAdded applies an orchestration scale-up event, without blocking the
// caller.
func (s *Service) ReplicaAdded(cluster pc.ClusterID, replica pc.ReplicaID) {
	s.events <- func() { s.coord.ReplicaAdded(cluster, replica) }
}

// ReplicaRemoved applies a confirmed orchestration scale-down event, without
// blocking the caller.
func (s *Service) ReplicaRemoved(cluster pc.ClusterID, replica pc.ReplicaID) {
	s.events <- func() { s.coord.ReplicaRemoved(cluster, replica) }
}

// Status resolves the introspection status of one view.
func (s *Service) Status(id pc.CollectionID) (pc.ViewStatus, error) {
	var (
		status pc.ViewStatus
		err    error
	)
	s.do(func() { status, err = s.coord.Status(id) })
	return status, err
}

// StatusAll resolves introspection statuses of all views.
func (s *Service) StatusAll() []pc.ViewStatus {
	var out []pc.ViewStatus
	s.do(func() { out = s.coord.StatusAll() })
	return out
}

// do applies |fn| within the reducer and awaits its completion.
func (s *Service) do(fn func()) {
	var done = make(chan struct{})
	s.events <- func() {
		fn()
		close(done)
	}
	<-done
}
