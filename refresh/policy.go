// Package refresh models the refresh policy attached to a materialized view,
// and evaluates it into the ordered sequence of target frontiers the view's
// write frontier must reach. Evaluation is a pure function of the policy, the
// view's current write frontier, and the current logical time; no wall-clock
// dependence or embedded timers.
package refresh

import (
	"slices"
	"time"

	"go.oxbow.dev/core/frontier"
)

// Every is one periodic refresh component: scheduled instants are
// Phase + k*Period for integer k >= 0.
type Every struct {
	Period time.Duration
	Phase  frontier.Time
}

// Policy declares when a view's externally visible result is allowed to
// advance. A Policy is immutable once attached to a view at creation.
//
// The zero-valued Policy is invalid; use one of the constructors. Policies
// built from AtTimes and EveryInterval may be combined with And; Continuous
// and AtCreationOnce stand alone.
type Policy struct {
	// Continuous views have no scheduling delay: raw replica progress is
	// exposed immediately.
	Continuous bool
	// AtCreation resolves to a single refresh at the view's creation time,
	// with no further target.
	AtCreation bool
	// Everies are periodic refresh components.
	Everies []Every
	// Ats are explicit one-shot refresh instants.
	Ats []frontier.Time
}

// Continuous returns the Policy of a continuously maintained view.
func Continuous() Policy { return Policy{Continuous: true} }

// AtCreationOnce returns the Policy of a view refreshed exactly once,
// at its creation time.
func AtCreationOnce() Policy { return Policy{AtCreation: true} }

// EveryInterval returns the Policy refreshing at |phase| + k*|period|.
func EveryInterval(period time.Duration, phase frontier.Time) Policy {
	return Policy{Everies: []Every{{Period: period, Phase: phase}}}
}

// AtTimes returns the Policy refreshing at each of |ts|, ascending,
// and never thereafter.
func AtTimes(ts ...frontier.Time) Policy {
	return Policy{Ats: slices.Clone(ts)}
}

// And merges two AtTimes/EveryInterval Policies. Continuous and
// AtCreationOnce Policies cannot be combined; And propagates the markers and
// Validate rejects the result.
func (p Policy) And(q Policy) Policy {
	return Policy{
		Continuous: p.Continuous || q.Continuous,
		AtCreation: p.AtCreation || q.AtCreation,
		Everies:    append(slices.Clone(p.Everies), q.Everies...),
		Ats:        append(slices.Clone(p.Ats), q.Ats...),
	}
}

// IsContinuous returns whether the Policy is Continuous.
func (p Policy) IsContinuous() bool { return p.Continuous }

// Validate returns an error if the Policy is structurally invalid: an empty
// schedule, a non-positive period, or an illegal combination. Time-dependent
// checks (an AtTimes instant before view creation) are performed by Schedule.
func (p Policy) Validate() error {
	if p.Continuous {
		if p.AtCreation || len(p.Everies) != 0 || len(p.Ats) != 0 {
			return frontier.NewValidationError("a continuous policy cannot be combined with a schedule")
		}
		return nil
	}
	if p.AtCreation {
		if len(p.Everies) != 0 || len(p.Ats) != 0 {
			return frontier.NewValidationError("an at-creation policy cannot be combined with a schedule")
		}
		return nil
	}
	if len(p.Everies) == 0 && len(p.Ats) == 0 {
		return frontier.NewValidationError("policy has no refresh schedule")
	}
	for i, e := range p.Everies {
		if e.Period < time.Millisecond {
			return frontier.ExtendContext(
				frontier.NewValidationError("invalid period (%s; expected >= 1ms)", e.Period),
				"Everies[%d]", i)
		}
	}
	return nil
}
