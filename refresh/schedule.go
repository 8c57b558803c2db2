package refresh

import (
	"slices"

	"github.com/pkg/errors"
	"go.oxbow.dev/core/frontier"
)

// Schedule is a Policy bound to a view's creation time, ready for evaluation.
// Binding validates the Policy against the creation time: a schedule whose
// targets can never move the view's write frontier forward is rejected here,
// synchronously at view creation, and never surfaces as a runtime fault.
type Schedule struct {
	continuous bool
	everies    []Every
	ats        []frontier.Time
}

// NewSchedule binds |policy| to a view created at |creation|. An explicit
// refresh instant strictly before |creation| (with no periodic component) is
// rejected: it can never be refreshed. An instant exactly equal to |creation|
// is legal — it's what AtCreationOnce resolves to.
func NewSchedule(policy Policy, creation frontier.Time) (Schedule, error) {
	if err := policy.Validate(); err != nil {
		return Schedule{}, errors.WithMessage(err, "invalid refresh policy")
	}

	var s = Schedule{
		continuous: policy.Continuous,
		everies:    slices.Clone(policy.Everies),
		ats:        slices.Clone(policy.Ats),
	}
	if policy.AtCreation {
		s.ats = []frontier.Time{creation}
	}
	slices.Sort(s.ats)
	s.ats = slices.Compact(s.ats)

	// Without a periodic component, an instant before creation can never be
	// refreshed and the policy is a configuration error. With one, stale
	// instants are simply skipped during evaluation.
	if len(s.everies) == 0 {
		for _, at := range s.ats {
			if at < creation {
				return Schedule{}, errors.Errorf(
					"refresh time %s is before view creation time %s", at, creation)
			}
		}
	}
	return s, nil
}

// Next returns the target frontier which follows |after|, the view's current
// write frontier, evaluated at logical time |now|: the smallest scheduled
// instant which is strictly beyond |after| and not in the past. Scheduled
// instants which have already passed are skipped and never replayed; an
// instant exactly equal to |now| is not yet missed, and is taken.
//
// Next returns the empty frontier when the schedule is exhausted (the view
// will never change again), and frontier.At(MaxTime) for continuous
// schedules, which have no scheduling delay.
func (s Schedule) Next(after frontier.Frontier, now frontier.Time) frontier.Frontier {
	if s.continuous {
		return frontier.At(frontier.MaxTime)
	}
	if after.IsEmpty() {
		return frontier.Empty()
	}

	// |bound| is the least admissible target instant.
	var bound = now
	if elems := after.Elements(); len(elems) != 0 && elems[0] >= bound {
		if elems[0] == frontier.MaxTime {
			return frontier.Empty()
		}
		bound = elems[0] + 1
	}

	var next frontier.Time
	var found bool

	for _, at := range s.ats {
		if at >= bound {
			next, found = at, true
			break // Ascending; the first admissible instant is the least.
		}
	}
	for _, e := range s.everies {
		if t, ok := e.next(bound); ok && (!found || t < next) {
			next, found = t, true
		}
	}
	if !found {
		return frontier.Empty()
	}
	return frontier.At(next)
}

// next returns the least instant Phase + k*Period which is >= |bound|,
// or false if every such instant overflows the Time domain.
func (e Every) next(bound frontier.Time) (frontier.Time, bool) {
	var period = frontier.Time(e.Period.Milliseconds())

	if bound <= e.Phase {
		return e.Phase, true
	}
	var k = (uint64(bound-e.Phase) + uint64(period) - 1) / uint64(period)

	if k > uint64(frontier.MaxTime)/uint64(period) ||
		uint64(e.Phase) > uint64(frontier.MaxTime)-k*uint64(period) {
		return 0, false
	}
	return e.Phase + frontier.Time(k)*period, true
}
