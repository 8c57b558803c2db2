package frontier

import (
	"encoding/json"
	"slices"
	"strings"
)

// Frontier is a minimal antichain of Times. It represents the statement: "all
// Times greater than or equal to an element of this set have not yet been
// observed as complete". Because Time is totally ordered, a Frontier holds at
// most one element; the general antichain construction is retained so that
// callers never depend on that cardinality.
//
// The empty Frontier is the unique terminal element of the frontier order:
// it means no further changes will ever occur, and it is strictly greater
// than every non-empty Frontier (including At(MaxTime)).
//
// Frontier values are immutable. The zero Frontier is At(0): nothing is yet
// known complete.
type Frontier struct {
	ts []Time
}

// At returns the Frontier holding exactly |t|: Times before |t| are complete,
// and |t| onward are not.
func At(t Time) Frontier { return Frontier{ts: []Time{t}} }

// Empty returns the terminal empty Frontier.
func Empty() Frontier { return Frontier{ts: []Time{}} }

// From returns the minimal antichain of |ts|. An empty argument list yields
// the terminal empty Frontier.
func From(ts ...Time) Frontier {
	if len(ts) == 0 {
		return Empty()
	}
	return At(slices.Min(ts))
}

// IsEmpty returns whether this is the terminal empty Frontier.
// Note the distinction from the zero-valued Frontier, which is At(0).
func (f Frontier) IsEmpty() bool { return f.ts != nil && len(f.ts) == 0 }

// Elements returns a copy of the Frontier's antichain elements,
// in ascending order.
func (f Frontier) Elements() []Time {
	if len(f.ts) == 0 {
		return nil
	}
	return slices.Clone(f.ts)
}

// pos maps the Frontier onto the extended total order used for comparisons:
// the element Time for a non-empty Frontier, with |top| set for the empty
// Frontier (which compares strictly greater than every Time, MaxTime
// included).
func (f Frontier) pos() (t Time, top bool) {
	if f.IsEmpty() {
		return 0, true
	} else if len(f.ts) == 0 {
		return 0, false // Zero-valued Frontier is At(0).
	}
	return f.ts[0], false
}

// Equal returns whether the Frontiers are identical.
func (f Frontier) Equal(g Frontier) bool {
	var ft, fTop = f.pos()
	var gt, gTop = g.pos()
	return fTop == gTop && ft == gt
}

// LessEqual returns whether |f| <= |g| in the frontier order.
func (f Frontier) LessEqual(g Frontier) bool {
	var ft, fTop = f.pos()
	var gt, gTop = g.pos()

	if gTop {
		return true
	} else if fTop {
		return false
	}
	return ft <= gt
}

// Less returns whether |f| < |g| in the frontier order.
func (f Frontier) Less(g Frontier) bool { return f.LessEqual(g) && !f.Equal(g) }

// LessEqualTime returns whether Time |t| is not yet complete under this
// Frontier: some element of the Frontier is <= |t|. The empty Frontier
// reports false for every Time.
func (f Frontier) LessEqualTime(t Time) bool {
	var ft, top = f.pos()
	return !top && ft <= t
}

// Reaches returns whether a write frontier at |f| has reached |target|:
// |target| <= |f|. A replica which Reaches its assigned target has produced
// all output the target requires.
func (f Frontier) Reaches(target Frontier) bool { return target.LessEqual(f) }

// Meet returns the pointwise minimum of |f| and |g|: the greatest Frontier
// which is <= both.
func (f Frontier) Meet(g Frontier) Frontier {
	if f.LessEqual(g) {
		return f
	}
	return g
}

// MeetAll returns the Meet of all |fs|. The Meet of no Frontiers is the
// terminal empty Frontier (the top element).
func MeetAll(fs ...Frontier) Frontier {
	var out = Empty()
	for _, f := range fs {
		out = out.Meet(f)
	}
	return out
}

// Advance returns the monotone advancement of |f| by |g|: |g| where
// |f| <= |g|, and |f| otherwise. The boolean reports whether the result
// differs from |f|.
func (f Frontier) Advance(g Frontier) (Frontier, bool) {
	if f.LessEqual(g) && !f.Equal(g) {
		return g, true
	}
	return f, false
}

// String returns a debug representation, eg "[1500]" or "[]" (empty).
func (f Frontier) String() string {
	var t, top = f.pos()
	if top {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(t.String())
	b.WriteByte(']')
	return b.String()
}

// MarshalJSON marshals the Frontier as its element array ("[]" is the
// terminal empty Frontier).
func (f Frontier) MarshalJSON() ([]byte, error) {
	if f.IsEmpty() {
		return []byte("[]"), nil
	}
	var t, _ = f.pos()
	return json.Marshal([]Time{t})
}

// UnmarshalJSON unmarshals a Frontier from its element array.
func (f *Frontier) UnmarshalJSON(b []byte) error {
	var ts []Time
	if err := json.Unmarshal(b, &ts); err != nil {
		return err
	}
	*f = From(ts...)
	return nil
}

// Validate returns an error if the Frontier is not a well-formed minimal
// antichain. Under a total order any two Times are comparable, so a valid
// Frontier holds at most one element.
func (f Frontier) Validate() error {
	if len(f.ts) > 1 {
		return NewValidationError("antichain has %d comparable elements (expected <= 1)", len(f.ts))
	}
	return nil
}
