// Package holds implements the read hold manager: leases acquired against
// upstream collections on behalf of downstream views, pinning upstream read
// frontiers so that required history is not compacted away while a view
// still needs it.
package holds

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
)

// ErrAlreadyCompacted is returned by a Pinner when a hold is requested at a
// time which is already behind the upstream's read frontier: the required
// history has been compacted away. This is fatal for the requesting view,
// which cannot be satisfied and must be recreated from a later starting time.
var ErrAlreadyCompacted = errors.New("requested time has already been compacted")

// Pinner is the interface of the storage/compaction collaborator. AcquireHold
// pins |upstream|'s read frontier at or before |at|, replacing any prior pin
// held by this manager, and returns ErrAlreadyCompacted if |at| is already
// behind the upstream's read frontier. ReleaseHold removes the pin entirely.
type Pinner interface {
	AcquireHold(upstream pc.CollectionID, at frontier.Time) error
	ReleaseHold(upstream pc.CollectionID)
}

// Manager tracks read holds per (holder view, upstream collection) pair and
// reconciles the per-upstream minimum across all holders against the Pinner.
// Holds are reference-counted per pair, not per request: repeated acquisition
// at non-decreasing times is idempotent, and only the tightest (earliest)
// bound is retained.
//
// Manager is safe for concurrent use.
type Manager struct {
	pinner Pinner

	mu sync.Mutex
	// holds indexes upstream => holder => held time.
	holds map[pc.CollectionID]map[pc.CollectionID]frontier.Time
	// pinned is the time last reconciled with the Pinner, per upstream.
	pinned map[pc.CollectionID]frontier.Time
}

// NewManager returns a Manager reconciling holds against |pinner|.
func NewManager(pinner Pinner) *Manager {
	return &Manager{
		pinner: pinner,
		holds:  make(map[pc.CollectionID]map[pc.CollectionID]frontier.Time),
		pinned: make(map[pc.CollectionID]frontier.Time),
	}
}

// Acquire creates or strengthens the hold of |holder| against |upstream|, so
// that |upstream|'s read frontier does not advance past |at| while the hold
// is outstanding. If |holder| already holds at an earlier time, Acquire is a
// no-op: the tighter bound is retained. Acquire fails with an error wrapping
// ErrAlreadyCompacted if |at| tightens the upstream pin to a time already
// compacted away, in which case the prior holds are unchanged.
func (m *Manager) Acquire(holder, upstream pc.CollectionID, at frontier.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var byHolder = m.holds[upstream]
	if prior, ok := byHolder[holder]; ok && prior <= at {
		return nil
	}
	if byHolder == nil {
		byHolder = make(map[pc.CollectionID]frontier.Time)
		m.holds[upstream] = byHolder
	}

	if err := m.reconcile(upstream, at); err != nil {
		if len(byHolder) == 0 {
			delete(m.holds, upstream)
		}
		return errors.WithMessagef(err, "acquiring hold of %s against %s at %s", holder, upstream, at)
	}
	byHolder[holder] = at
	return nil
}

// Downgrade weakens the hold of |holder| against |upstream| to |at|, allowing
// the upstream read frontier to advance that far. A hold at or beyond |at|,
// or no hold at all, is left unchanged: holds only ever weaken through
// Downgrade, never strengthen.
func (m *Manager) Downgrade(holder, upstream pc.CollectionID, at frontier.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var byHolder = m.holds[upstream]
	if prior, ok := byHolder[holder]; !ok || prior >= at {
		return
	}
	byHolder[holder] = at

	// Weakening a hold can only loosen the upstream pin. It cannot fail.
	if err := m.reconcile(upstream, at); err != nil {
		log.WithFields(log.Fields{"holder": holder, "upstream": upstream, "err": err}).
			Error("failed to reconcile downgraded hold (will not occur)")
	}
}

// Release removes the hold of |holder| against |upstream|, if any. The last
// released hold of an upstream releases the storage pin entirely.
func (m *Manager) Release(holder, upstream pc.CollectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(holder, upstream)
}

// ReleaseAll removes every hold of |holder|. It's called when a view reaches
// the terminal empty frontier and will never read its inputs again, and on
// view drop.
func (m *Manager) ReleaseAll(holder pc.CollectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for upstream, byHolder := range m.holds {
		if _, ok := byHolder[holder]; ok {
			m.release(holder, upstream)
		}
	}
}

// Held returns the time at which |holder| holds |upstream|, if it does.
func (m *Manager) Held(holder, upstream pc.CollectionID) (frontier.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var at, ok = m.holds[upstream][holder]
	return at, ok
}

// Pinned returns the time at which |upstream| is currently pinned with the
// Pinner: the minimum across all outstanding holds.
func (m *Manager) Pinned(upstream pc.CollectionID) (frontier.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var at, ok = m.pinned[upstream]
	return at, ok
}

// Count returns the total number of outstanding holds.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, byHolder := range m.holds {
		n += len(byHolder)
	}
	return n
}

// release removes one hold and reconciles. m.mu must be held.
func (m *Manager) release(holder, upstream pc.CollectionID) {
	var byHolder = m.holds[upstream]
	if _, ok := byHolder[holder]; !ok {
		return
	}
	delete(byHolder, holder)

	if len(byHolder) == 0 {
		delete(m.holds, upstream)
		delete(m.pinned, upstream)
		m.pinner.ReleaseHold(upstream)

		log.WithFields(log.Fields{"holder": holder, "upstream": upstream}).
			Debug("released last hold of upstream")
		return
	}
	if err := m.reconcile(upstream, frontier.MaxTime); err != nil {
		log.WithFields(log.Fields{"holder": holder, "upstream": upstream, "err": err}).
			Error("failed to reconcile released hold (will not occur)")
	}
}

// reconcile re-derives the tightest bound across current holds of |upstream|
// and |candidate|, and updates the Pinner if it changed. m.mu must be held.
func (m *Manager) reconcile(upstream pc.CollectionID, candidate frontier.Time) error {
	var min = candidate
	for _, at := range m.holds[upstream] {
		if at < min {
			min = at
		}
	}
	if prior, ok := m.pinned[upstream]; ok && prior == min {
		return nil
	}
	if err := m.pinner.AcquireHold(upstream, min); err != nil {
		return err
	}
	m.pinned[upstream] = min
	return nil
}
