package system

import (
	"sort"
	"time"
)

// Runner drives one session's systems. Each Tick runs them by phase, and
// registration order breaks ties, so the dispatch system registered first
// in PhaseInput always runs before the rest of the input systems.
type Runner struct {
	systems []System
	sorted  bool
	ticks   uint64

	budget  time.Duration
	last    time.Duration
	overrun uint64
}

func NewRunner() *Runner {
	return &Runner{systems: make([]System, 0, 8)}
}

// SetBudget sets the wall time a tick may take before it counts as an
// overrun. Zero disables the check.
func (r *Runner) SetBudget(d time.Duration) { r.budget = d }

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

// Tick runs every system once with the nominal step dt and reports whether
// the tick stayed within budget.
func (r *Runner) Tick(dt time.Duration) bool {
	if !r.sorted {
		sort.SliceStable(r.systems, func(i, j int) bool {
			return r.systems[i].Phase() < r.systems[j].Phase()
		})
		r.sorted = true
	}
	start := time.Now()
	for _, s := range r.systems {
		s.Update(dt)
	}
	r.last = time.Since(start)
	r.ticks++
	if r.budget > 0 && r.last > r.budget {
		r.overrun++
		return false
	}
	return true
}

// Ticks returns how many ticks have completed.
func (r *Runner) Ticks() uint64 { return r.ticks }

// Last is the wall time the previous tick took.
func (r *Runner) Last() time.Duration { return r.last }

// Overruns counts ticks that exceeded the budget.
func (r *Runner) Overruns() uint64 { return r.overrun }
