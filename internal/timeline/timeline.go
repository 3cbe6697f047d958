// Package timeline schedules payloads at fixed offsets. Timelines are
// advanced by the session tick; nothing here starts goroutines or timers.
package timeline

import (
	"sort"
	"time"

	"github.com/visus/twinsync/internal/protocol"
)

// State is the lifecycle of a Timeline.
type State uint8

const (
	Running State = iota
	Paused
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Step is one payload fired At after the timeline (or the current loop
// iteration) started.
type Step struct {
	Name    string
	At      time.Duration
	Payload protocol.Payload
}

type Timeline struct {
	Name string
	Loop bool
	// Period is the length of one loop iteration. It never ends before the
	// last step.
	Period time.Duration

	steps   []Step
	elapsed time.Duration
	next    int
	state   State
}

// New returns a running timeline. Steps are ordered by offset; steps with
// equal offsets keep their given order.
func New(name string, steps []Step) *Timeline {
	s := make([]Step, len(steps))
	copy(s, steps)
	sort.SliceStable(s, func(i, j int) bool { return s[i].At < s[j].At })
	return &Timeline{Name: name, steps: s}
}

func (t *Timeline) State() State           { return t.state }
func (t *Timeline) Elapsed() time.Duration { return t.elapsed }
func (t *Timeline) Steps() []Step          { return t.steps }

// Finished reports whether the timeline will never fire again.
func (t *Timeline) Finished() bool { return t.state == Done || t.state == Cancelled }

// Duration is the offset of the last step.
func (t *Timeline) Duration() time.Duration {
	if len(t.steps) == 0 {
		return 0
	}
	return t.steps[len(t.steps)-1].At
}

// Advance moves the clock by dt and returns the steps that became due, in
// order. A looping timeline wraps once its last step fired and a full period
// has elapsed; a timeline with a zero period never loops.
func (t *Timeline) Advance(dt time.Duration) []Step {
	if t.state != Running || dt < 0 {
		return nil
	}
	t.elapsed += dt

	var (
		due   []Step
		wraps int
	)
	for {
		for t.next < len(t.steps) && t.steps[t.next].At <= t.elapsed {
			due = append(due, t.steps[t.next])
			t.next++
		}
		if t.next < len(t.steps) {
			return due
		}
		period := t.period()
		if !t.Loop || period <= 0 {
			t.state = Done
			return due
		}
		if t.elapsed < period {
			return due
		}
		t.elapsed -= period
		t.next = 0
		if wraps++; wraps >= maxWraps {
			// Missed cycles are skipped rather than replayed.
			t.elapsed %= period
		}
	}
}

// MinPeriod is the shortest loop period. Shorter non-zero periods are
// raised to it.
const MinPeriod = 10 * time.Millisecond

// maxWraps bounds how many loop cycles one Advance replays.
const maxWraps = 8

func (t *Timeline) period() time.Duration {
	p := max(t.Period, t.Duration())
	if p > 0 && p < MinPeriod {
		return MinPeriod
	}
	return p
}

// Pause stops the clock. It has no effect on a finished timeline.
func (t *Timeline) Pause() {
	if t.state == Running {
		t.state = Paused
	}
}

func (t *Timeline) Resume() {
	if t.state == Paused {
		t.state = Running
	}
}

// Cancel drops every pending step.
func (t *Timeline) Cancel() {
	if !t.Finished() {
		t.state = Cancelled
	}
}

// Rewind restarts the timeline from zero unless it was cancelled.
func (t *Timeline) Rewind() {
	if t.state == Cancelled {
		return
	}
	t.elapsed = 0
	t.next = 0
	t.state = Running
}
