package timeline

import (
	"time"

	"go.uber.org/zap"
)

// Scheduler owns every active timeline and advances them from one tick.
// It is not safe for concurrent use.
type Scheduler struct {
	active []*Timeline
	log    *zap.Logger
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Start adds t. A running timeline with the same name is cancelled and
// replaced.
func (s *Scheduler) Start(t *Timeline) {
	for i, cur := range s.active {
		if cur.Name == t.Name {
			cur.Cancel()
			s.active[i] = t
			s.log.Debug("timeline replaced", zap.String("timeline", t.Name))
			return
		}
	}
	s.active = append(s.active, t)
	s.log.Debug("timeline started", zap.String("timeline", t.Name), zap.Int("steps", len(t.steps)))
}

// Get returns the active timeline called name.
func (s *Scheduler) Get(name string) (*Timeline, bool) {
	for _, t := range s.active {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (s *Scheduler) Len() int { return len(s.active) }

func (s *Scheduler) Pause(name string) bool  { return s.with(name, (*Timeline).Pause) }
func (s *Scheduler) Resume(name string) bool { return s.with(name, (*Timeline).Resume) }
func (s *Scheduler) Cancel(name string) bool { return s.with(name, (*Timeline).Cancel) }

func (s *Scheduler) with(name string, fn func(*Timeline)) bool {
	t, ok := s.Get(name)
	if ok {
		fn(t)
	}
	return ok
}

// CancelAll cancels and forgets every timeline.
func (s *Scheduler) CancelAll() {
	for _, t := range s.active {
		t.Cancel()
	}
	s.active = s.active[:0]
}

// Advance moves every timeline by dt and calls fire for each due step, in
// start order. Finished timelines are dropped afterwards.
func (s *Scheduler) Advance(dt time.Duration, fire func(timeline string, st Step)) {
	n := 0
	for _, t := range s.active {
		for _, st := range t.Advance(dt) {
			fire(t.Name, st)
		}
		if t.Finished() {
			s.log.Debug("timeline finished", zap.String("timeline", t.Name), zap.Stringer("state", t.State()))
			continue
		}
		s.active[n] = t
		n++
	}
	clear(s.active[n:])
	s.active = s.active[:n]
}
