package system

import (
	"time"

	"github.com/visus/twinsync/internal/core/event"
	coresys "github.com/visus/twinsync/internal/core/system"
	"github.com/visus/twinsync/internal/session"
	"github.com/visus/twinsync/internal/timeline"
)

// TimelineSystem advances every scheduled timeline and merges the steps that
// fall due. Phase 1 (PreUpdate).
type TimelineSystem struct {
	sess *session.Session
	now  func() time.Time
}

func NewTimelineSystem(sess *session.Session) *TimelineSystem {
	return &TimelineSystem{sess: sess, now: time.Now}
}

func (s *TimelineSystem) Phase() coresys.Phase { return coresys.PhasePreUpdate }

func (s *TimelineSystem) Update(dt time.Duration) {
	s.sess.Scheduler().Advance(dt, func(name string, st timeline.Step) {
		now := s.now()
		p := timeline.Stamp(st.Payload, now)
		n := s.sess.Store().ProcessPayload(p)
		event.Emit(s.sess.Bus(), event.PayloadMerged{
			Source:      "timeline:" + name,
			SceneDigest: s.sess.Index().Digest(),
			Payload:     p,
			Merged:      n,
			Received:    now,
		})
	})
}

// TwinSystem runs one interpolation step against the current scene.
// Phase 2 (Update).
type TwinSystem struct {
	sess *session.Session
}

func NewTwinSystem(sess *session.Session) *TwinSystem {
	return &TwinSystem{sess: sess}
}

func (s *TwinSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *TwinSystem) Update(_ time.Duration) {
	s.sess.Engine().Update(s.sess.Index())
}

// OutputSystem presents a frame to the attached viewers. Phase 4 (Output).
type OutputSystem struct {
	sess *session.Session
}

func NewOutputSystem(sess *session.Session) *OutputSystem {
	return &OutputSystem{sess: sess}
}

func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) {
	if s.sess.Viewers() == 0 {
		return
	}
	s.sess.Present(s.sess.Frame(s.sess.Runner().Ticks()+1, time.Now()))
}
