// Package system holds the systems that make up one session tick.
package system

import (
	"time"

	"github.com/visus/twinsync/internal/core/event"
	coresys "github.com/visus/twinsync/internal/core/system"
	"github.com/visus/twinsync/internal/ingest"
	"github.com/visus/twinsync/internal/scene"
	"github.com/visus/twinsync/internal/session"
	"go.uber.org/zap"
)

// DispatchSystem delivers the events raised during the previous tick.
// Register it before every other PhaseInput system.
type DispatchSystem struct {
	bus *event.Bus
}

func NewDispatchSystem(bus *event.Bus) *DispatchSystem {
	return &DispatchSystem{bus: bus}
}

func (s *DispatchSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *DispatchSystem) Update(_ time.Duration) {
	s.bus.SwapBuffers()
	s.bus.DispatchAll()
}

// SceneSystem swaps in scenes reloaded by a watcher. Phase 0 (Input).
type SceneSystem struct {
	sess    *session.Session
	updates <-chan scene.Scene
}

func NewSceneSystem(sess *session.Session, updates <-chan scene.Scene) *SceneSystem {
	return &SceneSystem{sess: sess, updates: updates}
}

func (s *SceneSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *SceneSystem) Update(_ time.Duration) {
	select {
	case sc := <-s.updates:
		s.sess.SwapScene(sc)
	default:
	}
}

// InputSystem drains the ingest queue into the session: payloads are merged
// into the target store, resets clear it, and timelines are started.
// Phase 0 (Input).
type InputSystem struct {
	sess       *session.Session
	queue      *ingest.Queue
	maxPerTick int
	log        *zap.Logger
}

func NewInputSystem(sess *session.Session, queue *ingest.Queue, maxPerTick int, log *zap.Logger) *InputSystem {
	return &InputSystem{
		sess:       sess,
		queue:      queue,
		maxPerTick: maxPerTick,
		log:        log,
	}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	s.queue.Drain(s.maxPerTick, s.handle)
}

func (s *InputSystem) handle(env ingest.Envelope) {
	switch env.Kind {
	case ingest.KindPayload:
		n := s.sess.Store().ProcessPayload(env.Payload)
		event.Emit(s.sess.Bus(), event.PayloadMerged{
			Source:      env.Source,
			SceneDigest: s.sess.Index().Digest(),
			Payload:     env.Payload,
			Raw:         env.Raw,
			Merged:      n,
			Received:    env.Received,
		})
	case ingest.KindReset:
		s.sess.Reset(env.Source)
	case ingest.KindTimeline:
		if env.Timeline == nil {
			s.log.Debug("timeline envelope without timeline", zap.String("source", env.Source))
			return
		}
		s.sess.Scheduler().Start(env.Timeline)
	default:
		s.log.Warn("unknown envelope kind", zap.Uint8("kind", uint8(env.Kind)), zap.String("source", env.Source))
	}
}
