package system

import (
	"time"

	"github.com/visus/twinsync/internal/core/event"
	coresys "github.com/visus/twinsync/internal/core/system"
	"github.com/visus/twinsync/internal/twin"
	"go.uber.org/zap"
)

type warnKey struct {
	id   string
	kind string
}

// DiagnosticsSystem turns engine events into log lines. Each (id, problem)
// pair is logged at Warn once; repeats go to Debug until the id applies
// cleanly again. It also logs a periodic summary of the engine.
// Phase 3 (PostUpdate).
type DiagnosticsSystem struct {
	bus      *event.Bus
	engine   *twin.Engine
	warned   map[warnKey]struct{}
	interval time.Duration
	elapsed  time.Duration
	log      *zap.Logger
}

func NewDiagnosticsSystem(bus *event.Bus, engine *twin.Engine, interval time.Duration, log *zap.Logger) *DiagnosticsSystem {
	s := &DiagnosticsSystem{
		bus:      bus,
		engine:   engine,
		warned:   make(map[warnKey]struct{}),
		interval: interval,
		log:      log,
	}
	event.Subscribe(bus, s.onUnknown)
	event.Subscribe(bus, s.onMalformed)
	event.Subscribe(bus, s.onResolved)
	event.Subscribe(bus, s.onCloned)
	event.Subscribe(bus, s.onSceneSwapped)
	event.Subscribe(bus, s.onReset)
	return s
}

func (s *DiagnosticsSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *DiagnosticsSystem) Update(dt time.Duration) {
	if s.interval <= 0 {
		return
	}
	s.elapsed += dt
	if s.elapsed < s.interval {
		return
	}
	s.elapsed = 0
	st := s.engine.Stats()
	s.log.Debug("engine stats",
		zap.Int("targets", st.Targets),
		zap.Int("applied", st.Applied),
		zap.Int("unknown", st.Unknown),
		zap.Int("malformed", st.Malformed),
		zap.Int("converging", st.Converging),
		zap.Uint64("events", s.bus.Delivered()),
	)
}

// first records key and reports whether it is new.
func (s *DiagnosticsSystem) first(key warnKey) bool {
	if _, ok := s.warned[key]; ok {
		return false
	}
	s.warned[key] = struct{}{}
	return true
}

func (s *DiagnosticsSystem) onUnknown(ev event.UnknownID) {
	if s.first(warnKey{ev.ID, "unknown"}) {
		s.log.Warn("target references unknown id", zap.String("id", ev.ID))
		return
	}
	s.log.Debug("unknown id still targeted", zap.String("id", ev.ID))
}

func (s *DiagnosticsSystem) onMalformed(ev event.MalformedField) {
	fields := []zap.Field{zap.String("id", ev.ID), zap.String("field", ev.Field), zap.String("reason", ev.Reason)}
	if s.first(warnKey{ev.ID, "malformed:" + ev.Field}) {
		s.log.Warn("malformed target field skipped", fields...)
		return
	}
	s.log.Debug("malformed target field skipped", fields...)
}

func (s *DiagnosticsSystem) onResolved(ev event.Resolved) {
	n := 0
	for k := range s.warned {
		if k.id == ev.ID {
			delete(s.warned, k)
			n++
		}
	}
	if n > 0 {
		s.log.Info("target applies cleanly again", zap.String("id", ev.ID))
	}
}

func (s *DiagnosticsSystem) onCloned(ev event.MaterialCloned) {
	s.log.Debug("material cloned for node", zap.String("id", ev.ID), zap.String("material", ev.Material))
}

func (s *DiagnosticsSystem) onSceneSwapped(ev event.SceneSwapped) {
	// A new scene may resolve ids that were unknown before, or lose some.
	clear(s.warned)
	s.log.Debug("diagnostics cleared after scene swap", zap.String("digest", ev.Digest))
}

func (s *DiagnosticsSystem) onReset(event.TargetsReset) {
	clear(s.warned)
}

// Warned reports how many (id, problem) pairs are currently suppressed.
func (s *DiagnosticsSystem) Warned() int { return len(s.warned) }
