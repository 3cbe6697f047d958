// Package session owns one live twin: its scene graph, object index, target
// store, interpolation engine and tick runner. Viewers come and go through
// Attach and Detach without touching any of those.
package session

import (
	"sync"
	"time"

	"github.com/visus/twinsync/internal/core/event"
	coresys "github.com/visus/twinsync/internal/core/system"
	"github.com/visus/twinsync/internal/scene"
	"github.com/visus/twinsync/internal/timeline"
	"github.com/visus/twinsync/internal/twin"
	"go.uber.org/zap"
)

// Viewer receives a Frame after every tick. Implementations must be
// comparable (pointer receivers) and must not block.
type Viewer interface {
	Name() string
	Present(Frame)
}

type Config struct {
	Name   string
	Engine twin.EngineConfig
}

type Session struct {
	name      string
	loader    *scene.Loader
	store     *twin.Store
	engine    *twin.Engine
	bus       *event.Bus
	runner    *coresys.Runner
	scheduler *timeline.Scheduler
	log       *zap.Logger

	sceneMu sync.RWMutex
	root    *scene.Node
	index   *scene.Index
	source  string

	viewMu  sync.Mutex
	viewers []Viewer
}

// New returns a session with an empty scene. Load or SwapScene must run
// before targets can resolve.
func New(cfg Config, log *zap.Logger) *Session {
	log = log.With(zap.String("session", cfg.Name))
	bus := event.NewBus()
	store := twin.NewStore(log.Named("store"))
	return &Session{
		name:      cfg.Name,
		loader:    scene.NewLoader(log.Named("scene")),
		store:     store,
		engine:    twin.NewEngine(store, cfg.Engine, bus, log.Named("engine")),
		bus:       bus,
		runner:    coresys.NewRunner(),
		scheduler: timeline.NewScheduler(log.Named("timeline")),
		log:       log,
	}
}

func (s *Session) Name() string                   { return s.name }
func (s *Session) Loader() *scene.Loader          { return s.loader }
func (s *Session) Store() *twin.Store             { return s.store }
func (s *Session) Engine() *twin.Engine           { return s.engine }
func (s *Session) Bus() *event.Bus                { return s.bus }
func (s *Session) Runner() *coresys.Runner        { return s.runner }
func (s *Session) Scheduler() *timeline.Scheduler { return s.scheduler }

// Register adds a system to the session's tick.
func (s *Session) Register(sys coresys.System) { s.runner.Register(sys) }

// Tick runs every registered system once and reports whether it finished
// within the runner's budget.
func (s *Session) Tick(dt time.Duration) bool { return s.runner.Tick(dt) }

// Settle ticks until the bus holds no undelivered events, at most limit
// times, and returns the number of ticks run. Shutdown uses it so events
// raised by the last drained payloads still reach their subscribers.
func (s *Session) Settle(dt time.Duration, limit int) int {
	n := 0
	for n < limit {
		s.runner.Tick(dt)
		n++
		if s.bus.Pending() == 0 {
			break
		}
	}
	return n
}

// Load builds a scene from src and makes it current. On failure the
// previous scene stays in place.
func (s *Session) Load(src scene.Source) error {
	root, index, err := s.loader.Load(src)
	if err != nil {
		return err
	}
	s.SwapScene(scene.Scene{Root: root, Index: index, Source: src.Name()})
	return nil
}

// SwapScene makes sc current. Targets are kept and apply to the new graph
// from the next tick on.
func (s *Session) SwapScene(sc scene.Scene) {
	s.sceneMu.Lock()
	s.root, s.index, s.source = sc.Root, sc.Index, sc.Source
	s.sceneMu.Unlock()

	event.Emit(s.bus, event.SceneSwapped{Digest: sc.Index.Digest(), Objects: sc.Index.Len()})
	s.log.Info("scene active",
		zap.String("source", sc.Source),
		zap.Int("objects", sc.Index.Len()),
		zap.String("digest", sc.Index.Digest()),
	)
}

func (s *Session) Root() *scene.Node {
	s.sceneMu.RLock()
	defer s.sceneMu.RUnlock()
	return s.root
}

// Index returns the current object index; nil before the first scene.
func (s *Session) Index() *scene.Index {
	s.sceneMu.RLock()
	defer s.sceneMu.RUnlock()
	return s.index
}

func (s *Session) Source() string {
	s.sceneMu.RLock()
	defer s.sceneMu.RUnlock()
	return s.source
}

// Attach adds v. Attaching an attached viewer is a no-op and returns false.
func (s *Session) Attach(v Viewer) bool {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	for _, cur := range s.viewers {
		if cur == v {
			return false
		}
	}
	s.viewers = append(s.viewers, v)
	s.log.Info("viewer attached", zap.String("viewer", v.Name()), zap.Int("viewers", len(s.viewers)))
	return true
}

// Detach removes v. Detaching an unknown viewer is a no-op and returns
// false. The scene and targets are unaffected.
func (s *Session) Detach(v Viewer) bool {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	for i, cur := range s.viewers {
		if cur == v {
			s.viewers = append(s.viewers[:i], s.viewers[i+1:]...)
			s.log.Info("viewer detached", zap.String("viewer", v.Name()), zap.Int("viewers", len(s.viewers)))
			return true
		}
	}
	return false
}

func (s *Session) Viewers() int {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return len(s.viewers)
}

// Present hands f to every attached viewer.
func (s *Session) Present(f Frame) {
	s.viewMu.Lock()
	viewers := make([]Viewer, len(s.viewers))
	copy(viewers, s.viewers)
	s.viewMu.Unlock()

	for _, v := range viewers {
		v.Present(f)
	}
}

// Reset clears every target and cancels pending timelines. Tick goroutine
// only.
func (s *Session) Reset(source string) {
	s.engine.Reset()
	s.scheduler.CancelAll()
	event.Emit(s.bus, event.TargetsReset{Source: source, SceneDigest: s.Index().Digest(), At: time.Now()})
	s.log.Info("targets reset", zap.String("source", source))
}

// Close detaches every viewer and cancels pending timelines. The session
// can be reused afterwards.
func (s *Session) Close() {
	s.viewMu.Lock()
	s.viewers = nil
	s.viewMu.Unlock()
	s.scheduler.CancelAll()
}
