package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visus/twinsync/internal/core/event"
	coresys "github.com/visus/twinsync/internal/core/system"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/scene"
	"github.com/visus/twinsync/internal/timeline"
	"github.com/visus/twinsync/internal/twin"
	"go.uber.org/zap"
)

type recorder struct {
	name   string
	frames []Frame
}

func (r *recorder) Name() string    { return r.name }
func (r *recorder) Present(f Frame) { r.frames = append(r.frames, f) }

func newSession(t *testing.T) *Session {
	t.Helper()
	s := New(Config{Name: "test", Engine: twin.EngineConfig{Smoothing: 0.1}}, zap.NewNop())
	require.NoError(t, s.Load(scene.RobotArmSource))
	return s
}

func TestAttachDetachIsIdempotent(t *testing.T) {
	s := newSession(t)
	v := &recorder{name: "canvas"}

	assert.True(t, s.Attach(v))
	assert.False(t, s.Attach(v))
	assert.Equal(t, 1, s.Viewers())

	assert.True(t, s.Detach(v))
	assert.False(t, s.Detach(v))
	assert.Zero(t, s.Viewers())

	// Re-attaching after a detach works and sees the same scene.
	root := s.Root()
	assert.True(t, s.Attach(v))
	assert.Same(t, root, s.Root())
}

func TestDetachKeepsTargets(t *testing.T) {
	s := newSession(t)
	v := &recorder{name: "canvas"}
	s.Attach(v)
	s.Store().Merge(protocol.ObjectState{ID: "Robot_Axis_2", Visible: new(bool)})
	s.Detach(v)

	_, ok := s.Store().Target("Robot_Axis_2")
	assert.True(t, ok)
	assert.NotNil(t, s.Index())
}

func TestPresentReachesAttachedViewersOnly(t *testing.T) {
	s := newSession(t)
	a, b := &recorder{name: "a"}, &recorder{name: "b"}
	s.Attach(a)
	s.Attach(b)
	s.Detach(a)

	s.Present(s.Frame(1, time.Now()))
	assert.Empty(t, a.frames)
	assert.Len(t, b.frames, 1)
}

func TestFrameReflectsEngine(t *testing.T) {
	s := newSession(t)
	s.Store().Merge(protocol.ObjectState{
		ID:        "Robot_Claw_L",
		Transform: &protocol.Transform{Position: []float64{0.3, 0.35, 0}},
	})
	s.Engine().Update(s.Index())

	f := s.Frame(7, time.UnixMilli(0))
	assert.Equal(t, uint64(7), f.Tick)
	assert.Equal(t, s.Index().Digest(), f.Digest)
	require.Len(t, f.Objects, s.Index().Len())

	var claw ObjectFrame
	for _, of := range f.Objects {
		if of.ID == "Robot_Claw_L" {
			claw = of
		}
	}
	assert.InDelta(t, 0.17, claw.Position[1], 1e-9)
	assert.True(t, claw.Converging)
	assert.Equal(t, "#111111", claw.Color)
	assert.Equal(t, 1.0, claw.Rotation[0])
}

func TestFrameWithoutScene(t *testing.T) {
	s := New(Config{Name: "empty"}, zap.NewNop())
	f := s.Frame(1, time.Now())
	assert.Empty(t, f.Objects)
	assert.Empty(t, f.Digest)
}

func TestSwapSceneKeepsTargetsAndEmits(t *testing.T) {
	s := newSession(t)
	s.Store().Merge(protocol.ObjectState{ID: "Robot_Axis_1", Visible: new(bool)})
	// Deliver the swap raised by the initial load before listening.
	s.Bus().SwapBuffers()
	s.Bus().DispatchAll()
	require.Zero(t, s.Bus().Pending())

	var swapped []event.SceneSwapped
	event.Subscribe(s.Bus(), func(ev event.SceneSwapped) { swapped = append(swapped, ev) })

	require.NoError(t, s.Load(scene.RobotArmSource))
	s.Bus().SwapBuffers()
	s.Bus().DispatchAll()

	require.Len(t, swapped, 1)
	assert.Equal(t, 8, swapped[0].Objects)
	assert.Equal(t, 1, s.Store().Len())

	s.Engine().Update(s.Index())
	n, _ := s.Index().Object("Robot_Axis_1")
	assert.False(t, n.Visible)
}

func TestLoadFailureKeepsScene(t *testing.T) {
	s := newSession(t)
	before := s.Index()
	err := s.Load(scene.BytesSource{Label: "broken", Data: []byte("nodes: [{name: x, material: nope, mesh: box}]")})
	require.Error(t, err)
	assert.Same(t, before, s.Index())
}

func TestLatestFrame(t *testing.T) {
	var l LatestFrame
	_, ok := l.Frame()
	assert.False(t, ok)

	l.Present(Frame{Tick: 3})
	f, ok := l.Frame()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Tick)
}

func TestCloseDetachesEverything(t *testing.T) {
	s := newSession(t)
	s.Attach(&recorder{name: "a"})
	s.Attach(&LatestFrame{})
	s.Close()
	assert.Zero(t, s.Viewers())
}

func TestResetClearsTargetsAndTimelines(t *testing.T) {
	s := newSession(t)
	s.Store().Merge(protocol.ObjectState{ID: "Robot_Axis_1", Visible: new(bool)})
	s.Scheduler().Start(timeline.New("revert", []timeline.Step{{At: time.Second}}))

	s.Reset("test")
	assert.Zero(t, s.Store().Len())
	assert.Zero(t, s.Scheduler().Len())

	var resets []event.TargetsReset
	event.Subscribe(s.Bus(), func(ev event.TargetsReset) { resets = append(resets, ev) })
	s.Bus().SwapBuffers()
	s.Bus().DispatchAll()
	require.Len(t, resets, 1)
	assert.Equal(t, "test", resets[0].Source)
}

type dispatcher struct{ bus *event.Bus }

func (d dispatcher) Phase() coresys.Phase { return coresys.PhaseInput }
func (d dispatcher) Update(time.Duration) { d.bus.SwapBuffers(); d.bus.DispatchAll() }

// chain re-emits a Resolved event a fixed number of times, as a merge that
// leads to more engine events would.
type chain struct {
	bus  *event.Bus
	left int
}

func (c *chain) Phase() coresys.Phase { return coresys.PhaseUpdate }
func (c *chain) Update(time.Duration) {
	if c.left > 0 {
		c.left--
		event.Emit(c.bus, event.Resolved{ID: "Robot_Axis_1"})
	}
}

func TestSettleDeliversEventsFromTheLastTick(t *testing.T) {
	s := newSession(t)
	s.Register(dispatcher{s.Bus()})
	s.Register(&chain{bus: s.Bus(), left: 2})

	var got int
	event.Subscribe(s.Bus(), func(event.Resolved) { got++ })

	n := s.Settle(time.Millisecond, 10)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, got)
	assert.Zero(t, s.Bus().Pending())

	assert.Equal(t, 1, s.Settle(time.Millisecond, 10))
	assert.Equal(t, 0, s.Settle(time.Millisecond, 0))
}
