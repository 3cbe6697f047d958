package twin

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visus/twinsync/internal/core/event"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/scene"
	"go.uber.org/zap"
)

type fixture struct {
	root   *scene.Node
	index  *scene.Index
	bus    *event.Bus
	engine *Engine
	shared *scene.Material
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	shared := scene.NewMaterial("steel", scene.MustHex("#ffffff"))
	root := scene.NewGroup("root")
	root.Add(scene.NewMesh("J1", "box", shared))
	root.Add(scene.NewMesh("J2", "box", shared))
	bus := event.NewBus()
	return &fixture{
		root:   root,
		index:  scene.BuildIndex(root),
		bus:    bus,
		engine: NewEngine(NewStore(zap.NewNop()), EngineConfig{Smoothing: 0.1}, bus, zap.NewNop()),
		shared: shared,
	}
}

func (f *fixture) node(t *testing.T, id string) *scene.Node {
	t.Helper()
	n, ok := f.index.Object(id)
	require.True(t, ok)
	return n
}

func (f *fixture) push(states ...protocol.ObjectState) {
	f.engine.Store().ProcessPayload(protocol.Payload{Updates: states})
}

func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.engine.Update(f.index)
	}
}

// collect swaps the bus and returns everything emitted since the last call.
func collect[T any](f *fixture) []T {
	var got []T
	event.Subscribe(f.bus, func(ev T) { got = append(got, ev) })
	f.bus.SwapBuffers()
	f.bus.DispatchAll()
	return got
}

func TestPositionScenario(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	f.push(position("J1", 10, 0, 0))

	f.tick(1)
	assert.InDelta(t, 1.0, j1.Position.X(), 1e-9)

	f.tick(9)
	assert.InDelta(t, 10*(1-math.Pow(0.9, 10)), j1.Position.X(), 1e-9)
	assert.InDelta(t, 6.513, j1.Position.X(), 1e-3)
	assert.Zero(t, j1.Position.Y())
}

func TestPositionConvergesMonotonically(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	target := mgl64.Vec3{3, -4, 12}
	f.push(position("J1", target[0], target[1], target[2]))

	d0 := target.Len()
	eps := 1e-3
	ticks := int(math.Ceil(math.Log(eps/d0) / math.Log(0.9)))
	prev := d0
	for i := 0; i < ticks; i++ {
		f.tick(1)
		d := j1.Position.Sub(target).Len()
		require.Less(t, d, prev, "tick %d", i)
		prev = d
	}
	assert.Less(t, prev, eps)
}

func TestFieldsBlendIndependently(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	j1.Position = mgl64.Vec3{5, 5, 5}
	f.push(protocol.ObjectState{ID: "J1", Material: &protocol.Material{ColorHex: ptr("#000000")}})

	f.tick(3)
	assert.Equal(t, mgl64.Vec3{5, 5, 5}, j1.Position)
	assert.Equal(t, mgl64.QuatIdent(), j1.Rotation)
	assert.Equal(t, mgl64.Vec3{1, 1, 1}, j1.Scale)
	assert.True(t, j1.Visible)
}

func TestVisibleIsSetExactly(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	f.push(protocol.ObjectState{ID: "J1", Visible: ptr(false)})
	f.tick(1)
	assert.False(t, j1.Visible)
}

func TestUnknownIDIsHarmless(t *testing.T) {
	f := newFixture(t)
	j2 := f.node(t, "J2")
	f.push(position("Ghost_99", 1, 1, 1), position("J2", 10, 0, 0))

	assert.NotPanics(t, func() { f.tick(1) })
	assert.InDelta(t, 1.0, j2.Position.X(), 1e-9)

	unknown := collect[event.UnknownID](f)
	assert.Equal(t, []event.UnknownID{{ID: "Ghost_99"}}, unknown)

	_, kept := f.engine.Store().Target("Ghost_99")
	assert.True(t, kept)
	assert.Equal(t, 1, f.engine.Stats().Unknown)
}

func TestUnknownIDAppliesAfterSceneGainsIt(t *testing.T) {
	f := newFixture(t)
	f.push(position("Late", 10, 0, 0))
	f.tick(1)

	late := scene.NewMesh("Late", "box", nil)
	f.root.Add(late)
	f.index = scene.BuildIndex(f.root)
	f.tick(1)

	assert.InDelta(t, 1.0, late.Position.X(), 1e-9)
	assert.Len(t, collect[event.Resolved](f), 1)
}

func TestColorUpdateClonesSharedMaterial(t *testing.T) {
	f := newFixture(t)
	j1, j2 := f.node(t, "J1"), f.node(t, "J2")
	f.push(protocol.ObjectState{ID: "J1", Material: &protocol.Material{ColorHex: ptr("#ff0000")}})

	f.tick(1)

	assert.NotSame(t, j1.Material, j2.Material)
	assert.Same(t, f.shared, j2.Material)
	assert.Equal(t, scene.MustHex("#ffffff"), j2.Material.Color)
	assert.NotEqual(t, scene.MustHex("#ffffff"), j1.Material.Color)

	f.tick(5)
	assert.Len(t, collect[event.MaterialCloned](f), 1, "a node clones its material once")
}

func TestEmissiveUpdateClonesSharedMaterial(t *testing.T) {
	f := newFixture(t)
	j1, j2 := f.node(t, "J1"), f.node(t, "J2")
	f.push(protocol.ObjectState{ID: "J1", Material: &protocol.Material{Emissive: ptr(3.0)}})

	f.tick(1)
	assert.InDelta(t, 1.2, j1.Material.EmissiveIntensity, 1e-9)
	assert.Equal(t, 1.0, j2.Material.EmissiveIntensity)
}

func TestColorConvergesInLinearSpace(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	target := scene.MustHex("#336699")
	f.push(protocol.ObjectState{ID: "J1", Material: &protocol.Material{ColorHex: ptr("#336699")}})

	f.tick(150)
	assert.Less(t, ColorDistance(j1.Material.Color, target), 1e-4)
	assert.Equal(t, "#336699", j1.Material.Color.Hex())
}

func TestMalformedFieldsAreSkipped(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	f.push(protocol.ObjectState{
		ID: "J1",
		Transform: &protocol.Transform{
			Position: []float64{1, 2},
			Scale:    []float64{2, 2, 2},
		},
		Material: &protocol.Material{ColorHex: ptr("red")},
	})

	require.NotPanics(t, func() { f.tick(1) })
	assert.Equal(t, mgl64.Vec3{0, 0, 0}, j1.Position)
	assert.InDelta(t, 1.1, j1.Scale.X(), 1e-9)
	assert.Same(t, f.shared, j1.Material, "a rejected color must not clone")

	bad := collect[event.MalformedField](f)
	var fields []string
	for _, ev := range bad {
		fields = append(fields, ev.Field)
	}
	assert.ElementsMatch(t, []string{protocol.FieldPosition, protocol.FieldColor}, fields)
}

func TestMalformedFieldResolvesAfterFix(t *testing.T) {
	f := newFixture(t)
	f.push(protocol.ObjectState{ID: "J1", Transform: &protocol.Transform{Position: []float64{1}}})
	f.tick(2)
	f.push(position("J1", 1, 1, 1))
	f.tick(1)

	resolved := collect[event.Resolved](f)
	assert.Equal(t, []event.Resolved{{ID: "J1"}}, resolved)
}

func TestRotationTakesShortestPath(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	j1.SetEuler(0, 0, math.Pi-0.1)
	f.push(protocol.ObjectState{ID: "J1", Transform: &protocol.Transform{Rotation: []float64{0, 0, -math.Pi + 0.1}}})

	start := j1.Rotation
	f.tick(1)
	// The two orientations are 0.2 rad apart across ±π; one tick covers a
	// tenth of that arc, not a tenth of the long way round.
	angle := 2 * math.Acos(math.Min(1, math.Abs(start.Dot(j1.Rotation))))
	assert.InDelta(t, 0.02, angle, 1e-6)
}

func TestResetStopsInterpolation(t *testing.T) {
	f := newFixture(t)
	j1 := f.node(t, "J1")
	f.push(position("J1", 10, 0, 0))
	f.tick(1)

	f.engine.Reset()
	at := j1.Position
	f.tick(5)
	assert.Equal(t, at, j1.Position)
	assert.Zero(t, f.engine.Stats().Targets)

	f.push(position("J1", 0, 0, 0))
	f.tick(1)
	assert.Less(t, j1.Position.X(), at.X())
}

func TestStatsCountConvergence(t *testing.T) {
	f := newFixture(t)
	f.push(position("J1", 1, 0, 0), position("J2", 0, 0, 0))
	f.tick(1)

	st := f.engine.Stats()
	assert.Equal(t, 2, st.Targets)
	assert.Equal(t, 2, st.Applied)
	assert.Equal(t, 1, st.Converging)

	f.tick(200)
	assert.Zero(t, f.engine.Stats().Converging)
	assert.False(t, f.engine.Converging(f.node(t, "J1"), position("J1", 1, 0, 0)))
}

func TestNewEngineFallsBackToDefaults(t *testing.T) {
	e := NewEngine(NewStore(zap.NewNop()), EngineConfig{Smoothing: 7}, nil, zap.NewNop())
	assert.Equal(t, DefaultSmoothing, e.alpha)
	assert.Equal(t, DefaultEpsilon, e.epsilon)
}
