package twin

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/visus/twinsync/internal/core/event"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/scene"
	"go.uber.org/zap"
)

const (
	DefaultSmoothing = 0.1
	DefaultEpsilon   = 1e-4
)

// Resolver looks up live nodes by twin id. *scene.Index implements it.
type Resolver interface {
	Object(id string) (*scene.Node, bool)
}

type EngineConfig struct {
	Smoothing float64 // blend factor per tick, (0, 1]
	Epsilon   float64 // below this a field counts as idle
}

// Stats describes the most recent tick.
type Stats struct {
	Targets    int
	Applied    int
	Unknown    int
	Malformed  int
	Converging int
}

// Engine advances live nodes toward their stored targets. Blending uses a
// fixed factor per tick, so perceived speed depends on the tick rate.
type Engine struct {
	store   *Store
	alpha   float64
	epsilon float64
	bus     *event.Bus
	log     *zap.Logger

	stats Stats
	// ids that raised a warning in the previous / current tick
	flagged, flagging map[string]struct{}
}

func NewEngine(store *Store, cfg EngineConfig, bus *event.Bus, log *zap.Logger) *Engine {
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = DefaultSmoothing
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	return &Engine{
		store:    store,
		alpha:    cfg.Smoothing,
		epsilon:  cfg.Epsilon,
		bus:      bus,
		log:      log,
		flagged:  make(map[string]struct{}),
		flagging: make(map[string]struct{}),
	}
}

func (e *Engine) Store() *Store { return e.store }
func (e *Engine) Stats() Stats  { return e.stats }

// Reset clears every target. Later ticks touch nothing until new payloads
// arrive.
func (e *Engine) Reset() {
	e.store.Reset()
	clear(e.flagged)
	clear(e.flagging)
}

// Update runs one interpolation step for every stored target. It never
// panics: unknown ids and malformed fields are reported on the bus and
// skipped.
func (e *Engine) Update(index Resolver) {
	e.stats = Stats{}
	e.store.each(func(id string, t *protocol.ObjectState) {
		e.stats.Targets++
		var (
			node *scene.Node
			ok   bool
		)
		if index != nil {
			node, ok = index.Object(id)
		}
		if !ok {
			e.stats.Unknown++
			e.flag(id)
			event.Emit(e.bus, event.UnknownID{ID: id})
			return
		}
		e.applySafe(id, node, t)
	})
	e.flagged, e.flagging = e.flagging, e.flagged
	clear(e.flagging)
}

func (e *Engine) flag(id string) {
	e.flagging[id] = struct{}{}
}

func (e *Engine) applySafe(id string, node *scene.Node, t *protocol.ObjectState) {
	defer func() {
		if r := recover(); r != nil {
			e.flag(id)
			e.log.Error("twin apply panicked", zap.String("id", id), zap.Any("panic", r))
		}
	}()

	malformed := e.apply(id, node, t)
	e.stats.Applied++
	if malformed {
		e.flag(id)
		return
	}
	if _, was := e.flagged[id]; was {
		event.Emit(e.bus, event.Resolved{ID: id})
	}
}

// apply blends each present field independently and reports whether any
// field was malformed.
func (e *Engine) apply(id string, node *scene.Node, t *protocol.ObjectState) bool {
	bad := false
	converging := false
	malformed := func(field string, err error) {
		bad = true
		e.stats.Malformed++
		event.Emit(e.bus, event.MalformedField{ID: id, Field: field, Reason: err.Error()})
	}

	if tr := t.Transform; tr != nil {
		if tr.Position != nil {
			if v, err := scene.Vec3(tr.Position); err != nil {
				malformed(protocol.FieldPosition, err)
			} else {
				node.Position = LerpVec(node.Position, v, e.alpha)
				converging = converging || node.Position.Sub(v).Len() > e.epsilon
			}
		}
		if tr.Rotation != nil {
			if v, err := scene.Vec3(tr.Rotation); err != nil {
				malformed(protocol.FieldRotation, err)
			} else {
				q := EulerToQuat(v)
				node.Rotation = SlerpShortest(node.Rotation, q, e.alpha)
				converging = converging || QuatDistance(node.Rotation, q) > e.epsilon
			}
		}
		if tr.Scale != nil {
			if v, err := scene.Vec3(tr.Scale); err != nil {
				malformed(protocol.FieldScale, err)
			} else {
				node.Scale = LerpVec(node.Scale, v, e.alpha)
				converging = converging || node.Scale.Sub(v).Len() > e.epsilon
			}
		}
	}

	if m := t.Material; m != nil && node.Material != nil {
		if m.ColorHex != nil {
			if c, err := scene.ParseHex(*m.ColorHex); err != nil {
				malformed(protocol.FieldColor, err)
			} else {
				e.ownMaterial(id, node)
				node.Material.Color = node.Material.Color.BlendLinearRgb(c, e.alpha)
				converging = converging || ColorDistance(node.Material.Color, c) > e.epsilon
			}
		}
		if m.Emissive != nil {
			if v := *m.Emissive; math.IsNaN(v) || math.IsInf(v, 0) {
				malformed(protocol.FieldEmissive, fmt.Errorf("emissive %v is not finite", v))
			} else {
				e.ownMaterial(id, node)
				node.Material.EmissiveIntensity = Lerp(node.Material.EmissiveIntensity, v, e.alpha)
				converging = converging || math.Abs(node.Material.EmissiveIntensity-v) > e.epsilon
			}
		}
	}

	if t.Visible != nil {
		node.Visible = *t.Visible
	}

	if converging {
		e.stats.Converging++
	}
	return bad
}

// ownMaterial gives the node a private material before its first write so
// that nodes sharing the original keep their look.
func (e *Engine) ownMaterial(id string, node *scene.Node) {
	shared := node.Material.Name
	if node.OwnMaterial() {
		event.Emit(e.bus, event.MaterialCloned{ID: id, Material: shared})
	}
}

// Converging reports whether node still differs from any well-formed field
// of t by more than the engine's epsilon.
func (e *Engine) Converging(node *scene.Node, t protocol.ObjectState) bool {
	if tr := t.Transform; tr != nil {
		if v, err := scene.Vec3(tr.Position); tr.Position != nil && err == nil && node.Position.Sub(v).Len() > e.epsilon {
			return true
		}
		if v, err := scene.Vec3(tr.Rotation); tr.Rotation != nil && err == nil && QuatDistance(node.Rotation, EulerToQuat(v)) > e.epsilon {
			return true
		}
		if v, err := scene.Vec3(tr.Scale); tr.Scale != nil && err == nil && node.Scale.Sub(v).Len() > e.epsilon {
			return true
		}
	}
	if m := t.Material; m != nil && node.Material != nil {
		if m.ColorHex != nil {
			if c, err := scene.ParseHex(*m.ColorHex); err == nil && ColorDistance(node.Material.Color, c) > e.epsilon {
				return true
			}
		}
		if m.Emissive != nil && math.Abs(node.Material.EmissiveIntensity-*m.Emissive) > e.epsilon {
			return true
		}
	}
	return false
}

// ── blending helpers ──

func Lerp(a, b, t float64) float64 { return a + (b-a)*t }

func LerpVec(a, b mgl64.Vec3, t float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

// EulerToQuat converts XYZ Euler angles in radians.
func EulerToQuat(v mgl64.Vec3) mgl64.Quat {
	return mgl64.AnglesToQuat(v[0], v[1], v[2], mgl64.XYZ)
}

// SlerpShortest interpolates along the shorter of the two arcs between a
// and b.
func SlerpShortest(a, b mgl64.Quat, t float64) mgl64.Quat {
	if a.Dot(b) < 0 {
		b = b.Scale(-1)
	}
	return mgl64.QuatSlerp(a, b, t).Normalize()
}

// QuatDistance is 0 for identical orientations and grows toward 1.
func QuatDistance(a, b mgl64.Quat) float64 {
	return 1 - math.Abs(a.Normalize().Dot(b.Normalize()))
}

// ColorDistance is the Euclidean distance in linear RGB.
func ColorDistance(a, b colorful.Color) float64 {
	ar, ag, ab := a.LinearRgb()
	br, bg, bb := b.LinearRgb()
	return math.Sqrt((ar-br)*(ar-br) + (ag-bg)*(ag-bg) + (ab-bb)*(ab-bb))
}
