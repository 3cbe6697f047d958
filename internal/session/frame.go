package session

import (
	"sync"
	"time"

	"github.com/visus/twinsync/internal/scene"
)

// Frame is the rendered state of every indexed node after one tick.
type Frame struct {
	Tick    uint64        `json:"tick"`
	At      time.Time     `json:"at"`
	Digest  string        `json:"digest"`
	Objects []ObjectFrame `json:"objects"`
}

type ObjectFrame struct {
	ID         string     `json:"id"`
	Position   [3]float64 `json:"position"`
	Rotation   [4]float64 `json:"rotation"` // quaternion w, x, y, z
	Scale      [3]float64 `json:"scale"`
	Visible    bool       `json:"visible"`
	Color      string     `json:"color,omitempty"`
	Emissive   float64    `json:"emissive,omitempty"`
	Converging bool       `json:"converging"`
}

// Frame snapshots the current scene. Tick goroutine only: it reads live
// nodes.
func (s *Session) Frame(tick uint64, at time.Time) Frame {
	index := s.Index()
	f := Frame{Tick: tick, At: at, Objects: make([]ObjectFrame, 0, index.Len())}
	if index == nil {
		return f
	}
	f.Digest = index.Digest()
	index.Each(func(id string, n *scene.Node) {
		of := ObjectFrame{
			ID:       id,
			Position: n.Position,
			Rotation: [4]float64{n.Rotation.W, n.Rotation.V[0], n.Rotation.V[1], n.Rotation.V[2]},
			Scale:    n.Scale,
			Visible:  n.Visible,
		}
		if n.Material != nil {
			of.Color = n.Material.Color.Clamped().Hex()
			of.Emissive = n.Material.EmissiveIntensity
		}
		if t, ok := s.store.Target(id); ok {
			of.Converging = s.engine.Converging(n, t)
		}
		f.Objects = append(f.Objects, of)
	})
	return f
}

// LatestFrame is a Viewer that keeps the most recent frame for readers on
// other goroutines.
type LatestFrame struct {
	mu    sync.RWMutex
	frame Frame
	ok    bool
}

func (l *LatestFrame) Name() string { return "latest-frame" }

func (l *LatestFrame) Present(f Frame) {
	l.mu.Lock()
	l.frame, l.ok = f, true
	l.mu.Unlock()
}

// Frame returns the last presented frame, if any.
func (l *LatestFrame) Frame() (Frame, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame, l.ok
}
