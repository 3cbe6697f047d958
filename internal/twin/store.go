// Package twin merges partial update payloads into per-id targets and
// drives live scene nodes toward them once per tick.
package twin

import (
	"sync"

	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/scene"
	"go.uber.org/zap"
)

// Store holds the collapsed target for every id ever addressed. Entries are
// only replaced by merges and only removed by Reset.
type Store struct {
	mu      sync.RWMutex
	targets map[string]*protocol.ObjectState
	order   []string // insertion order, drives tick iteration
	log     *zap.Logger
}

func NewStore(log *zap.Logger) *Store {
	return &Store{
		targets: make(map[string]*protocol.ObjectState, 64),
		order:   make([]string, 0, 64),
		log:     log,
	}
}

// ProcessPayload merges every state in p and returns how many were merged.
// States without an id are skipped.
func (s *Store) ProcessPayload(p protocol.Payload) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := 0
	for i := range p.Updates {
		st := &p.Updates[i]
		if st.ID == "" {
			s.log.Warn("update without id skipped", zap.Int("index", i), zap.String("event", p.EventID))
			continue
		}
		s.mergeLocked(st)
		merged++
	}
	s.log.Debug("payload merged",
		zap.String("event", p.EventID),
		zap.Int("updates", merged),
		zap.Int("targets", len(s.targets)),
	)
	return merged
}

// Merge folds a single state into the table.
func (s *Store) Merge(st protocol.ObjectState) {
	if st.ID == "" {
		return
	}
	s.mu.Lock()
	s.mergeLocked(&st)
	s.mu.Unlock()
}

func (s *Store) mergeLocked(st *protocol.ObjectState) {
	id := scene.NormalizeID(st.ID)
	cur, ok := s.targets[id]
	if !ok {
		cur = &protocol.ObjectState{ID: id}
		s.targets[id] = cur
		s.order = append(s.order, id)
	}
	*cur = MergeFields(*cur, *st)
	cur.ID = id
}

// MergeFields returns existing with every field present in incoming
// replacing its counterpart. Transform and material are merged key by key;
// vectors are replaced whole. Values are copied, so the result never aliases
// incoming.
func MergeFields(existing, incoming protocol.ObjectState) protocol.ObjectState {
	in := incoming.Clone()
	out := existing
	if in.Visible != nil {
		out.Visible = in.Visible
	}
	if in.Transform != nil {
		tr := protocol.Transform{}
		if existing.Transform != nil {
			tr = *existing.Transform
		}
		if in.Transform.Position != nil {
			tr.Position = in.Transform.Position
		}
		if in.Transform.Rotation != nil {
			tr.Rotation = in.Transform.Rotation
		}
		if in.Transform.Scale != nil {
			tr.Scale = in.Transform.Scale
		}
		out.Transform = &tr
	}
	if in.Material != nil {
		m := protocol.Material{}
		if existing.Material != nil {
			m = *existing.Material
		}
		if in.Material.ColorHex != nil {
			m.ColorHex = in.Material.ColorHex
		}
		if in.Material.Emissive != nil {
			m.Emissive = in.Material.Emissive
		}
		out.Material = &m
	}
	return out
}

// Target returns a copy of the stored target for id.
func (s *Store) Target(id string) (protocol.ObjectState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[scene.NormalizeID(id)]
	if !ok {
		return protocol.ObjectState{}, false
	}
	return t.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

// Snapshot returns copies of all targets in insertion order.
func (s *Store) Snapshot() []protocol.ObjectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ObjectState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.targets[id].Clone())
	}
	return out
}

// Reset drops every target.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.targets)
	s.order = s.order[:0]
}

// each visits targets in insertion order under the read lock. fn must not
// retain t or call back into the store.
func (s *Store) each(fn func(id string, t *protocol.ObjectState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		fn(id, s.targets[id])
	}
}
