package system

import (
	"time"

	"github.com/visus/twinsync/internal/core/event"
	coresys "github.com/visus/twinsync/internal/core/system"
	"github.com/visus/twinsync/internal/persist"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/session"
	"go.uber.org/zap"
)

// Journal accepts entries without blocking. *persist.Writer implements it.
type Journal interface {
	Enqueue(entries []persist.Entry) bool
}

// PersistenceSystem journals every merged payload and reset, tagged with the
// digest carried by the event, which is the scene current when it happened. Rows are collected from the bus
// and handed to the journal writer once per tick. Phase 5 (Persist).
type PersistenceSystem struct {
	sess    *session.Session
	journal Journal
	pending []persist.Entry
	log     *zap.Logger
}

func NewPersistenceSystem(sess *session.Session, journal Journal, log *zap.Logger) *PersistenceSystem {
	s := &PersistenceSystem{sess: sess, journal: journal, log: log}
	event.Subscribe(sess.Bus(), s.onMerged)
	event.Subscribe(sess.Bus(), s.onReset)
	return s
}

func (s *PersistenceSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *PersistenceSystem) Update(_ time.Duration) {
	if len(s.pending) == 0 {
		return
	}
	s.journal.Enqueue(s.pending)
	s.pending = nil
}

func (s *PersistenceSystem) onMerged(ev event.PayloadMerged) {
	if ev.Merged == 0 {
		return
	}
	raw := ev.Raw
	if len(raw) == 0 {
		b, err := protocol.Encode(ev.Payload)
		if err != nil {
			s.log.Error("encode payload for journal", zap.String("source", ev.Source), zap.Error(err))
			return
		}
		raw = b
	}
	s.pending = append(s.pending, persist.Entry{
		SceneDigest: ev.SceneDigest,
		Kind:        persist.KindPayload,
		Source:      ev.Source,
		EventID:     ev.Payload.EventID,
		SentAt:      ev.Payload.Timestamp,
		ReceivedAt:  ev.Received,
		Payload:     raw,
	})
}

func (s *PersistenceSystem) onReset(ev event.TargetsReset) {
	s.pending = append(s.pending, persist.Entry{
		SceneDigest: ev.SceneDigest,
		Kind:        persist.KindReset,
		Source:      ev.Source,
		ReceivedAt:  ev.At,
	})
}
