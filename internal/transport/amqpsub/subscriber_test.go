package amqpsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/visus/twinsync/internal/ingest"
	"go.uber.org/zap"
)

type settle struct {
	acked, nacked, requeued int
}

func (s *settle) Ack(bool) error { s.acked++; return nil }
func (s *settle) Nack(_, requeue bool) error {
	s.nacked++
	if requeue {
		s.requeued++
	}
	return nil
}

func TestHandleSettlesDeliveries(t *testing.T) {
	q := ingest.NewQueue(1, zap.NewNop())
	s := New("amqp://unused", "twin-updates", time.Second, q, zap.NewNop())

	ok := &settle{}
	s.handle(context.Background(), []byte(`{"updates":[{"id":"Robot_Axis_1","visible":false}]}`), ok)
	assert.Equal(t, 1, ok.acked)

	full := &settle{}
	s.handle(context.Background(), []byte(`{"updates":[]}`), full)
	assert.Equal(t, 1, full.requeued)

	bad := &settle{}
	s.handle(context.Background(), []byte(`{`), bad)
	assert.Equal(t, 1, bad.nacked)
	assert.Zero(t, bad.requeued)

	q.Drain(1, func(env ingest.Envelope) {
		assert.Equal(t, "amqp:twin-updates", env.Source)
	})
}

func TestHandleBacksOffWhileQueueFull(t *testing.T) {
	q := ingest.NewQueue(1, zap.NewNop())
	s := New("amqp://unused", "twin-updates", time.Second, q, zap.NewNop())
	s.handle(context.Background(), []byte(`{"updates":[]}`), &settle{})

	start := time.Now()
	full := &settle{}
	s.handle(context.Background(), []byte(`{"updates":[]}`), full)
	assert.GreaterOrEqual(t, time.Since(start), minFullBackoff)
	assert.Equal(t, 1, full.requeued)

	assert.Equal(t, 2*minFullBackoff, s.nextBackoff())
	for i := 0; i < 10; i++ {
		s.nextBackoff()
	}
	assert.Equal(t, maxFullBackoff, s.fullBackoff)

	// A cancelled consumer requeues without waiting.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	s.handle(ctx, []byte(`{"updates":[]}`), full)
	assert.Less(t, time.Since(start), maxFullBackoff)
	assert.Equal(t, 2, full.requeued)

	q.Drain(1, func(ingest.Envelope) {})
	s.handle(context.Background(), []byte(`{"updates":[]}`), &settle{})
	assert.Zero(t, s.fullBackoff, "a successful submit ends the backoff")
}
