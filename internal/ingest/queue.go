// Package ingest carries decoded payloads from transport goroutines to the
// tick goroutine.
package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/timeline"
	"go.uber.org/zap"
)

// Kind selects what the tick does with an Envelope.
type Kind uint8

const (
	KindPayload  Kind = iota // merge Payload into the store
	KindReset                // clear all targets and pending timelines
	KindTimeline             // start Timeline on the scheduler
)

// Envelope is one unit of work for the tick.
type Envelope struct {
	Kind     Kind
	Source   string // transport name, for logs and the journal
	Payload  protocol.Payload
	Raw      []byte // payload bytes as received, if any
	Timeline *timeline.Timeline
	Received time.Time
}

// Queue is a bounded, non-blocking handoff. Producers never wait on the
// tick: when the buffer is full the envelope is dropped.
type Queue struct {
	ch      chan Envelope
	dropped atomic.Uint64
	log     *zap.Logger
}

func NewQueue(size int, log *zap.Logger) *Queue {
	return &Queue{ch: make(chan Envelope, size), log: log}
}

// Offer enqueues env and reports whether it was accepted. Safe from any
// goroutine.
func (q *Queue) Offer(env Envelope) bool {
	if env.Received.IsZero() {
		env.Received = time.Now()
	}
	select {
	case q.ch <- env:
		return true
	default:
		n := q.dropped.Add(1)
		q.log.Warn("ingest queue full, dropping",
			zap.String("source", env.Source),
			zap.String("event", env.Payload.EventID),
			zap.Uint64("dropped", n),
		)
		return false
	}
}

// OfferPayload is Offer for a plain payload.
func (q *Queue) OfferPayload(source string, p protocol.Payload, raw []byte) bool {
	return q.Offer(Envelope{Kind: KindPayload, Source: source, Payload: p, Raw: raw})
}

// ErrQueueFull is returned by Submit when the envelope was dropped.
var ErrQueueFull = errors.New("ingest queue full")

// Submit decodes a wire payload and enqueues it. Fields dropped while
// decoding are returned alongside a nil error.
func (q *Queue) Submit(source string, data []byte) ([]protocol.FieldError, error) {
	p, ferrs, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	if !q.OfferPayload(source, p, data) {
		return ferrs, ErrQueueFull
	}
	return ferrs, nil
}

// Drain hands up to limit envelopes to fn without blocking. Tick goroutine
// only.
func (q *Queue) Drain(limit int, fn func(Envelope)) int {
	n := 0
	for n < limit {
		select {
		case env := <-q.ch:
			fn(env)
			n++
		default:
			return n
		}
	}
	return n
}

func (q *Queue) Len() int        { return len(q.ch) }
func (q *Queue) Cap() int        { return cap(q.ch) }
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
