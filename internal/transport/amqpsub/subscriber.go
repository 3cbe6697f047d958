// Package amqpsub consumes update payloads from a RabbitMQ queue.
package amqpsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/visus/twinsync/internal/ingest"
	"go.uber.org/zap"
)

// Delivery is the part of amqp.Delivery the subscriber settles.
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Backoff bounds for requeueing while the ingest queue is full.
const (
	minFullBackoff = 50 * time.Millisecond
	maxFullBackoff = 2 * time.Second
)

type Subscriber struct {
	url            string
	queue          string
	reconnectDelay time.Duration
	ingest         *ingest.Queue
	log            *zap.Logger

	fullBackoff time.Duration // next wait before a requeue; 0 when not backing off
}

func New(url, queue string, reconnectDelay time.Duration, in *ingest.Queue, log *zap.Logger) *Subscriber {
	return &Subscriber{
		url:            url,
		queue:          queue,
		reconnectDelay: reconnectDelay,
		ingest:         in,
		log:            log.With(zap.String("queue", queue)),
	}
}

// Run consumes until ctx is cancelled, reconnecting after reconnectDelay
// whenever the connection or channel is lost.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Error("amqp consumer stopped", zap.Error(err), zap.Duration("retry_in", s.reconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	if err := ch.Qos(64, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, s.queue, "twind", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}
	s.log.Info("amqp consumer started")

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("channel closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.handle(ctx, d.Body, &d)
		}
	}
}

// handle acks a payload once it is queued. Undecodable bodies are dropped.
// A full ingest queue sends the message back to the broker after a pause
// that doubles while the queue stays full, so redelivery cannot spin.
func (s *Subscriber) handle(ctx context.Context, body []byte, d Delivery) {
	_, err := s.ingest.Submit("amqp:"+s.queue, body)
	switch {
	case err == nil:
		s.fullBackoff = 0
		_ = d.Ack(false)
	case errors.Is(err, ingest.ErrQueueFull):
		wait := s.nextBackoff()
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		_ = d.Nack(false, true)
	default:
		s.log.Warn("amqp payload rejected", zap.Error(err))
		_ = d.Nack(false, false)
	}
}

func (s *Subscriber) nextBackoff() time.Duration {
	if s.fullBackoff == 0 {
		s.fullBackoff = minFullBackoff
		s.log.Warn("ingest queue full, requeueing deliveries")
	} else {
		s.fullBackoff = min(2*s.fullBackoff, maxFullBackoff)
	}
	return s.fullBackoff
}
