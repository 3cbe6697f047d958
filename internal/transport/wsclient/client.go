// Package wsclient subscribes to an upstream WebSocket telemetry feed. Every
// text or binary message is one update payload.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/visus/twinsync/internal/ingest"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
)

type Client struct {
	url            string
	header         http.Header
	reconnectDelay time.Duration
	queue          *ingest.Queue
	dialer         *websocket.Dialer
	log            *zap.Logger
}

func New(url string, reconnectDelay time.Duration, queue *ingest.Queue, log *zap.Logger) *Client {
	return &Client{
		url:            url,
		header:         http.Header{},
		reconnectDelay: reconnectDelay,
		queue:          queue,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:            log.With(zap.String("upstream", url)),
	}
}

// SetBearer sends token on every dial.
func (c *Client) SetBearer(token string) {
	c.header.Set("Authorization", "Bearer "+token)
}

// Run keeps a connection open until ctx is cancelled, redialing after
// reconnectDelay whenever it drops.
func (c *Client) Run(ctx context.Context) {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("upstream connection lost", zap.Error(err), zap.Duration("retry_in", c.reconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// session serves one connection.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.log.Info("upstream connected")

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.ping(conn, pingDone)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("upstream closed the connection")
			}
			return fmt.Errorf("read: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ferrs, err := c.queue.Submit("ws", data)
		switch {
		case errors.Is(err, ingest.ErrQueueFull):
			// Already logged by the queue.
		case err != nil:
			c.log.Warn("upstream payload rejected", zap.Error(err))
		case len(ferrs) > 0:
			c.log.Debug("upstream payload fields dropped", zap.Int("fields", len(ferrs)))
		}
	}
}

func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
