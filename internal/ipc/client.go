// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ipc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/noaione/vthell/internal/log"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	dialTimeout  = 5 * time.Second
)

// Client is the follower side of the bridge. It keeps one connection to
// the leader's socket alive, stripping the ws_ prefix off relayed events
// before handing them to the handler.
type Client struct {
	path string

	// Handler receives every event relayed by the leader. Events arriving
	// as ws_<name> are delivered as <name>.
	Handler func(event string, data any)

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a follower client for the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{path: socketPath}
}

// Emit sends an event to the leader. A nil error only means the frame was
// written; delivery is best effort while reconnecting.
func (c *Client) Emit(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	if err := writeFrame(conn, Frame{Event: event, Data: data}); err != nil {
		return err
	}
	framesTotal.WithLabelValues("out").Inc()
	return nil
}

// Run dials the leader and relays frames until ctx is cancelled,
// reconnecting with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	logger := log.WithComponent("ipc")
	backoff := reconnectMin

	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("bridge session ended")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// session runs one connect, handshake and read loop.
func (c *Client) session(ctx context.Context) error {
	conn, err := net.DialTimeout("unix", c.path, dialTimeout)
	if err != nil {
		return err
	}
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// The leader speaks first.
	sc := newFrameScanner(conn)
	_ = conn.SetReadDeadline(nowAdd(handshakeTimeout))
	greeting, err := readFrame(sc)
	if err != nil {
		return err
	}
	if greeting.Event != "hello" {
		return fmt.Errorf("unexpected greeting event %q", greeting.Event)
	}
	if err := writeFrame(conn, Frame{Event: "hi"}); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(noDeadline)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	clog := log.WithComponent("ipc")
	clog.Info().Msg("attached to leader")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		frame, err := readFrame(sc)
		if err != nil {
			return err
		}
		framesTotal.WithLabelValues("in").Inc()
		if c.Handler != nil {
			c.Handler(strings.TrimPrefix(frame.Event, "ws_"), frame.Data)
		}
	}
}
