// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noaione/vthell/internal/log"
)

const (
	// pingInterval is how often the server emits an application-level ping.
	pingInterval = 20 * time.Second
	// pongTimeout is how long a client may go without a valid pong before
	// the server severs the connection with close code 1006.
	pongTimeout = 20 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// Client is one websocket session. Sends are serialized through the send
// queue; the hub never writes to the socket directly.
type Client struct {
	sid  string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// lastPong is written by the read pump and read by the write pump.
	lastPong chan time.Time
	done     chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		sid:      newSessionID(),
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		lastPong: make(chan time.Time, 1),
		done:     make(chan struct{}),
	}
}

// SID returns the session id.
func (c *Client) SID() string { return c.sid }

type pongPayload struct {
	T   int64  `json:"t"`
	SID string `json:"sid"`
}

// readPump decodes inbound frames and routes them. A valid pong refreshes
// the keep-alive window; anything else goes to the hub's event listeners.
func (c *Client) readPump() {
	logger := log.WithComponent("ws").With().Str(log.FieldSessionID, c.sid).Logger()
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("client read failed, disconnecting")
			return
		}
		packet, err := DecodePacket(raw)
		if err != nil {
			logger.Debug().Err(err).Msg("dropping undecodable packet")
			continue
		}
		if packet.Event == "pong" {
			c.handlePong(packet.Data)
			continue
		}
		c.hub.dispatchInbound(c.sid, packet)
	}
}

func (c *Client) handlePong(data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	var payload pongPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.T == 0 || payload.SID != c.sid {
		clog := log.WithComponent("ws")
		clog.Warn().Str(log.FieldSessionID, c.sid).Msg("invalid pong packet, dropping")
		return
	}
	select {
	case c.lastPong <- time.Now():
	default:
	}
}

// writePump drains the send queue and drives the keep-alive. A missing pong
// closes the connection with 1006.
func (c *Client) writePump() {
	logger := log.WithComponent("ws").With().Str(log.FieldSessionID, c.sid).Logger()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	pongSeen := time.Now()
	pingSent := false

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug().Err(err).Msg("client write failed, disconnecting")
				c.hub.unregister <- c
				return
			}
		case t := <-c.lastPong:
			pongSeen = t
			pingSent = false
		case <-ticker.C:
			if pingSent && time.Since(pongSeen) > pingInterval+pongTimeout {
				logger.Info().Msg("pong timeout, severing connection")
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseAbnormalClosure, "pong timeout"))
				c.hub.unregister <- c
				return
			}
			ping := Packet{Event: "ping", Data: pongPayload{
				T:   time.Now().UTC().UnixMilli(),
				SID: c.sid,
			}}
			buf, err := ping.Encode()
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.hub.unregister <- c
				return
			}
			pingSent = true
		}
	}
}
