// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noaione/vthell/internal/log"
)

var (
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vthell_ws_clients",
		Help: "Number of connected websocket clients",
	})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vthell_ws_events_total",
		Help: "Total number of websocket events dispatched",
	}, []string{"event"})
)

// Listener observes an inbound client event.
type Listener func(sid string, data any)

// Hub owns the client registry and a single dispatcher that drains the
// outgoing queue, preserving per-client event order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	outbound   chan Packet

	// OnConnect supplies the payload sent to a new client under
	// connect_job_init; nil disables the greeting.
	OnConnect func() any

	mu        sync.RWMutex
	clients   map[string]*Client
	listeners map[string][]Listener

	upgrader websocket.Upgrader
}

// NewHub builds an empty hub. Run must be started before clients attach.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan Packet, 256),
		clients:    make(map[string]*Client),
		listeners:  make(map[string][]Listener),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary dashboards; auth happens
			// at the API layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// On registers a listener for an inbound event.
func (h *Hub) On(event string, fn Listener) {
	h.mu.Lock()
	h.listeners[event] = append(h.listeners[event], fn)
	h.mu.Unlock()
}

// Emit queues a packet for one client (to != "") or all clients.
func (h *Hub) Emit(event string, data any, to string) {
	select {
	case h.outbound <- Packet{Event: event, Data: data, To: to}:
	default:
		clog := log.WithComponent("ws")
		clog.Warn().
			Str(log.FieldEvent, event).
			Msg("outbound queue full, dropping event")
	}
}

// ClientCount returns the number of attached sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run drains registration and outbound queues until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	logger := log.WithComponent("ws")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.sid] = c
			h.mu.Unlock()
			clientsGauge.Inc()
			logger.Info().Str(log.FieldSessionID, c.sid).Msg("client connected")
			if h.OnConnect != nil {
				h.sendTo(c, Packet{Event: "connect_job_init", Data: h.OnConnect()})
			}
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.sid]; ok {
				delete(h.clients, c.sid)
				close(c.done)
				clientsGauge.Dec()
				logger.Info().Str(log.FieldSessionID, c.sid).Msg("client disconnected")
			}
			h.mu.Unlock()
		case packet := <-h.outbound:
			eventsTotal.WithLabelValues(packet.Event).Inc()
			h.mu.RLock()
			if packet.To != "" {
				if c, ok := h.clients[packet.To]; ok {
					h.sendTo(c, packet)
				} else {
					logger.Warn().Str(log.FieldSessionID, packet.To).Msg("client not found, dropping message")
				}
			} else {
				for _, c := range h.clients {
					h.sendTo(c, packet)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// sendTo enqueues onto the client's send queue. A full queue means the
// client stopped draining; it is disconnected rather than blocking the hub.
func (h *Hub) sendTo(c *Client, packet Packet) {
	buf, err := packet.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- buf:
	default:
		clog := log.WithComponent("ws")
		clog.Warn().
			Str(log.FieldSessionID, c.sid).
			Msg("client send queue full, disconnecting")
		go func() { h.unregister <- c }()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, c := range h.clients {
		close(c.send)
		delete(h.clients, sid)
		clientsGauge.Dec()
	}
}

// dispatchInbound fans an inbound packet out to registered listeners.
func (h *Hub) dispatchInbound(sid string, packet Packet) {
	h.mu.RLock()
	fns := h.listeners[packet.Event]
	h.mu.RUnlock()
	if len(fns) == 0 {
		clog := log.WithComponent("ws")
		clog.Warn().
			Str(log.FieldEvent, packet.Event).
			Msg("unknown event received")
		return
	}
	for _, fn := range fns {
		fn(sid, packet.Data)
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		clog := log.WithComponent("ws")
		clog.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(h, conn)
	h.register <- c

	go c.writePump()
	go c.readPump()
}
