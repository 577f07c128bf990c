// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ipc

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noaione/vthell/internal/log"
)

var framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vthell_ipc_frames_total",
	Help: "Total number of bridge frames by direction",
}, []string{"direction"})

// Server is the leader side of the bridge. It accepts follower connections
// on a unix socket and pushes ws_ prefixed events to every one of them.
type Server struct {
	path string

	mu        sync.RWMutex
	conns     map[net.Conn]struct{}
	listeners map[string][]func(data any)
}

// NewServer builds a server for the given socket path. Run starts it.
func NewServer(socketPath string) *Server {
	return &Server{
		path:      socketPath,
		conns:     make(map[net.Conn]struct{}),
		listeners: make(map[string][]func(data any)),
	}
}

// On registers a handler for events arriving from followers.
func (s *Server) On(event string, fn func(data any)) {
	s.mu.Lock()
	s.listeners[event] = append(s.listeners[event], fn)
	s.mu.Unlock()
}

// Broadcast pushes an event to every attached follower. Dead connections
// are dropped in place.
func (s *Server) Broadcast(event string, data any) {
	frame := Frame{Event: event, Data: data}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := writeFrame(conn, frame); err != nil {
			clog := log.WithComponent("ipc")
			clog.Debug().Err(err).Msg("follower write failed, dropping")
			_ = conn.Close()
			delete(s.conns, conn)
			continue
		}
		framesTotal.WithLabelValues("out").Inc()
	}
}

// FollowerCount returns the number of attached follower processes.
func (s *Server) FollowerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run listens on the socket until ctx is cancelled, then unlinks it. A
// stale socket from a dead leader is removed before binding.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("ipc")

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	logger.Info().Str(log.FieldPath, s.path).Msg("bridge listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeAll()
			_ = os.Remove(s.path)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// handle performs the hello/hi handshake and then relays follower frames
// to the registered listeners.
func (s *Server) handle(conn net.Conn) {
	logger := log.WithComponent("ipc")

	if err := writeFrame(conn, Frame{Event: "hello"}); err != nil {
		_ = conn.Close()
		return
	}
	sc := newFrameScanner(conn)
	_ = conn.SetReadDeadline(nowAdd(handshakeTimeout))
	reply, err := readFrame(sc)
	if err != nil || reply.Event != "hi" {
		logger.Warn().Msg("follower handshake failed, closing")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(noDeadline)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	logger.Info().Msg("follower attached")

	for {
		frame, err := readFrame(sc)
		if err != nil {
			break
		}
		framesTotal.WithLabelValues("in").Inc()
		s.mu.RLock()
		fns := s.listeners[frame.Event]
		s.mu.RUnlock()
		for _, fn := range fns {
			fn(frame.Data)
		}
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	logger.Info().Msg("follower detached")
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
