package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.lock")

	first, ok, err := AcquireLock(path)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = AcquireLock(path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release())

	second, ok, err := AcquireLock(path)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}

// startBridge wires one server and one client over a real unix socket.
func startBridge(t *testing.T) (*Server, *Client, chan Frame) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bridge.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(sock)
	go func() { _ = srv.Run(ctx) }()

	received := make(chan Frame, 8)
	cli := NewClient(sock)
	cli.Handler = func(event string, data any) {
		received <- Frame{Event: event, Data: data}
	}
	go func() { _ = cli.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.FollowerCount() == 1 },
		5*time.Second, 20*time.Millisecond)
	return srv, cli, received
}

func TestBridgeRelayStripsPrefix(t *testing.T) {
	srv, _, received := startBridge(t)

	srv.Broadcast("ws_job_update", map[string]any{"id": "abc", "status": "DOWNLOADING"})

	select {
	case f := <-received:
		assert.Equal(t, "job_update", f.Event)
		data, ok := f.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "abc", data["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not relayed")
	}
}

func TestBridgeFollowerEmit(t *testing.T) {
	srv, cli, _ := startBridge(t)

	got := make(chan any, 1)
	srv.On("ws_job_scheduled", func(data any) { got <- data })

	require.NoError(t, cli.Emit("ws_job_scheduled", map[string]any{"id": "xyz"}))

	select {
	case data := <-got:
		m, ok := data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "xyz", m["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("server listener was not invoked")
	}
}

func TestBridgeHandshakeRequired(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bridge.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(sock)
	go func() { _ = srv.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()

	sc := newFrameScanner(conn)
	greeting, err := readFrame(sc)
	require.NoError(t, err)
	assert.Equal(t, "hello", greeting.Event)

	// Never reply "hi"; the server must drop us instead of attaching.
	time.Sleep(handshakeTimeout + time.Second)
	assert.Equal(t, 0, srv.FollowerCount())
}

func TestServerUnlinksSocketOnShutdown(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bridge.sock")
	ctx, cancel := context.WithCancel(context.Background())

	srv := NewServer(sock)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	_, err := net.Dial("unix", sock)
	assert.Error(t, err)
}
