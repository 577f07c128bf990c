// Package ipc bridges multiple daemon processes. One process wins an
// advisory file lock and becomes the leader; the rest connect to its unix
// socket and mirror websocket traffic for their own clients.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Frames are JSON documents terminated by a three-byte EOT run.
var frameDelimiter = []byte{0x04, 0x04, 0x04}

const (
	writeTimeout = 5 * time.Second
	// handshakeTimeout bounds how long the server waits for the "hi" reply.
	handshakeTimeout = 5 * time.Second
	maxFrameSize     = 4 * 1024 * 1024
)

var noDeadline = time.Time{}

func nowAdd(d time.Duration) time.Time { return time.Now().Add(d) }

// Frame is one bridged event.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func writeFrame(conn net.Conn, f Frame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	buf = append(buf, frameDelimiter...)
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// newFrameScanner splits the stream on the delimiter.
func newFrameScanner(conn net.Conn) *bufio.Scanner {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.Index(data, frameDelimiter); i >= 0 {
			return i + len(frameDelimiter), data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	return sc
}

func readFrame(sc *bufio.Scanner) (Frame, error) {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("connection closed")
	}
	var f Frame
	if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame missing event")
	}
	return f, nil
}
