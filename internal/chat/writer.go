// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// backtrackWindow is how far the resume scan walks into the tail of a
// transcript before giving up and restarting from the beginning.
const backtrackWindow = 5000

// Writer appends messages to a transcript that is a valid JSON array
// after every write. The closing "\n]" is spliced by rewinding two bytes
// before each append, so a concurrent reader always sees a whole document.
type Writer struct {
	path string
	file *os.File
}

// NewWriter opens (or creates) the transcript at dir/filename. With
// overwrite false, messages already in the file are kept.
func NewWriter(dir, filename string, overwrite bool) (*Writer, error) {
	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301
		return nil, err
	}
	path := filepath.Join(dir, filename)

	var previous []json.RawMessage
	if !overwrite {
		if buf, err := os.ReadFile(path); err == nil { // #nosec G304
			// A torn tail means the previous run died mid-write; the
			// resume path recovers what it can, we start fresh here.
			_ = json.Unmarshal(buf, &previous)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return nil, err
	}

	w := &Writer{path: path, file: file}
	for _, item := range previous {
		var decoded map[string]any
		if err := json.Unmarshal(item, &decoded); err != nil {
			continue
		}
		if err := w.Write(decoded); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the on-disk location of the transcript.
func (w *Writer) Path() string { return w.path }

func indentLines(text string) string {
	lines := strings.SplitAfter(text, "\n")
	var sb strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		sb.WriteString("  ")
		sb.WriteString(line)
	}
	return sb.String()
}

// Write appends one message, keeping the document well-formed.
func (w *Writer) Write(msg map[string]any) error {
	encoded, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	end, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if end == 0 {
		if _, err := w.file.WriteString("["); err != nil {
			return err
		}
	} else {
		if _, err := w.file.Seek(-2, io.SeekEnd); err != nil {
			return err
		}
		if _, err := w.file.WriteString(", "); err != nil {
			return err
		}
	}
	if _, err := w.file.WriteString("\n" + indentLines(string(encoded))); err != nil {
		return err
	}
	_, err = w.file.WriteString("\n]")
	return err
}

// Flush pushes buffered bytes to disk.
func (w *Writer) Flush() error {
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close flushes and closes the transcript.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// BacktrackLastMessage walks backwards through the transcript tail one
// byte at a time, reparsing until a valid array suffix appears, and
// returns the last complete message. The second return is false when the
// window is exhausted without a successful parse.
func BacktrackLastMessage(path string) (map[string]any, bool, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, false, err
	}
	size := stat.Size()
	window := int64(backtrackWindow)
	if size < window {
		window = size
	}
	tail := make([]byte, window)
	if _, err := file.ReadAt(tail, size-window); err != nil && err != io.EOF {
		return nil, false, err
	}

	for current := int64(1); current <= window; current++ {
		chunk := string(tail[window-current:])
		// Reopen the array only once a full object tail is visible,
		// otherwise "]" alone would parse as an empty array.
		if strings.HasSuffix(chunk, "}\n]") || strings.HasSuffix(chunk, "}]") {
			chunk = "[\n" + chunk
		}
		var parsed []map[string]any
		if err := json.Unmarshal([]byte(chunk), &parsed); err != nil {
			continue
		}
		if len(parsed) == 0 {
			continue
		}
		return parsed[len(parsed)-1], true, nil
	}
	return nil, false, nil
}

// LastTimestamp extracts the resume offset (epoch ms) from the last
// complete message of the transcript at path. Zero means no usable
// timestamp, so capture restarts from the beginning.
func LastTimestamp(path string) float64 {
	msg, ok, err := BacktrackLastMessage(path)
	if err != nil || !ok {
		return 0
	}
	ts, _ := asFloat(msg["timestamp"])
	return ts
}
