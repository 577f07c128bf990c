// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/procgroup"
)

// Streamlink extracts twitch broadcasts. Twitch streams cannot be fetched
// as plain URLs; they are read as a live byte stream through the streamlink
// binary.
type Streamlink struct {
	Path       string
	CookieFile string
}

func (s *Streamlink) baseArgs() []string {
	args := []string{
		"--twitch-disable-ads",
		"--twitch-disable-reruns",
		"--hls-live-edge", "2",
	}
	if s.CookieFile != "" {
		args = append(args, "--http-cookies", s.CookieFile)
	}
	return args
}

// BestQuality lists available stream qualities and returns the highest
// real one. The synthetic "best"/"worst"/"audio_only" aliases are ignored.
func (s *Streamlink) BestQuality(ctx context.Context, url string) (string, error) {
	args := append(s.baseArgs(), "-j", url)
	cmd := exec.CommandContext(ctx, s.Path, args...) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", &Error{Kind: ClassifyMessage(msg), Extractor: "twitch", Message: msg}
	}

	var listing struct {
		Streams map[string]json.RawMessage `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &listing); err != nil {
		return "", &Error{Kind: KindUnknown, Extractor: "twitch", Message: "invalid stream listing: " + err.Error()}
	}

	qualities := make([]string, 0, len(listing.Streams))
	for name := range listing.Streams {
		switch name {
		case "best", "worst", "audio_only":
			continue
		}
		qualities = append(qualities, name)
	}
	if len(qualities) == 0 {
		return "", &Error{Kind: KindNoFormats, Extractor: "twitch", Message: "no streams found for " + url}
	}
	sort.Slice(qualities, func(i, j int) bool {
		return qualityRank(qualities[i]) < qualityRank(qualities[j])
	})
	best := qualities[len(qualities)-1]
	clog := log.WithComponent("extractor.twitch")
	clog.Info().
		Str(log.FieldTarget, url).
		Str(log.FieldResolution, best).
		Msg("selected twitch stream quality")
	return best, nil
}

// qualityRank orders quality labels like "480p", "720p60", "1080p60".
func qualityRank(q string) int {
	digits := 0
	rank := 0
	for _, r := range q {
		if r < '0' || r > '9' {
			break
		}
		digits++
	}
	if digits > 0 {
		rank, _ = strconv.Atoi(q[:digits])
	}
	rank *= 1000
	if i := strings.IndexByte(q, 'p'); i >= 0 && i+1 < len(q) {
		if fps, err := strconv.Atoi(q[i+1:]); err == nil {
			rank += fps
		}
	}
	return rank
}

// StreamHandle is a live byte stream backed by a streamlink process.
type StreamHandle struct {
	Resolution string

	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (h *StreamHandle) Read(p []byte) (int, error) {
	return h.stdout.Read(p)
}

// Close terminates the producer process group and reaps it.
func (h *StreamHandle) Close() error {
	_ = procgroup.Kill(h.cmd, syscall.SIGTERM)
	_ = h.stdout.Close()
	return h.cmd.Wait()
}

// Open starts reading the broadcast at its best quality.
func (s *Streamlink) Open(ctx context.Context, url string) (*StreamHandle, error) {
	quality, err := s.BestQuality(ctx, url)
	if err != nil {
		return nil, err
	}

	args := append(s.baseArgs(), "--stdout", url, quality)
	cmd := exec.CommandContext(ctx, s.Path, args...) // #nosec G204
	procgroup.Set(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Extractor: "twitch", Message: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: KindUnknown, Extractor: "twitch", Message: "spawn blocked: " + err.Error()}
	}
	return &StreamHandle{Resolution: quality, cmd: cmd, stdout: stdout}, nil
}
