// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strings"

	"github.com/noaione/vthell/internal/log"
)

// YTDLP extracts stream URLs by asking yt-dlp for the info JSON.
type YTDLP struct {
	// Path is the yt-dlp binary.
	Path string
	// CookieFile is passed through when set, for member streams.
	CookieFile string
}

type ytdlpFormat struct {
	FormatID    string            `json:"format_id"`
	URL         string            `json:"url"`
	Ext         string            `json:"ext"`
	VCodec      string            `json:"vcodec"`
	ACodec      string            `json:"acodec"`
	Quality     float64           `json:"quality"`
	Resolution  string            `json:"resolution"`
	FormatNote  string            `json:"format_note"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

type ytdlpInfo struct {
	Formats          []ytdlpFormat `json:"formats"`
	RequestedFormats []ytdlpFormat `json:"requested_formats"`
}

func (y *YTDLP) dump(ctx context.Context, url string) (*ytdlpInfo, error) {
	args := []string{"-J", "--no-warnings", "--live-from-start"}
	if y.CookieFile != "" {
		args = append(args, "--cookies", y.CookieFile)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, y.Path, args...) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		clog := log.WithComponent("extractor.ytdlp")
		clog.Error().
			Str(log.FieldTarget, url).
			Str("reason", msg).
			Msg("yt-dlp extraction failed")
		return nil, &Error{Kind: ClassifyMessage(msg), Extractor: "youtube-dl", Message: msg}
	}

	var info ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, &Error{Kind: KindUnknown, Extractor: "youtube-dl", Message: "invalid info json: " + err.Error()}
	}
	return &info, nil
}

// selectFormats picks the best mp4 video-only and matching m4a audio-only
// pair, scanning best to worst.
func selectFormats(formats []ytdlpFormat) (video, audio *ytdlpFormat) {
	for i := len(formats) - 1; i >= 0; i-- {
		f := formats[i]
		if f.VCodec != "none" && f.ACodec == "none" && f.Ext == "mp4" {
			video = &formats[i]
			break
		}
	}
	if video == nil {
		return nil, nil
	}
	audioExt := map[string]string{"mp4": "m4a", "webm": "webm"}[video.Ext]
	for i := len(formats) - 1; i >= 0; i-- {
		f := formats[i]
		if f.ACodec != "none" && f.VCodec == "none" && f.Ext == audioExt {
			audio = &formats[i]
			break
		}
	}
	return video, audio
}

// selectFormatsFallback picks the highest-quality avc video and mp4a audio
// when the preferred selection finds nothing.
func selectFormatsFallback(formats []ytdlpFormat) (video, audio *ytdlpFormat) {
	var videos, audios []ytdlpFormat
	for _, f := range formats {
		if strings.HasPrefix(f.VCodec, "avc") && f.ACodec == "none" {
			videos = append(videos, f)
		}
		if strings.HasPrefix(f.ACodec, "mp4") && f.VCodec == "none" {
			audios = append(audios, f)
		}
	}
	sort.SliceStable(videos, func(i, j int) bool { return videos[i].Quality > videos[j].Quality })
	sort.SliceStable(audios, func(i, j int) bool { return audios[i].Quality > audios[j].Quality })
	if len(videos) == 0 || len(audios) == 0 {
		return nil, nil
	}
	return &videos[0], &audios[0]
}

func formatResolution(f *ytdlpFormat) string {
	if f.Resolution != "" {
		return f.Resolution
	}
	if f.FormatNote != "" {
		return f.FormatNote
	}
	return "Unknown"
}

// Process resolves a video-plus-audio pair for youtube and twitter streams.
func (y *YTDLP) Process(ctx context.Context, url string) (*Result, error) {
	info, err := y.dump(ctx, url)
	if err != nil {
		return nil, err
	}

	video, audio := selectFormats(info.RequestedFormats)
	if video == nil || audio == nil {
		video, audio = selectFormatsFallback(info.Formats)
	}
	if video == nil || audio == nil {
		return nil, &Error{Kind: KindNoFormats, Extractor: "youtube-dl", Message: "no valid formats found for " + url}
	}

	resolution := formatResolution(video)
	headers := make(map[string]string, len(video.HTTPHeaders)+len(audio.HTTPHeaders))
	for k, v := range video.HTTPHeaders {
		headers[k] = v
	}
	for k, v := range audio.HTTPHeaders {
		headers[k] = v
	}

	return &Result{
		URLs: []URLResult{
			{URL: video.URL, Resolution: resolution},
			{URL: audio.URL, Resolution: resolution},
		},
		Extractor:   "youtube-dl",
		Resolution:  resolution,
		HTTPHeaders: headers,
	}, nil
}

// ProcessSingle resolves one merged stream URL, used for twitcasting where
// the recorder does not report a real resolution.
func (y *YTDLP) ProcessSingle(ctx context.Context, url string) (*Result, error) {
	info, err := y.dump(ctx, url)
	if err != nil {
		return nil, err
	}

	var selected *ytdlpFormat
	if len(info.RequestedFormats) > 0 {
		selected = &info.RequestedFormats[0]
	} else if len(info.Formats) > 0 {
		selected = &info.Formats[len(info.Formats)-1]
	}
	if selected == nil {
		return nil, &Error{Kind: KindNoFormats, Extractor: "twitcasting", Message: "no valid formats found for " + url}
	}

	return &Result{
		URLs:       []URLResult{{URL: selected.URL, Resolution: "XXXp"}},
		Extractor:  "twitcasting",
		Resolution: "XXXp",
	}, nil
}

// ProcessAudio resolves the best audio-only URL, used for twitter spaces.
func (y *YTDLP) ProcessAudio(ctx context.Context, url string) (*Result, error) {
	info, err := y.dump(ctx, url)
	if err != nil {
		return nil, err
	}

	var selected *ytdlpFormat
	for i := len(info.Formats) - 1; i >= 0; i-- {
		f := info.Formats[i]
		if f.ACodec != "none" && f.VCodec == "none" {
			selected = &info.Formats[i]
			break
		}
	}
	if selected == nil && len(info.Formats) > 0 {
		selected = &info.Formats[len(info.Formats)-1]
	}
	if selected == nil {
		return nil, &Error{Kind: KindNoFormats, Extractor: "twitter", Message: "no valid formats found for " + url}
	}

	return &Result{
		URLs:        []URLResult{{URL: selected.URL, Resolution: "AAC"}},
		Extractor:   "twitter",
		Resolution:  "AAC",
		HTTPHeaders: selected.HTTPHeaders,
	}, nil
}
