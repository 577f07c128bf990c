// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/noaione/vthell/internal/extractor"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/pathutil"
	"github.com/noaione/vthell/internal/runner"
	"github.com/noaione/vthell/internal/store"
)

// tempPath is the recorder output path without its extension. The recorder
// chooses the container, so the mux stage probes the known suffixes.
func (e *Engine) tempPath(job *store.Job) string {
	return filepath.Join(e.cfg.StreamDumpDir(), job.Filename+" [temp]")
}

// muxedPath is the final artifact handed to the uploader. Twitter spaces
// are audio-only and skip the Matroska remux.
func (e *Engine) muxedPath(job *store.Job) string {
	if job.Platform == store.PlatformTwitter {
		return filepath.Join(e.cfg.StreamDumpDir(), job.Filename+" [AAC].m4a")
	}
	return filepath.Join(e.cfg.StreamDumpDir(), fmt.Sprintf("%s [%s AAC].mkv", job.Filename, job.Resolution))
}

func watchURL(job *store.Job) string {
	switch job.Platform {
	case store.PlatformTwitch:
		return "https://twitch.tv/" + job.ChannelID
	case store.PlatformTwitcasting:
		return "https://twitcasting.tv/" + job.ChannelID
	case store.PlatformMildom:
		return "https://www.mildom.com/" + job.ChannelID
	case store.PlatformTwitter:
		return "https://twitter.com/i/spaces/" + job.ID
	default:
		return "https://youtube.com/watch?v=" + job.ID
	}
}

// setResolution persists the detected quality so it survives a restart
// between download and mux.
func (e *Engine) setResolution(ctx context.Context, job *store.Job, resolution string) {
	if resolution == "" {
		return
	}
	job.Resolution = resolution
	if _, err := e.store.UpdateJob(ctx, job.ID, func(j *store.Job) error {
		j.Resolution = resolution
		return nil
	}); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldJobID, job.ID).Msg("failed to persist resolution")
	}
}

// announceDownload flips the job to downloading and, for youtube, hands it
// to the chat capture dispatcher. The capture runs in parallel with the
// recording for as long as the broadcast lasts.
func (e *Engine) announceDownload(ctx context.Context, job *store.Job, withChat bool) {
	extras := map[string]any{}
	if job.Resolution != "" {
		extras["resolution"] = job.Resolution
	}
	if err := e.update(ctx, job, store.StatusDownloading, extras, true); err != nil {
		return
	}
	if withChat && e.Chat != nil {
		// The capture goroutine gets its own copy; the pipeline keeps
		// mutating the original as stages advance.
		snapshot := *job
		go e.Chat.Capture(ctx, &snapshot, 0)
	}
}

func (e *Engine) downloadStage(ctx context.Context, job *store.Job) *stageError {
	switch job.Platform {
	case store.PlatformYoutube:
		return e.downloadYoutube(ctx, job)
	case store.PlatformTwitter:
		return e.downloadTwitterSpace(ctx, job)
	case store.PlatformTwitch:
		return e.downloadTwitch(ctx, job)
	case store.PlatformTwitcasting, store.PlatformMildom:
		return e.downloadSingleStream(ctx, job)
	default:
		return &stageError{
			stage:      store.StatusDownloading,
			diagnostic: "unsupported platform " + string(job.Platform),
			cancel:     true,
		}
	}
}

// downloadYoutube runs the primary recorder. When the recorder reports the
// stream already ended it falls back to the VOD path via the extractor.
func (e *Engine) downloadYoutube(ctx context.Context, job *store.Job) *stageError {
	cookies := pathutil.FindCookiesFile(e.cfg.BaseDir)

	args := []string{"-4", "--wait", "-r", "30", "-v", "--newline", "-o", e.tempPath(job)}
	if cookies != "" {
		args = append(args, "-c", cookies)
	}
	args = append(args, watchURL(job), "best")

	// Classifier calls are serialized by the runner, so the store writes
	// inside these hooks stay ordered ahead of any later transition.
	hooks := runner.RecorderHooks{
		OnResolution: func(res string) {
			e.setResolution(ctx, job, res)
		},
		OnDownloadStart: func() {
			e.announceDownload(ctx, job, true)
		},
	}
	result := runner.Run(ctx, runner.Spec{
		Binary:   "ytarchive",
		Path:     e.cfg.YTArchivePath,
		Args:     args,
		Scan:     runner.ScanStdout,
		Classify: runner.ClassifyRecorder(hooks),
	})

	if result.Cancelled {
		return &stageError{stage: store.StatusDownloading, diagnostic: "download interrupted"}
	}
	if result.ExitCode == 0 && result.Diagnostic == "" {
		return nil
	}

	diagnostic := result.Diagnostic
	if diagnostic == "" && len(result.Tail) > 0 {
		diagnostic = result.Tail[len(result.Tail)-1]
	}
	if runner.RecorderEndedStream(diagnostic) {
		e.logger.Info().Str(log.FieldJobID, job.ID).Msg("live recorder reports stream over, retrying as VOD")
		return e.downloadYoutubeVOD(ctx, job, cookies)
	}
	return &stageError{
		stage:      store.StatusDownloading,
		diagnostic: fmt.Sprintf("ytarchive exited with code %d (%s)", result.ExitCode, diagnostic),
		cancel:     runner.IsAccessDenied(diagnostic),
	}
}

// downloadYoutubeVOD resolves a video+audio URL pair and stream-copies both
// into a single transport stream.
func (e *Engine) downloadYoutubeVOD(ctx context.Context, job *store.Job, cookies string) *stageError {
	ytdlp := &extractor.YTDLP{Path: e.cfg.YTDLPPath, CookieFile: cookies}
	res, err := ytdlp.Process(ctx, watchURL(job))
	if err != nil {
		return e.classifyExtraction(err, cookies)
	}
	e.setResolution(ctx, job, res.Resolution)

	args := ffmpegBaseArgs(res.HTTPHeaders)
	args = append(args, "-i", res.URLs[0].URL, "-i", res.URLs[1].URL,
		"-c", "copy", e.tempPath(job)+".ts", "-y")
	return e.runFFmpeg(ctx, job, args, true)
}

// downloadTwitterSpace records the audio-only broadcast straight to m4a.
func (e *Engine) downloadTwitterSpace(ctx context.Context, job *store.Job) *stageError {
	cookies := pathutil.FindCookiesFile(e.cfg.BaseDir)
	ytdlp := &extractor.YTDLP{Path: e.cfg.YTDLPPath, CookieFile: cookies}
	res, err := ytdlp.ProcessAudio(ctx, watchURL(job))
	if err != nil {
		return e.classifyExtraction(err, cookies)
	}
	e.setResolution(ctx, job, res.Resolution)

	args := ffmpegBaseArgs(res.HTTPHeaders)
	args = append(args, "-i", res.URLs[0].URL,
		"-metadata", "title="+job.Title,
		"-c", "copy", e.tempPath(job)+".m4a", "-y")
	return e.runFFmpeg(ctx, job, args, false)
}

// downloadSingleStream covers twitcasting and mildom, which resolve to one
// merged URL. Member streams require a cookie jar up front.
func (e *Engine) downloadSingleStream(ctx context.Context, job *store.Job) *stageError {
	cookies := pathutil.FindCookiesFile(e.cfg.BaseDir)
	if job.MemberOnly && cookies == "" {
		return &stageError{
			stage:      store.StatusDownloading,
			diagnostic: "member-only stream and no cookies file is available",
			cancel:     true,
		}
	}

	ytdlp := &extractor.YTDLP{Path: e.cfg.YTDLPPath, CookieFile: cookies}
	res, err := ytdlp.ProcessSingle(ctx, watchURL(job))
	if err != nil {
		return e.classifyExtraction(err, cookies)
	}
	e.setResolution(ctx, job, res.Resolution)

	args := ffmpegBaseArgs(res.HTTPHeaders)
	args = append(args, "-i", res.URLs[0].URL,
		"-c", "copy", e.tempPath(job)+".ts", "-y")
	return e.runFFmpeg(ctx, job, args, false)
}

// downloadTwitch reads the live byte stream from the streamlink producer
// until the broadcast ends.
func (e *Engine) downloadTwitch(ctx context.Context, job *store.Job) *stageError {
	cookies := pathutil.FindCookiesFile(e.cfg.BaseDir)
	sl := &extractor.Streamlink{Path: e.cfg.StreamlinkPath, CookieFile: cookies}

	handle, err := sl.Open(ctx, watchURL(job))
	if err != nil {
		return e.classifyExtraction(err, cookies)
	}
	defer func() { _ = handle.Close() }()
	e.setResolution(ctx, job, handle.Resolution)

	out, err := os.Create(e.tempPath(job) + ".ts") // #nosec G304
	if err != nil {
		return &stageError{stage: store.StatusDownloading, diagnostic: "cannot create dump file: " + err.Error()}
	}
	defer func() { _ = out.Close() }()

	e.announceDownload(ctx, job, false)

	// Closing the handle on cancellation breaks the blocking read.
	stop := context.AfterFunc(ctx, func() { _ = handle.Close() })
	defer stop()

	_, err = io.Copy(out, handle)
	if ctx.Err() != nil {
		return &stageError{stage: store.StatusDownloading, diagnostic: "download interrupted"}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return &stageError{stage: store.StatusDownloading, diagnostic: "stream read failed: " + err.Error()}
	}
	return nil
}

func ffmpegBaseArgs(headers map[string]string) []string {
	args := []string{"-hide_banner", "-v", "verbose"}
	if len(headers) > 0 {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			sb.WriteString(k + ": " + headers[k] + "\r\n")
		}
		args = append(args, "-headers", sb.String())
	}
	return args
}

// runFFmpeg supervises a stream-copy download. announce fires the
// downloading transition (and chat capture) once ffmpeg starts consuming.
func (e *Engine) runFFmpeg(ctx context.Context, job *store.Job, args []string, withChat bool) *stageError {
	classify := runner.ClassifyFFmpeg(func() {
		e.announceDownload(ctx, job, withChat)
	})
	result := runner.Run(ctx, runner.Spec{
		Binary:   "ffmpeg",
		Path:     e.cfg.FFmpegPath,
		Args:     args,
		Scan:     runner.ScanStderr,
		Classify: classify,
	})
	if result.Cancelled {
		return &stageError{stage: store.StatusDownloading, diagnostic: "download interrupted"}
	}
	if result.ExitCode != 0 || result.Diagnostic != "" {
		return &stageError{
			stage:      store.StatusDownloading,
			diagnostic: fmt.Sprintf("ffmpeg exited with code %d (%s)", result.ExitCode, result.Diagnostic),
		}
	}
	return nil
}

// classifyExtraction maps extractor failures onto the job state machine.
func (e *Engine) classifyExtraction(err error, cookies string) *stageError {
	var exErr *extractor.Error
	if errors.As(err, &exErr) {
		return &stageError{
			stage:      store.StatusDownloading,
			diagnostic: exErr.Error(),
			cancel:     exErr.Cancels(cookies != ""),
		}
	}
	return &stageError{stage: store.StatusDownloading, diagnostic: err.Error()}
}

// findTempFile probes the known container suffixes, then falls back to a
// prefix scan so a recorder that picked another container still muxes.
func (e *Engine) findTempFile(job *store.Job, suffixes ...string) string {
	base := e.tempPath(job)
	for _, suffix := range suffixes {
		if _, err := os.Stat(base + suffix); err == nil {
			return base + suffix
		}
	}

	entries, err := os.ReadDir(e.cfg.StreamDumpDir())
	if err != nil {
		return ""
	}
	prefix := job.Filename + " [temp]"
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(e.cfg.StreamDumpDir(), entry.Name())
		}
	}
	return ""
}

func (e *Engine) muxStage(ctx context.Context, job *store.Job) *stageError {
	if job.Platform == store.PlatformTwitter {
		src := e.findTempFile(job, ".m4a")
		if src == "" {
			return &stageError{stage: store.StatusMuxing, diagnostic: "downloaded file not found"}
		}
		if err := os.Rename(src, e.muxedPath(job)); err != nil {
			return &stageError{stage: store.StatusMuxing, diagnostic: "rename failed: " + err.Error()}
		}
		return nil
	}

	src := e.findTempFile(job, ".mp4", ".ts")
	if src == "" {
		return &stageError{stage: store.StatusMuxing, diagnostic: "downloaded file not found"}
	}

	result := runner.Run(ctx, runner.Spec{
		Binary: "mkvmerge",
		Path:   e.cfg.MKVMergePath,
		Args:   []string{"-o", e.muxedPath(job), src},
		Scan:   runner.ScanBoth,
	})
	if result.Cancelled {
		return &stageError{stage: store.StatusMuxing, diagnostic: "mux interrupted"}
	}
	if result.ExitCode != 0 {
		return &stageError{
			stage:      store.StatusMuxing,
			diagnostic: fmt.Sprintf("mkvmerge exited with code %d:\n%s", result.ExitCode, strings.Join(result.Tail, "\n")),
		}
	}
	return nil
}

func (e *Engine) uploadStage(ctx context.Context, job *store.Job) *stageError {
	src := e.muxedPath(job)
	if _, err := os.Stat(src); err != nil {
		return &stageError{stage: store.StatusUploading, diagnostic: "muxed file not found"}
	}

	base := "Stream Archive"
	if job.MemberOnly {
		base = "Member-Only Stream Archive"
	}
	targets := append([]string{base}, e.datasets.UploadPath(job.ChannelID, job.Platform)...)
	target := pathutil.BuildRclonePath(e.cfg.RcloneDriveTarget, targets...)
	announce := "/" + strings.Join(targets, "/")

	if err := e.update(ctx, job, store.StatusUploading, map[string]any{
		"filename": filepath.Base(src),
		"path":     announce,
	}, true); err != nil {
		return &stageError{stage: store.StatusUploading, diagnostic: "failed to persist transition"}
	}

	result := runner.Run(ctx, runner.Spec{
		Binary:   "rclone",
		Path:     e.cfg.RclonePath,
		Args:     []string{"-v", "-P", "copy", src, target},
		Scan:     runner.ScanStdout,
		Classify: runner.ClassifyRclone(),
	})
	if result.Cancelled {
		return &stageError{stage: store.StatusUploading, diagnostic: "upload interrupted"}
	}
	if result.ExitCode != 0 {
		return &stageError{
			stage:      store.StatusUploading,
			diagnostic: fmt.Sprintf("rclone exited with code %d:\n%s", result.ExitCode, result.Diagnostic),
		}
	}
	return nil
}

// cleanupStage removes the temporary dumps and, when uploads ran, the
// muxed artifact. Failures only log; cleanup never errors a job.
func (e *Engine) cleanupStage(job *store.Job) {
	logger := e.logger.With().Str(log.FieldJobID, job.ID).Logger()
	for _, suffix := range []string{".mp4", ".ts", ".m4a"} {
		path := e.tempPath(job) + suffix
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("failed to delete temporary file")
		}
	}

	if e.cfg.RcloneDisable {
		logger.Info().Msg("upload backend disabled, keeping muxed artifact")
		return
	}
	if err := os.Remove(e.muxedPath(job)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str(log.FieldPath, e.muxedPath(job)).Msg("failed to delete muxed file")
	}
}
