// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package runner

import "strings"

// RecorderHooks observe notable lines from the youtube recorder. Hook
// calls are serialized with the classifier; long blocking work stalls the
// output scan.
type RecorderHooks struct {
	// OnResolution receives the quality token ("1080p60") once known.
	OnResolution func(res string)
	// OnDownloadStart fires once, on the first line confirming the
	// download is running. Chat capture is dispatched from here.
	OnDownloadStart func()
}

// ClassifyRecorder builds the classifier for the youtube live recorder.
func ClassifyRecorder(hooks RecorderHooks) Classifier {
	started := false
	return func(raw string) Verdict {
		line := strings.ToLower(raw)
		switch {
		case strings.Contains(line, "selected quality"):
			if hooks.OnResolution != nil {
				if res := qualityToken(raw); res != "" {
					hooks.OnResolution(res)
				}
			}
			return Progress
		case strings.Contains(line, "starting download"), strings.Contains(line, "total downloaded"):
			if !started {
				started = true
				if hooks.OnDownloadStart != nil {
					hooks.OnDownloadStart()
				}
				return Announce
			}
			return Progress
		case strings.Contains(line, "livestream") && strings.Contains(line, "process"):
			// Stream already ended; the caller may fall back to the
			// generic extractor path.
			return FatalError
		case strings.Contains(line, "error"),
			strings.Contains(line, "unable to retrieve"),
			strings.Contains(line, "could not find"),
			strings.Contains(line, "unable to download"):
			return FatalError
		case strings.Contains(line, "private"), strings.Contains(line, "members only"):
			// Post-classified to cancelled by the caller via IsAccessDenied.
			return FatalError
		}
		return Ignore
	}
}

// qualityToken extracts the resolution token from a "Selected quality: X"
// line.
func qualityToken(line string) string {
	_, after, ok := strings.Cut(line, ":")
	if !ok {
		return ""
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// RecorderEndedStream reports whether the diagnostic means the livestream is
// over and a VOD download should be attempted instead.
func RecorderEndedStream(diagnostic string) bool {
	line := strings.ToLower(diagnostic)
	return strings.Contains(line, "livestream") && strings.Contains(line, "process")
}

// IsAccessDenied reports whether the diagnostic indicates a private or
// members-only stream, which cancels the job rather than erroring it.
func IsAccessDenied(diagnostic string) bool {
	line := strings.ToLower(diagnostic)
	return strings.Contains(line, "private") || strings.Contains(line, "members only")
}

// ClassifyFFmpeg builds the classifier for the stream-copy recorder path.
// onStart fires once when ffmpeg confirms it is consuming input.
func ClassifyFFmpeg(onStart func()) Classifier {
	started := false
	return func(raw string) Verdict {
		line := strings.ToLower(raw)
		switch {
		// The exact banner wording varies between ffmpeg builds, so any
		// line carrying both words counts as the start marker.
		case strings.Contains(line, "press [q] to stop"),
			strings.Contains(line, "press") && strings.Contains(line, "stop"):
			if !started {
				started = true
				if onStart != nil {
					onStart()
				}
				return Announce
			}
			return Progress
		case strings.Contains(line, "io error"):
			return FatalError
		}
		return Ignore
	}
}

// ClassifyRclone records upload errors as diagnostics without aborting the
// transfer, so partial copies still finish what they can.
func ClassifyRclone() Classifier {
	return func(raw string) Verdict {
		line := strings.ToLower(raw)
		if strings.Contains(line, "error") || strings.Contains(line, "failed to copy") {
			return RetryableError
		}
		return Ignore
	}
}
