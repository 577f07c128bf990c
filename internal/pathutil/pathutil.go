// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pathutil builds filesystem- and remote-safe names for archive
// artifacts.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Reserved characters are substituted with full-width equivalents so the
// resulting name is valid on every supported filesystem. '#' breaks some
// remote backends and is dropped outright.
var replacer = strings.NewReplacer(
	"/", "／",
	":", "：",
	"<", "＜",
	">", "＞",
	`"`, "”",
	"'", "’",
	`\`, "＼",
	"?", "？",
	"*", "⋆",
	"|", "｜",
	"#", "",
)

// emojiRanges cover the pictograph blocks that commonly appear in stream
// titles and that several filesystems refuse.
var emojiRanges = [][2]rune{
	{0x1F1E0, 0x1F1FF}, // flags
	{0x1F300, 0x1F5FF}, // symbols & pictographs
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F680, 0x1F6FF}, // transport & map symbols
	{0x1F700, 0x1F77F}, // alchemical symbols
	{0x1F780, 0x1F7FF}, // geometric shapes extended
	{0x1F800, 0x1F8FF}, // supplemental arrows
	{0x1F900, 0x1F9FF}, // supplemental symbols and pictographs
	{0x1FA00, 0x1FA6F}, // chess symbols
	{0x1FA70, 0x1FAFF}, // symbols and pictographs extended-A
	{0x2702, 0x27B0},   // dingbats
}

func isEmoji(r rune) bool {
	for _, rng := range emojiRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}

// SecureFilename sanitizes a stream title for use as a filename. ASCII
// alphanumerics, spaces, dots, brackets and hyphens pass through untouched.
func SecureFilename(name string) string {
	name = norm.NFC.String(name)
	name = replacer.Replace(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if isEmoji(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// jst is the timezone stream schedules are named in.
var jst = time.FixedZone("JST", 9*60*60)

// JobFilename derives the canonical archive name: the schedule date in JST
// plus the sanitized title.
func JobFilename(videoID, title string, startTime int64) string {
	t := time.Unix(startTime, 0).In(jst)
	return fmt.Sprintf("[%d.%d.%d.%s] %s", t.Year(), int(t.Month()), t.Day(), videoID, SecureFilename(title))
}

// BuildRclonePath joins target segments onto an rclone remote base,
// tolerating the "remote:", "remote:dir" and "remote:dir/" spellings.
func BuildRclonePath(driveBase string, targets ...string) string {
	merged := "/"
	for _, target := range targets {
		merged += target + "/"
	}
	merged = strings.TrimSuffix(merged, "/")

	switch {
	case strings.Contains(driveBase, "/") && strings.Contains(driveBase, ":"):
		return strings.TrimSuffix(driveBase, "/") + merged
	case strings.HasSuffix(driveBase, ":"):
		return driveBase + merged[1:]
	default:
		return driveBase + ":" + merged[1:]
	}
}

// cookieNames in lookup order.
var cookieNames = []string{"cookies.txt", "cookie.txt", "membercookies.txt", "membercookie.txt"}

// FindCookiesFile returns the first cookie jar found under baseDir, or ""
// when none exists.
func FindCookiesFile(baseDir string) string {
	for _, name := range cookieNames {
		path := filepath.Join(baseDir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path
		}
	}
	return ""
}
