// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package extractor resolves a broadcast URL into downloadable stream URLs
// with per-platform strategies.
package extractor

import (
	"fmt"
	"strings"
)

// Kind classifies an extraction failure. GeoRestricted and LoginRequired
// always cancel the owning job; MembersOnly cancels only when no cookie
// credential is available.
type Kind int

const (
	KindUnknown Kind = iota
	KindGeoRestricted
	KindLoginRequired
	KindMembersOnly
	KindNoFormats
)

func (k Kind) String() string {
	switch k {
	case KindGeoRestricted:
		return "geo-restricted"
	case KindLoginRequired:
		return "login-required"
	case KindMembersOnly:
		return "members-only"
	case KindNoFormats:
		return "no-formats"
	}
	return "unknown"
}

// Error is a classified extraction failure.
type Error struct {
	Kind      Kind
	Extractor string
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Extractor, e.Message, e.Kind)
}

// Cancels reports whether the failure is unrecoverable for a job.
// hasCookies softens members-only failures into a retry with credentials.
func (e *Error) Cancels(hasCookies bool) bool {
	switch e.Kind {
	case KindGeoRestricted, KindLoginRequired:
		return true
	case KindMembersOnly:
		return !hasCookies
	}
	return false
}

// ClassifyMessage maps an extractor's failure text to a Kind.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "geo restricted"),
		strings.Contains(lower, "geo-restricted"),
		strings.Contains(lower, "not available in your country"):
		return KindGeoRestricted
	case strings.Contains(lower, "captcha"),
		strings.Contains(lower, "private video"),
		strings.Contains(lower, "sign in to confirm"):
		return KindLoginRequired
	case strings.Contains(lower, "members-only"),
		strings.Contains(lower, "members only"),
		strings.Contains(lower, "join this channel"),
		strings.Contains(lower, "no video formats"):
		return KindMembersOnly
	}
	return KindUnknown
}

// URLResult is one downloadable stream URL.
type URLResult struct {
	URL        string
	Resolution string
}

// Result is a successful extraction. Video-platform results carry one or
// two URLs (video [+ separate audio]); Twitch instead carries a live byte
// stream handle.
type Result struct {
	URLs        []URLResult
	Extractor   string
	Resolution  string
	HTTPHeaders map[string]string
}
