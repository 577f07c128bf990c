// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package chat captures the live-chat stream of a YouTube broadcast and
// persists it incrementally as a JSON transcript.
package chat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// The watch page embeds three JSON documents in script tags. The boundary
// alternation stops the non-greedy object match at the statement end.
const pageBoundary = `\s*(?:var\s+meta|</script|\n)`

var (
	initialDataRe   = regexp.MustCompile(`(?s)(?:window\s*\[\s*["']ytInitialData["']\s*\]|ytInitialData)\s*=\s*({.+?})\s*;` + pageBoundary)
	playerRespRe    = regexp.MustCompile(`(?s)ytInitialPlayerResponse\s*=\s*({.+?})\s*;` + pageBoundary)
	pageConfigRe    = regexp.MustCompile(`(?s)ytcfg\.set\s*\(\s*({.+?})\s*\)\s*;`)
	subMenuItemPath = "contents.twoColumnWatchNextResults.conversationBar.liveChatRenderer.header.liveChatHeaderRenderer.viewSelector.sortFilterSubMenuRenderer.subMenuItems"
)

// Continuation is one selectable chat view ("Top chat" / "Live chat").
type Continuation struct {
	Title    string
	Token    string
	Selected bool
}

// Details is everything the capture loop needs from one watch-page fetch.
type Details struct {
	ID        string
	Title     string
	ChannelID string
	// Status is live, upcoming or past.
	Status string
	// Type is video or premiere.
	Type          string
	Continuations []Continuation

	StartTime float64
	EndTime   float64
	Duration  float64

	InitialData    map[string]any
	PlayerResponse map[string]any
	Config         map[string]any
}

func extractJSON(re *regexp.Regexp, html string) map[string]any {
	m := re.FindStringSubmatch(html)
	if m == nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(m[1]), &out); err != nil {
		return nil
	}
	return out
}

// parseInitialData pulls the ytInitialData block out of any HTML document.
// Continuation responses served as pages reuse the same embedding.
func parseInitialData(html string) map[string]any {
	return extractJSON(initialDataRe, html)
}

// ParseWatchPage decodes the three embedded blocks and derives the
// broadcast status, type and chat continuations.
func ParseWatchPage(html string) (*Details, error) {
	initial := extractJSON(initialDataRe, html)
	player := extractJSON(playerRespRe, html)
	cfg := extractJSON(pageConfigRe, html)
	if player == nil {
		return nil, fmt.Errorf("watch page has no player response")
	}

	videoDetails := walkMap(player, "videoDetails")
	renderer := walkMap(player, "microformat.playerMicroformatRenderer")
	liveDetails := walkMap(renderer, "liveBroadcastDetails")

	d := &Details{
		ID:             walkString(videoDetails, "videoId"),
		Title:          walkString(videoDetails, "title"),
		ChannelID:      walkString(videoDetails, "channelId"),
		InitialData:    initial,
		PlayerResponse: player,
		Config:         cfg,
	}

	d.Type = "video"
	if b, _ := walk(videoDetails, "isLiveContent").(bool); !b {
		d.Type = "premiere"
	}

	isLive, _ := walk(videoDetails, "isLive").(bool)
	isLiveNow, _ := walk(videoDetails, "isLiveNow").(bool)
	isUpcoming, _ := walk(videoDetails, "isUpcoming").(bool)
	switch {
	case isLive || isLiveNow:
		d.Status = "live"
	case isUpcoming:
		d.Status = "upcoming"
	default:
		d.Status = "past"
	}

	if items, ok := walk(initial, subMenuItemPath).([]any); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			token := walkString(item, "continuation.reloadContinuationData.continuation")
			if token == "" {
				continue
			}
			selected, _ := item["selected"].(bool)
			d.Continuations = append(d.Continuations, Continuation{
				Title:    walkString(item, "title"),
				Token:    token,
				Selected: selected,
			})
		}
	}

	d.StartTime = parseISOTimestamp(walkString(liveDetails, "startTimestamp"))
	d.EndTime = parseISOTimestamp(walkString(liveDetails, "endTimestamp"))

	firstFormat := walkMap(player, "streamingData.adaptiveFormats.0")
	if firstFormat == nil {
		firstFormat = walkMap(player, "streamingData.formats.0")
	}
	if ms, ok := asFloat(walk(firstFormat, "approxDurationMs")); ok && ms > 0 {
		d.Duration = ms / 1e3
	} else if secs, ok := asFloat(walk(videoDetails, "lengthSeconds")); ok && secs > 0 {
		d.Duration = secs
	} else if secs, ok := asFloat(walk(renderer, "lengthSeconds")); ok && secs > 0 {
		d.Duration = secs
	} else if d.StartTime > 0 && d.EndTime > 0 {
		d.Duration = d.EndTime - d.StartTime
	}

	return d, nil
}

func parseISOTimestamp(s string) float64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return float64(t.UnixMilli()) / 1e3
}

// Validate turns a continuation-less page into a typed exit. A page with
// continuations is playable and returns nil.
func (d *Details) Validate() error {
	if len(d.Continuations) > 0 {
		return nil
	}

	playability := walkMap(d.PlayerResponse, "playabilityStatus")
	if screen := walkMap(playability, "errorScreen"); len(screen) > 0 {
		var info map[string]any
		for _, v := range screen {
			info, _ = v.(map[string]any)
			break
		}
		message := strings.TrimSpace(strings.Join([]string{
			playabilityText(info, playability, "reason"),
			playabilityText(info, playability, "subreason"),
		}, " "))

		switch walkString(playability, "status") {
		case "ERROR":
			return &ExitError{Kind: ExitUnavailable, Message: message}
		case "LOGIN_REQUIRED":
			return &ExitError{Kind: ExitLoginRequired, Message: message}
		case "UNPLAYABLE":
			return &ExitError{Kind: ExitUnplayable, Message: message}
		default:
			return &ExitError{Kind: ExitUnavailable, Message: message}
		}
	}

	if popup := walkMap(d.InitialData, "onResponseReceivedActions.0.openPopupAction.popup.confirmDialogRenderer"); len(popup) > 0 {
		return &ExitError{Kind: ExitUnavailable, Message: walkString(popup, "title.simpleText")}
	}
	if walk(d.InitialData, "contents") == nil {
		return &ExitError{Kind: ExitUnavailable, Message: "unable to find the initial video contents"}
	}

	message := "video does not have a chat replay"
	if runs := walkMap(d.InitialData, "contents.twoColumnWatchNextResults.conversationBar.conversationBarRenderer.availabilityMessage.messageRenderer.text"); runs != nil {
		if parsed := parseRuns(runs, false); parsed.Message != "" {
			message = parsed.Message
		}
	}
	if strings.Contains(message, "disabled") {
		return &ExitError{Kind: ExitChatDisabled, Message: message}
	}
	return &ExitError{Kind: ExitNoReplay, Message: message}
}

func playabilityText(info, playability map[string]any, key string) string {
	text := walkMap(info, key)
	if s := walkString(text, "simpleText"); s != "" {
		return strings.TrimSuffix(s, ".") + "."
	}
	if text != nil {
		if parsed := parseRuns(text, false); parsed.Message != "" {
			return strings.TrimSuffix(parsed.Message, ".") + "."
		}
	}
	if s := walkString(playability, key); s != "" {
		return strings.TrimSuffix(s, ".") + "."
	}
	return ""
}
