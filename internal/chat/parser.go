// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Runs is a parsed formatted message with its custom emotes expanded.
type Runs struct {
	Message string
	Emotes  []map[string]any
}

// JSON renders the runs into the transcript message shape.
func (r Runs) JSON() map[string]any {
	out := map[string]any{"message": r.Message}
	if len(r.Emotes) > 0 {
		out["emotes"] = r.Emotes
	}
	return out
}

var currencySymbols = map[string]string{
	"$":   "USD",
	"A$":  "AUD",
	"CA$": "CAD",
	"HK$": "HKD",
	"MX$": "MXN",
	"NT$": "TWD",
	"NZ$": "NZD",
	"R$":  "BRL",
	"£":   "GBP",
	"€":   "EUR",
	"₹":   "INR",
	"₪":   "ILS",
	"₱":   "PHP",
	"₩":   "KRW",
	"￦":   "KRW",
	"¥":   "JPY",
	"￥":   "JPY",
}

// remapRule maps one upstream renderer key to a transcript field. An empty
// target merges the transformed map into the message instead.
type remapRule struct {
	target string
	fn     func(any) any
}

var remapping map[string]remapRule

func init() {
	remapping = map[string]remapRule{
		"id":                      {target: "message_id"},
		"authorExternalChannelId": {target: "author_id"},
		"authorName":              {target: "author_name", fn: simpleText},
		"purchaseAmountText":      {target: "money", fn: parseCurrency},
		"message":                 {fn: runsJSON},
		"timestampText":           {target: "time_text", fn: simpleText},
		"timestampUsec":           {target: "timestamp", fn: microToMilli},
		"authorPhoto":             {target: "author_images", fn: parseThumbnails},
		"tooltip":                 {target: "tooltip"},
		"icon":                    {target: "icon", fn: func(v any) any { return walkString(v, "iconType") }},
		"authorBadges":            {target: "author_badges", fn: parseBadges},
		"sticker":                 {target: "sticker_images", fn: parseThumbnails},
		"fullDurationSec":         {target: "ticker_duration", fn: intOrNil},
		"amount":                  {target: "money", fn: parseCurrency},
		"detailText":              {fn: runsJSON},
		"customThumbnail":         {target: "badge_icons", fn: parseThumbnails},
		"headerPrimaryText":       {target: "header_primary_text", fn: parseText},
		"headerSubtext":           {target: "header_secondary_text", fn: parseText},
		"sponsorPhoto":            {target: "sponsor_icons", fn: parseThumbnails},
		"tickerThumbnails":        {target: "ticker_icons", fn: parseThumbnails},
		"deletedStateMessage":     {fn: runsJSON},
		"targetItemId":            {target: "target_message_id"},
		"externalChannelId":       {target: "author_id"},
		"actionButton":            {target: "action", fn: parseActionButton},
		"text":                    {fn: runsJSON},
		"viewerIsCreator":         {target: "viewer_is_creator"},
		"targetId":                {target: "target_message_id"},
		"isStackable":             {target: "is_stackable"},
		"backgroundType":          {target: "background_type"},
		"targetActionId":          {target: "target_message_id"},
		"subtext":                 {fn: runsJSON},
		"detailsText":             {fn: runsJSON},
	}
}

// colourKeys carry ARGB integers that are rewritten as #rrggbbaa strings.
var colourKeys = []string{
	"authorNameTextColor",
	"timestampColor",
	"bodyBackgroundColor",
	"headerTextColor",
	"headerBackgroundColor",
	"bodyTextColor",
	"backgroundColor",
	"moneyChipTextColor",
	"moneyChipBackgroundColor",
	"startBackgroundColor",
	"amountTextColor",
	"endBackgroundColor",
	"detailTextColor",
}

func simpleText(v any) any {
	return walkString(v, "simpleText")
}

func parseText(v any) any {
	if runs := parseRuns(v, true); runs.Message != "" {
		return runs.Message
	}
	return simpleText(v)
}

func runsJSON(v any) any {
	return parseRuns(v, true).JSON()
}

func microToMilli(v any) any {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	return f / 1000
}

func intOrNil(v any) any {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	return int64(f)
}

// parseNavigationLink resolves the relative and redirect link shapes the
// chat payload uses into absolute URLs.
func parseNavigationLink(text string) string {
	switch {
	case strings.HasPrefix(text, "/redirect"), strings.HasPrefix(text, "https://www.youtube.com/redirect"):
		u, err := url.Parse(text)
		if err != nil {
			return ""
		}
		return u.Query().Get("q")
	case strings.HasPrefix(text, "//"):
		return "https:" + text
	case strings.HasPrefix(text, "/"):
		return "https://www.youtube.com" + text
	}
	return text
}

func parseNavigationEndpoint(endpoint any, fallback string) string {
	if raw := walkString(endpoint, "commandMetadata.webCommandMetadata.url"); raw != "" {
		return parseNavigationLink(raw)
	}
	return fallback
}

// parseRuns flattens a formatted message. Emotes contribute their first
// shortcut to the text and are collected once per emoji id.
func parseRuns(v any, parseLinks bool) Runs {
	var out Runs
	info, ok := v.(map[string]any)
	if !ok {
		return out
	}
	runs, _ := info["runs"].([]any)
	seen := map[string]bool{}
	var sb strings.Builder

	for _, raw := range runs {
		run, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := run["text"].(string); ok {
			if parseLinks {
				if endpoint, has := run["navigationEndpoint"]; has {
					sb.WriteString(parseNavigationEndpoint(endpoint, text))
					continue
				}
			}
			sb.WriteString(text)
			continue
		}
		emoji, ok := run["emoji"].(map[string]any)
		if !ok {
			continue
		}
		name := walkString(emoji, "shortcuts.0")
		if name == "" {
			continue
		}
		id := walkString(emoji, "emojiId")
		if id != "" && !seen[id] {
			seen[id] = true
			isCustom, _ := emoji["isCustomEmoji"].(bool)
			out.Emotes = append(out.Emotes, map[string]any{
				"id":              id,
				"name":            name,
				"shortcuts":       emoji["shortcuts"],
				"search_terms":    emoji["searchTerms"],
				"images":          parseThumbnails(emoji["image"]),
				"is_custom_emoji": isCustom,
			})
		}
		sb.WriteString(name)
	}
	out.Message = sb.String()
	return out
}

func sourceImageURL(u string) string {
	if i := strings.Index(u, "="); i >= 0 {
		return u[:i]
	}
	return u
}

func thumbnailJSON(u string, width, height int, id string) map[string]any {
	if strings.HasPrefix(u, "//") {
		u = "https:" + u
	}
	if id == "" && width > 0 && height > 0 {
		id = fmt.Sprintf("%dx%d", width, height)
	}
	out := map[string]any{"url": u, "id": id}
	if width > 0 {
		out["width"] = width
	}
	if height > 0 {
		out["height"] = height
	}
	return out
}

// parseThumbnails normalizes a thumbnail set, prepending an unscaled
// "source" entry derived from the first variant.
func parseThumbnails(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		v = list[0]
	}
	item, ok := v.(map[string]any)
	if !ok {
		return []any{}
	}
	thumbs, _ := item["thumbnails"].([]any)

	out := make([]any, 0, len(thumbs)+1)
	for _, raw := range thumbs {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		width, _ := asFloat(t["width"])
		height, _ := asFloat(t["height"])
		out = append(out, thumbnailJSON(walkString(t, "url"), int(width), int(height), ""))
	}
	if len(out) > 0 {
		first := out[0].(map[string]any)
		out = append([]any{thumbnailJSON(sourceImageURL(first["url"].(string)), 0, 0, "source")}, out...)
	}
	return out
}

var currencyAmountRe = regexp.MustCompile(`([\d,\.]+)`)

// parseCurrency splits an amount string like "CA$4.99" into its symbol,
// ISO code and numeric amount.
func parseCurrency(v any) any {
	text := ""
	if m, ok := v.(map[string]any); ok {
		text = walkString(m, "simpleText")
	}
	if text == "" {
		text = fmt.Sprint(v)
	}

	out := map[string]any{"text": text, "amount": 0.0, "currency": nil, "currency_symbol": nil}
	loc := currencyAmountRe.FindStringIndex(text)
	if loc == nil {
		return out
	}
	symbol := strings.TrimSpace(text[:loc[0]])
	amount, _ := asFloat(strings.ReplaceAll(text[loc[0]:loc[1]], ",", ""))
	out["amount"] = amount
	if symbol != "" {
		out["currency_symbol"] = symbol
		if code, ok := currencySymbols[symbol]; ok {
			out["currency"] = code
		} else {
			out["currency"] = symbol
		}
	}
	return out
}

func parseActionButton(v any) any {
	endpoint := walk(v, "buttonRenderer.navigationEndpoint")
	link := ""
	if endpoint != nil {
		link = parseNavigationEndpoint(endpoint, "")
	}
	return map[string]any{
		"url":  link,
		"text": walkString(v, "buttonRenderer.text.simpleText"),
	}
}

var badgeSizeRe = regexp.MustCompile(`=s(\d+)`)

func parseBadges(v any) any {
	items, _ := v.([]any)
	badges := make([]any, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		parsed := ParseItem(item, nil, 0)
		badge := map[string]any{}
		if title, ok := parsed["tooltip"].(string); ok && title != "" {
			badge["title"] = title
		}
		if icon, ok := parsed["icon"].(string); ok && icon != "" {
			badge["icon_name"] = strings.ToLower(icon)
		}
		if icons, ok := parsed["badge_icons"].([]any); ok && len(icons) > 0 {
			sized := []any{}
			lastURL := ""
			for _, ic := range icons {
				u := walkString(ic, "url")
				if u == "" {
					continue
				}
				lastURL = u
				if m := badgeSizeRe.FindStringSubmatch(u); m != nil {
					size, _ := asFloat(m[1])
					sized = append(sized, thumbnailJSON(u, int(size), int(size), ""))
				}
			}
			if lastURL != "" {
				sized = append([]any{thumbnailJSON(sourceImageURL(lastURL), 0, 0, "source")}, sized...)
			}
			badge["icons"] = sized
		}
		badges = append(badges, badge)
	}
	return badges
}

// argbToHex rewrites an ARGB integer as #rrggbbaa.
func argbToHex(argb int64) string {
	r := (argb >> 16) & 255
	g := (argb >> 8) & 255
	b := argb & 255
	a := (argb >> 24) & 255
	return fmt.Sprintf("#%02x%02x%02x%02x", r, g, b, a)
}

var camelBoundaryRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// camelToSnake turns renderer names into transcript field names.
func camelToSnake(word string) string {
	return strings.ToLower(camelBoundaryRe.ReplaceAllString(word, "${1}_${2}"))
}

func trimSuffixes(s string, suffixes ...string) string {
	for _, suffix := range suffixes {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// timeToSeconds converts "h:mm:ss" style offsets, honoring a leading sign.
func timeToSeconds(text string) int {
	if text == "" {
		return 0
	}
	sign := 1
	if text[0] == '-' {
		sign = -1
	}
	total := 0
	parts := strings.Split(strings.ReplaceAll(text, ",", ""), ":")
	for i := len(parts) - 1; i >= 0; i-- {
		n, ok := asFloat(strings.TrimPrefix(parts[i], "-"))
		if !ok {
			continue
		}
		mult := 1
		for j := 0; j < len(parts)-1-i; j++ {
			mult *= 60
		}
		total += int(n) * mult
	}
	return total * sign
}

var leadingZeroRe = regexp.MustCompile(`^0:0?`)

func secondsToTime(seconds int) string {
	abs := seconds
	if abs < 0 {
		abs = -abs
	}
	h := abs / 3600
	m := (abs % 3600) / 60
	s := abs % 60
	out := leadingZeroRe.ReplaceAllString(fmt.Sprintf("%d:%02d:%02d", h, m, s), "")
	if seconds < 0 {
		return "-" + out
	}
	return out
}

// moveAuthorFields collects every author_ prefixed field into a nested
// author object.
func moveAuthorFields(info map[string]any) {
	author := map[string]any{}
	for key, value := range info {
		if !strings.HasPrefix(key, "author_") {
			continue
		}
		delete(info, key)
		if value == nil {
			continue
		}
		author[strings.TrimPrefix(key, "author_")] = value
	}
	if existing, ok := info["author"].(map[string]any); ok {
		for k, v := range author {
			existing[k] = v
		}
	} else if len(author) > 0 {
		info["author"] = author
	}
}

// ParseItem remaps one renderer into the uniform transcript shape. The
// offset rebases replay timestamps against the capture start.
func ParseItem(item map[string]any, info map[string]any, offset float64) map[string]any {
	if info == nil {
		info = map[string]any{}
	}
	index := firstKey(item)
	itemInfo, ok := item[index].(map[string]any)
	if !ok || len(itemInfo) == 0 {
		return info
	}

	for key, value := range itemInfo {
		rule, ok := remapping[key]
		if !ok {
			continue
		}
		mapped := value
		if rule.fn != nil {
			mapped = rule.fn(value)
		}
		if rule.target == "" {
			if m, ok := mapped.(map[string]any); ok {
				for k, v := range m {
					info[k] = v
				}
			}
			continue
		}
		if mapped != nil {
			info[rule.target] = mapped
		}
	}

	for _, colourKey := range colourKeys {
		raw, ok := itemInfo[colourKey]
		if !ok {
			continue
		}
		if f, ok := asFloat(raw); ok {
			newKey := camelToSnake(strings.ReplaceAll(colourKey, "Color", "Colour"))
			info[newKey] = argbToHex(int64(f))
		}
	}

	if endpoint, ok := itemInfo["showItemEndpoint"].(map[string]any); ok {
		if renderer := walkMap(endpoint, "showLiveChatItemEndpoint.renderer"); renderer != nil {
			for k, v := range ParseItem(renderer, nil, offset) {
				info[k] = v
			}
		}
	}

	moveAuthorFields(info)

	timeInSeconds, hasSeconds := asFloat(info["time_in_seconds"])
	timeText, hasText := info["time_text"].(string)
	switch {
	case hasSeconds && hasText:
		// A zero offset on a message sent before the stream started is an
		// upstream quirk; the textual timestamp is authoritative there.
		if timeInSeconds <= 0 {
			info["time_in_seconds"] = float64(timeToSeconds(timeText))
		}
	case hasSeconds:
		info["time_text"] = secondsToTime(int(timeInSeconds))
	case hasText:
		info["time_in_seconds"] = float64(timeToSeconds(timeText))
	}

	if offset != 0 {
		if secs, ok := asFloat(info["time_in_seconds"]); ok {
			info["time_in_seconds"] = secs - offset
			info["time_text"] = secondsToTime(int(secs - offset))
		}
	}

	if _, ok := info["message"]; !ok {
		info["message"] = nil
	}
	return info
}
