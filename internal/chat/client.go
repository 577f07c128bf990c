// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"bytes"
	"context"
	"crypto/sha1" // #nosec G505 -- upstream auth scheme requires SHA-1
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noaione/vthell/internal/clock"
	"github.com/noaione/vthell/internal/log"
)

const (
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/86.0.4240.111 Safari/537.36"

	// Server-suggested poll delays are clamped to this window.
	maxPollDelay = 8 * time.Second

	// Chat disabled on an upcoming broadcast usually means it opens later.
	disabledRetries    = 5
	disabledRetryDelay = 60 * time.Second
)

// Sink receives normalized messages from the continuation loop.
type Sink interface {
	Write(msg map[string]any) error
	Flush() error
}

// Client drives the live-chat continuation loop for one video.
type Client struct {
	VideoID string
	// Base is overridable for tests; requests go to Base+path.
	Base string

	http    *http.Client
	cookies []*http.Cookie
	clock   clock.Clock
	logger  zerolog.Logger

	// headers holds the client-identification set derived from the
	// embedded page config, merged after the first fetch.
	headers map[string]string
}

// NewClient builds a client, loading a Netscape cookie file when given.
func NewClient(videoID, cookieFile string) (*Client, error) {
	c := &Client{
		VideoID: videoID,
		Base:    "https://www.youtube.com",
		http:    &http.Client{Timeout: 30 * time.Second},
		clock:   clock.RealClock{},
		logger:  log.WithComponent("chat").With().Str(log.FieldVideoID, videoID).Logger(),
		headers: map[string]string{},
	}
	if cookieFile != "" {
		buf, err := os.ReadFile(cookieFile) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read cookies: %w", err)
		}
		cookies, err := ParseNetscapeCookies(string(buf))
		if err != nil {
			c.logger.Error().Err(err).Msg("invalid cookie file, ignoring cookies")
		} else {
			c.cookies = cookies
			c.logger.Info().Int("cookies", len(cookies)).Msg("loaded cookies")
		}
	}
	return c, nil
}

// ParseNetscapeCookies decodes a Netscape-format cookie file.
func ParseNetscapeCookies(content string) ([]*http.Cookie, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || !strings.HasPrefix(strings.ToLower(lines[0]), "# netscape") {
		return nil, fmt.Errorf("invalid netscape cookie file")
	}
	var cookies []*http.Cookie
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("invalid netscape cookie file")
		}
		expiry, _ := strconv.ParseInt(fields[4], 10, 64)
		cookies = append(cookies, &http.Cookie{
			Name:     fields[5],
			Value:    fields[6],
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "true"),
			Expires:  time.Unix(expiry, 0),
			HttpOnly: true,
		})
	}
	return cookies, nil
}

// sapisidHash builds the time-stamped authorization header from the
// session cookie. Returns "" when no usable cookie is present.
func sapisidHash(cookies []*http.Cookie, now time.Time) string {
	var sapisid, secure string
	for _, c := range cookies {
		switch c.Name {
		case "SAPISID":
			sapisid = c.Value
		case "__Secure-3PAPISID":
			secure = c.Value
		}
	}
	if secure == "" {
		secure = sapisid
	}
	if secure == "" {
		return ""
	}
	ts := now.Unix()
	sum := sha1.Sum([]byte(fmt.Sprintf("%d %s https://www.youtube.com", ts, secure))) // #nosec G401
	return fmt.Sprintf("SAPISIDHASH %d_%x", ts, sum)
}

// accountSyncID prefers the channel half of DATASYNC_ID, falling back to
// the delegated session id.
func accountSyncID(cfg map[string]any) string {
	if raw := walkString(cfg, "DATASYNC_ID"); raw != "" {
		parts := strings.Split(raw, "||")
		if len(parts) >= 2 && parts[1] != "" {
			return parts[0]
		}
	}
	return walkString(cfg, "DELEGATED_SESSION_ID")
}

// configHeaders derives the client-identification headers from the
// embedded page config.
func (c *Client) configHeaders(cfg map[string]any) map[string]string {
	headers := map[string]string{
		"origin":                   "https://www.youtube.com",
		"x-origin":                 "https://www.youtube.com",
		"x-goog-authuser":          "0",
		"x-youtube-client-name":    fmt.Sprint(cfg["INNERTUBE_CONTEXT_CLIENT_NAME"]),
		"x-youtube-client-version": fmt.Sprint(cfg["INNERTUBE_CLIENT_VERSION"]),
	}
	if token := walkString(cfg, "ID_TOKEN"); token != "" {
		headers["x-youtube-identity-token"] = token
	}
	syncID := accountSyncID(cfg)
	if syncID != "" {
		headers["x-goog-pageid"] = syncID
	}
	sessionIndex := walkString(cfg, "SESSION_INDEX")
	if syncID != "" || sessionIndex != "" {
		if sessionIndex == "" {
			sessionIndex = "0"
		}
		headers["x-goog-authuser"] = sessionIndex
	}
	if visitor := walkString(cfg, "INNERTUBE_CONTEXT.client.visitorData"); visitor != "" {
		headers["x-goog-visitor-id"] = visitor
	}
	if auth := sapisidHash(c.cookies, c.clock.Now()); auth != "" {
		headers["authorization"] = auth
	}
	return headers
}

func (c *Client) prepare(req *http.Request) {
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept-Language", "en-US, en, *")
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) get(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	c.prepare(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (map[string]any, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.prepare(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode continuation response: %w", err)
	}
	return out, nil
}

// FetchDetails loads and parses the watch page.
func (c *Client) FetchDetails(ctx context.Context) (*Details, error) {
	html, status, err := c.get(ctx, c.Base+"/watch?v="+c.VideoID)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("watch page returned status %d", status)
	}
	return ParseWatchPage(html)
}

// Run validates the video and drives the capture until the chat ends.
// Chat-disabled on an upcoming broadcast is retried a few times before
// giving up; every other typed exit is final.
func (c *Client) Run(ctx context.Context, sink Sink, startAt float64) error {
	for attempt := 0; ; attempt++ {
		details, err := c.FetchDetails(ctx)
		if err != nil {
			return err
		}
		verr := details.Validate()
		if verr == nil {
			return c.iterate(ctx, details, startAt, sink)
		}

		var exit *ExitError
		if errors.As(verr, &exit) && exit.Retryable(details.Status) && attempt < disabledRetries {
			c.logger.Info().Err(exit).Msg("chat not open yet, retrying")
			if err := c.sleep(ctx, disabledRetryDelay); err != nil {
				return err
			}
			continue
		}
		return verr
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// offsetSeconds converts a resume timestamp (epoch ms) into seconds
// elapsed since that message was sent.
func (c *Client) offsetSeconds(startAt float64) float64 {
	if startAt <= 0 {
		return 0
	}
	delta := float64(c.clock.Now().UnixMilli())/1000 - startAt/1000
	if delta < 0 {
		return 0
	}
	return delta
}

// iterate runs the continuation loop, writing every normalized message to
// the sink and flushing on each poll boundary.
func (c *Client) iterate(ctx context.Context, details *Details, startAt float64, sink Sink) error {
	if len(details.Continuations) < 2 {
		return fmt.Errorf("initial continuation information could not be found")
	}

	isReplay := details.Status == "past"
	apiType := "live_chat"
	if isReplay {
		apiType = "live_chat_replay"
	}

	startTime := c.offsetSeconds(startAt)
	var offsetMilliseconds float64
	if startTime > 0 {
		offsetMilliseconds = startTime * 1000
	}

	// The second continuation is the unfiltered "Live chat" view.
	continuation := details.Continuations[1].Token
	apiKey := walkString(details.Config, "INNERTUBE_API_KEY")
	innertubeContext := walkMap(details.Config, "INNERTUBE_CONTEXT")
	if innertubeContext == nil {
		innertubeContext = map[string]any{}
	}
	initPage := fmt.Sprintf("%s/%s?continuation=%s", c.Base, apiType, continuation)
	continuationURL := fmt.Sprintf("%s/youtubei/v1/live_chat/get_%s?key=%s", c.Base, apiType, apiKey)

	c.headers = c.configHeaders(details.Config)

	firstTime := true
	clickTracking := ""
	messageCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var info map[string]any
		if firstTime {
			html, _, err := c.get(ctx, initPage)
			if err != nil {
				return err
			}
			info = walkMap(parseInitialData(html), "continuationContents.liveChatContinuation")
		} else {
			params := map[string]any{
				"context":      innertubeContext,
				"continuation": continuation,
			}
			if isReplay && offsetMilliseconds > 0 {
				params["currentPlayerState"] = map[string]any{
					"playerOffsetMs": strconv.FormatFloat(offsetMilliseconds, 'f', 0, 64),
				}
			}
			if clickTracking != "" {
				innertubeContext["clickTracking"] = map[string]any{"clickTrackingParams": clickTracking}
			}
			resp, err := c.postJSON(ctx, continuationURL, params)
			if err != nil {
				return err
			}
			info = walkMap(resp, "continuationContents.liveChatContinuation")
		}

		if info == nil {
			c.logger.Debug().Msg("no chat continuation information, ending capture")
			return nil
		}

		actions, _ := info["actions"].([]any)
		if len(actions) > 0 {
			for _, raw := range actions {
				action, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				msg, ok := ParseAction(action, 0)
				if !ok {
					continue
				}
				if isReplay && startTime > 0 {
					secs, _ := asFloat(msg["time_in_seconds"])
					if secs < startTime {
						if firstTime {
							continue
						}
						return nil
					}
				}
				messageCount++
				if err := sink.Write(msg); err != nil {
					return err
				}
			}
			c.logger.Debug().Int("messages", messageCount).Msg("batch written")
		} else if isReplay {
			return nil
		}

		noContinuation := true
		for _, raw := range sliceOf(info["continuations"]) {
			cont, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			key := firstKey(cont)
			contInfo := walkMap(cont, key)

			switch {
			case knownChatContinuations[key]:
				continuation = walkString(contInfo, "continuation")
				clickTracking = walkString(contInfo, "clickTrackingParams")
				if clickTracking == "" {
					clickTracking = walkString(contInfo, "trackingParams")
				}
				noContinuation = false
			case knownSeekContinuations[key]:
			default:
				c.logger.Debug().Str("continuation", key).Msg("unknown continuation kind")
			}

			if err := sink.Flush(); err != nil {
				return err
			}
			if ms, ok := asFloat(contInfo["timeoutMs"]); ok {
				delay := time.Duration(ms) * time.Millisecond
				if delay < 0 {
					delay = 0
				}
				if delay > maxPollDelay {
					delay = maxPollDelay
				}
				if err := c.sleep(ctx, delay); err != nil {
					return err
				}
			}
		}

		if noContinuation {
			return nil
		}
		firstTime = false
	}
}

func sliceOf(v any) []any {
	s, _ := v.([]any)
	return s
}
