// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

// HolodexBase is the v2 API root.
const HolodexBase = "https://holodex.net/api/v2/"

const holodexPageLimit = 50

// Holodex is a client for the VTuber aggregation REST API. Requests are
// rate-limited client-side; lookups for the same video id are deduplicated.
type Holodex struct {
	base   string
	apiKey string
	client *http.Client

	limiter *rate.Limiter
	group   singleflight.Group
}

// NewHolodex builds a client. apiKey may be empty for unauthenticated use at
// a reduced quota.
func NewHolodex(apiKey string) *Holodex {
	return &Holodex{
		base:   HolodexBase,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
		// Holodex allows roughly two requests per second per key.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

// SetBase overrides the API root, for tests.
func (h *Holodex) SetBase(base string) { h.base = base }

type holodexChannel struct {
	ID  string `json:"id"`
	Org string `json:"org"`
}

type holodexVideo struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Type           string         `json:"type"`
	TopicID        string         `json:"topic_id"`
	Status         string         `json:"status"`
	StartScheduled string         `json:"start_scheduled"`
	StartActual    string         `json:"start_actual"`
	ChannelID      string         `json:"channel_id"`
	Channel        holodexChannel `json:"channel"`
}

type holodexPage struct {
	Total json.Number    `json:"total"`
	Items []holodexVideo `json:"items"`
}

func parseHolodexTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// normalize converts the raw payload, returning false for entries that are
// not archivable streams.
func (h *Holodex) normalize(v holodexVideo) (Video, bool) {
	if v.Type != "stream" {
		return Video{}, false
	}
	channelID := v.ChannelID
	if channelID == "" {
		channelID = v.Channel.ID
	}
	if channelID == "" {
		return Video{}, false
	}
	start := parseHolodexTime(v.StartActual)
	if start == 0 {
		start = parseHolodexTime(v.StartScheduled)
	}
	return Video{
		ID:        v.ID,
		Title:     v.Title,
		StartTime: start,
		ChannelID: channelID,
		Org:       v.Channel.Org,
		Status:    v.Status,
		URL:       "https://youtube.com/watch?v=" + v.ID,
		Platform:  store.PlatformYoutube,
		IsMember:  strings.Contains(strings.ToLower(v.TopicID), "member"),
	}, true
}

func (h *Holodex) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	u := h.base + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	if h.apiKey != "" {
		req.Header.Set("X-APIKEY", h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("holodex %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("holodex %s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetLives lists currently live or upcoming streams.
func (h *Holodex) GetLives(ctx context.Context) ([]Video, error) {
	var raw []holodexVideo
	if err := h.get(ctx, "live", nil, &raw); err != nil {
		return nil, err
	}
	videos := make([]Video, 0, len(raw))
	for _, v := range raw {
		if video, ok := h.normalize(v); ok {
			videos = append(videos, video)
		}
	}
	return videos, nil
}

// GetChannelVideos lists the recent streams of one channel.
func (h *Holodex) GetChannelVideos(ctx context.Context, channelID string) ([]Video, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(holodexPageLimit))
	params.Set("include", "live_info")

	var raw []holodexVideo
	if err := h.get(ctx, "channels/"+channelID+"/videos", params, &raw); err != nil {
		return nil, err
	}
	videos := make([]Video, 0, len(raw))
	for _, v := range raw {
		if video, ok := h.normalize(v); ok {
			videos = append(videos, video)
		}
	}
	return videos, nil
}

// GetVideosPaginated walks the paginated videos endpoint for one status
// until the reported total is collected.
func (h *Holodex) GetVideosPaginated(ctx context.Context, status string) ([]Video, error) {
	sortBy := "available_at"
	switch status {
	case "upcoming":
		sortBy = "start_scheduled"
	case "live":
		sortBy = "start_actual"
	}

	var collected []Video
	offset := 0
	for {
		params := url.Values{}
		params.Set("type", "stream")
		params.Set("include", "live_info")
		params.Set("sort", sortBy)
		params.Set("order", "asc")
		params.Set("limit", strconv.Itoa(holodexPageLimit))
		params.Set("paginated", "true")
		params.Set("max_upcoming_hours", "48")
		if status != "" {
			params.Set("status", status)
		}
		params.Set("offset", strconv.Itoa(offset))

		var page holodexPage
		if err := h.get(ctx, "videos", params, &page); err != nil {
			return collected, err
		}
		total, _ := page.Total.Int64()
		if total < 1 {
			break
		}
		for _, v := range page.Items {
			if video, ok := h.normalize(v); ok {
				collected = append(collected, video)
			}
		}
		offset += holodexPageLimit + 1
		if int64(len(collected)) >= total || len(page.Items) == 0 {
			break
		}
	}
	return collected, nil
}

// GetVideo fetches a single video. Returns (nil, nil) when the video is
// absent, not a stream, or has gone private ("missing" status). Concurrent
// lookups for the same id share one request.
func (h *Holodex) GetVideo(ctx context.Context, videoID string) (*Video, error) {
	v, err, _ := h.group.Do(videoID, func() (any, error) {
		params := url.Values{}
		params.Set("id", videoID)
		params.Set("include", "live_info")

		var raw []holodexVideo
		if err := h.get(ctx, "videos", params, &raw); err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return (*Video)(nil), nil
		}
		selected := raw[0]
		if selected.Status == "" || selected.Status == "missing" {
			clog := log.WithComponent("holodex")
			clog.Debug().
				Str(log.FieldVideoID, videoID).
				Msg("video is private or missing status, skipping")
			return (*Video)(nil), nil
		}
		video, ok := h.normalize(selected)
		if !ok {
			return (*Video)(nil), nil
		}
		return &video, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Video), nil
}
