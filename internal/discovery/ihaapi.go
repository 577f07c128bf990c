// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/noaione/vthell/internal/store"
)

// IhaAPIBase is the GraphQL endpoint of the general-purpose live index used
// for non-YouTube platforms.
const IhaAPIBase = "https://api.ihateani.me/v2/graphql"

// DefaultIhaPlatforms are the platforms queried by the autoscheduler tick.
var DefaultIhaPlatforms = []string{"twitter", "twitcasting"}

const ihaQuery = `
query VTuberLive($cursor:String,$platforms:[PlatformName]) {
    vtuber {
        videos(cursor:$cursor,limit:100,platforms:$platforms,statuses:[live,upcoming]) {
            _total
            items {
                id
                title
                status
                channel_id
                timeData {
                    startTime
                    scheduledStartTime
                    endTime
                }
                platform
                group
                is_premiere
                is_member
            }
            pageInfo {
                hasNextPage
                nextCursor
            }
        }
    }
}

query VTuberVideo($id:String,$platforms:[PlatformName],$statuses:[LiveStatus]) {
    vtuber {
        videos(id:[$id],limit:10,platforms:$platforms,statuses:$statuses) {
            items {
                id
                title
                status
                channel_id
                timeData {
                    startTime
                    scheduledStartTime
                    endTime
                }
                platform
                group
                is_premiere
                is_member
            }
        }
    }
}
`

// IhaAPI is a client for the GraphQL live index.
type IhaAPI struct {
	base   string
	client *http.Client
}

// NewIhaAPI builds a client against the public endpoint.
func NewIhaAPI() *IhaAPI {
	return &IhaAPI{
		base:   IhaAPIBase,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBase overrides the endpoint, for tests.
func (a *IhaAPI) SetBase(base string) { a.base = base }

type ihaTimeData struct {
	StartTime          int64 `json:"startTime"`
	ScheduledStartTime int64 `json:"scheduledStartTime"`
	EndTime            int64 `json:"endTime"`
}

type ihaVideo struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Status    string      `json:"status"`
	ChannelID string      `json:"channel_id"`
	TimeData  ihaTimeData `json:"timeData"`
	Platform  string      `json:"platform"`
	Group     string      `json:"group"`
	IsMember  bool        `json:"is_member"`
}

type ihaPageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	NextCursor  *string `json:"nextCursor"`
}

type ihaResponse struct {
	Data struct {
		VTuber struct {
			Videos struct {
				Total    int         `json:"_total"`
				Items    []ihaVideo  `json:"items"`
				PageInfo ihaPageInfo `json:"pageInfo"`
			} `json:"videos"`
		} `json:"vtuber"`
	} `json:"data"`
}

func (v ihaVideo) normalize() Video {
	start := v.TimeData.StartTime
	if start == 0 {
		start = v.TimeData.ScheduledStartTime
	}
	return Video{
		ID:        v.ID,
		Title:     v.Title,
		StartTime: start,
		ChannelID: v.ChannelID,
		Org:       v.Group,
		Status:    v.Status,
		Platform:  store.Platform(v.Platform),
		IsMember:  v.IsMember,
	}
}

func (a *IhaAPI) query(ctx context.Context, operation string, variables map[string]any) (*ihaResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"query":         ihaQuery,
		"variables":     variables,
		"operationName": operation,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ihaapi %s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ihaapi %s: status %d", operation, resp.StatusCode)
	}
	var out ihaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLives lists live and upcoming streams for the given platforms,
// following cursor pagination to the end.
func (a *IhaAPI) GetLives(ctx context.Context, platforms []string) ([]Video, error) {
	if len(platforms) == 0 {
		platforms = DefaultIhaPlatforms
	}
	variables := map[string]any{"platforms": platforms, "cursor": nil}

	var videos []Video
	for {
		resp, err := a.query(ctx, "VTuberLive", variables)
		if err != nil {
			return videos, err
		}
		page := resp.Data.VTuber.Videos
		for _, item := range page.Items {
			videos = append(videos, item.normalize())
		}
		if page.PageInfo.NextCursor == nil || *page.PageInfo.NextCursor == "" {
			break
		}
		variables["cursor"] = *page.PageInfo.NextCursor
	}
	return videos, nil
}

// GetVideo fetches a single video by id. Twitch has no archived "past"
// status on this index, so it is queried for live and upcoming only.
// Returns (nil, nil) when absent.
func (a *IhaAPI) GetVideo(ctx context.Context, videoID, platform string) (*Video, error) {
	statuses := []string{"live", "upcoming", "past"}
	if platform == "twitch" {
		statuses = []string{"live", "upcoming"}
	}
	resp, err := a.query(ctx, "VTuberVideo", map[string]any{
		"platforms": []string{platform},
		"cursor":    nil,
		"id":        videoID,
		"statuses":  statuses,
	})
	if err != nil {
		return nil, err
	}
	for _, item := range resp.Data.VTuber.Videos.Items {
		if item.ID == videoID {
			video := item.normalize()
			return &video, nil
		}
	}
	return nil, nil
}
