// Package discovery queries the upstream live-listing APIs and normalizes
// their payloads into a single Video shape.
package discovery

import "github.com/noaione/vthell/internal/store"

// Video is a normalized upstream listing entry. StartTime prefers the
// actual start over the scheduled one when the broadcast is already live.
type Video struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	StartTime int64          `json:"start_time"`
	ChannelID string         `json:"channel_id"`
	Org       string         `json:"org,omitempty"`
	Status    string         `json:"status"`
	URL       string         `json:"url,omitempty"`
	Platform  store.Platform `json:"platform"`
	IsMember  bool           `json:"is_member"`
}

// userAgent identifies this service to every upstream API.
const userAgent = "VTHell/3.0.0 (+https://github.com/noaione/vthell)"
