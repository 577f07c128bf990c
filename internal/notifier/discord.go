// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package notifier posts job state changes to a Discord webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

const (
	webhookUsername = "VTHell"
	webhookUA       = "VTHell/4.0 (+https://github.com/noaione/vthell)"

	colourStart     = 0xa49be6
	colourError     = 0xb93c3c
	colourFinished  = 0x9fe69b
	colourUploading = 0x9bc3e6
	colourScheduled = 0xcfdf69
)

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
	Image       *struct {
		URL string `json:"url"`
	} `json:"image,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username"`
	Embeds   []embed `json:"embeds"`
}

// Discord delivers fire-and-forget notifications. A zero webhook URL
// disables every send.
type Discord struct {
	WebhookURL string

	http   *http.Client
	clock  func() time.Time
	logger zerolog.Logger
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		WebhookURL: webhookURL,
		http:       &http.Client{Timeout: 15 * time.Second},
		clock:      time.Now,
		logger:     log.WithComponent("notifier.discord"),
	}
}

func watchLink(job *store.Job) string {
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
		return "https://youtu.be/" + job.ID
	}
}

func thumbnail(job *store.Job) string {
	if job.Platform != store.PlatformYoutube {
		return ""
	}
	return fmt.Sprintf("https://i.ytimg.com/vi/%s/maxresdefault.jpg", job.ID)
}

// updateEmbed builds the embed for a state transition, or nil for states
// that carry no notification.
func (d *Discord) updateEmbed(job *store.Job) *embed {
	url := watchLink(job)
	var e embed
	switch job.Status {
	case store.StatusDownloading:
		e = embed{
			Title:       "VTHell Start",
			Description: fmt.Sprintf("Recording started!\n**%s**\n\nURL: %s", job.Filename, url),
			Color:       colourStart,
		}
	case store.StatusError, store.StatusCancelled:
		e = embed{
			Title:       "VTHell Error",
			Description: fmt.Sprintf("An error occured\nURL: %s\n\n%s", url, job.Error),
			Color:       colourError,
		}
	case store.StatusCleaning, store.StatusDone:
		e = embed{
			Title:       "VTHell Finished",
			Description: fmt.Sprintf("Recording finished!\n**%s**\n\n**Link**\n[Stream](%s)", job.Filename, url),
			Color:       colourFinished,
		}
	case store.StatusUploading:
		e = embed{
			Title:       "VTHell Downloaded",
			Description: fmt.Sprintf("Uploading started!\n**%s**\n\nURL: %s", job.Filename, url),
			Color:       colourUploading,
		}
	default:
		return nil
	}
	e.Timestamp = d.clock().UTC().Format(time.RFC3339)
	if img := thumbnail(job); img != "" {
		e.Image = &struct {
			URL string `json:"url"`
		}{URL: img}
	}
	return &e
}

func (d *Discord) scheduleEmbed(job *store.Job) *embed {
	e := embed{
		Title:       "VTHell Scheduler",
		Description: fmt.Sprintf("**%s**\n[Link](%s)", job.Filename, watchLink(job)),
		Color:       colourScheduled,
	}
	if img := thumbnail(job); img != "" {
		e.Image = &struct {
			URL string `json:"url"`
		}{URL: img}
	}
	return &e
}

// NotifyUpdate posts the transition embed for the job's current status.
// Unnotified states and a missing webhook URL are silent no-ops.
func (d *Discord) NotifyUpdate(ctx context.Context, job *store.Job) {
	if e := d.updateEmbed(job); e != nil {
		d.send(ctx, job.ID, *e)
	}
}

// NotifySchedule announces a freshly scheduled job.
func (d *Discord) NotifySchedule(ctx context.Context, job *store.Job) {
	d.send(ctx, job.ID, *d.scheduleEmbed(job))
}

func (d *Discord) send(ctx context.Context, jobID string, e embed) {
	if d.WebhookURL == "" {
		return
	}

	buf, err := json.Marshal(webhookPayload{Username: webhookUsername, Embeds: []embed{e}})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to encode webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(buf))
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUA)

	resp, err := d.http.Do(req)
	if err != nil {
		d.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("webhook delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		d.logger.Error().
			Int("status_code", resp.StatusCode).
			Str(log.FieldJobID, jobID).
			Msg("webhook rejected")
		return
	}
	d.logger.Debug().Str(log.FieldJobID, jobID).Msg("notification delivered")
}
