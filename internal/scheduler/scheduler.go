// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/noaione/vthell/internal/clock"
	"github.com/noaione/vthell/internal/discovery"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/pathutil"
	"github.com/noaione/vthell/internal/store"
)

var scheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vthell_scheduler_jobs_scheduled_total",
	Help: "Jobs inserted by the auto-scheduler.",
})

// LiveSource lists the currently live and upcoming broadcasts.
type LiveSource interface {
	GetLives(ctx context.Context) ([]discovery.Video, error)
}

// Scheduler periodically matches upstream lives against the stored rules
// and inserts a waiting job for every new match.
type Scheduler struct {
	store  *store.Store
	source LiveSource
	logger zerolog.Logger

	Interval time.Duration
	Jitter   time.Duration

	// Emit fans a packet out to the websocket hub and, on the leader,
	// to the IPC followers. Nil is allowed.
	Emit func(event string, data any)

	clock clock.Clock
}

func New(st *store.Store, source LiveSource) *Scheduler {
	return &Scheduler{
		store:    st,
		source:   source,
		logger:   log.WithComponent("scheduler"),
		Interval: 180 * time.Second,
		Jitter:   5 * time.Second,
		clock:    clock.RealClock{},
	}
}

// Run blocks until ctx is cancelled, running one tick per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.Interval).Msg("auto-scheduler started")

	timer := s.clock.NewTimer(s.nextDuration())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("auto-scheduler stopping")
			return ctx.Err()
		case <-timer.C():
			if count, err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			} else if count > 0 {
				s.logger.Info().Int("scheduled", count).Msg("scheduler tick done")
			}
			timer.Reset(s.nextDuration())
		}
	}
}

func (s *Scheduler) nextDuration() time.Duration {
	d := s.Interval
	if s.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Jitter))) // #nosec G404 -- jitter only
	}
	return d
}

// Tick runs a single match pass and returns how many jobs it inserted.
// Without any include rules the pass is a no-op.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return 0, err
	}

	var includes, excludes []compiledRule
	for _, c := range compileRules(rules) {
		if c.rule.Include {
			includes = append(includes, c)
		} else {
			excludes = append(excludes, c)
		}
	}
	if len(includes) == 0 {
		s.logger.Debug().Msg("no include rules configured, skipping pass")
		return 0, nil
	}

	existing, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, job := range existing {
		known[job.ID] = struct{}{}
	}

	videos, err := s.source.GetLives(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	for _, video := range videos {
		if _, ok := known[video.ID]; ok {
			continue
		}
		if !shouldSchedule(video, includes, excludes) {
			continue
		}

		job := &store.Job{
			ID:         video.ID,
			Title:      video.Title,
			Filename:   pathutil.JobFilename(video.ID, video.Title, video.StartTime),
			ChannelID:  video.ChannelID,
			MemberOnly: video.IsMember,
			StartTime:  video.StartTime,
			Platform:   video.Platform,
			Status:     store.StatusWaiting,
		}
		if err := s.store.PutJob(ctx, job); err != nil {
			s.logger.Error().Err(err).Str(log.FieldVideoID, video.ID).Msg("failed to insert scheduled job")
			continue
		}
		known[job.ID] = struct{}{}
		count++
		scheduledTotal.Inc()

		s.logger.Info().
			Str(log.FieldVideoID, job.ID).
			Str(log.FieldChannelID, job.ChannelID).
			Str("title", job.Title).
			Msg("scheduled new job")

		if s.Emit != nil {
			s.Emit("job_scheduled", map[string]any{
				"id":         job.ID,
				"title":      job.Title,
				"start_time": job.StartTime,
				"channel_id": job.ChannelID,
				"is_member":  job.MemberOnly,
				"status":     job.Status,
			})
		}
	}
	return count, nil
}
