// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package engine drives recording jobs through their state machine,
// supervising the recorder, muxer and uploader child processes.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/noaione/vthell/internal/clock"
	"github.com/noaione/vthell/internal/config"
	"github.com/noaione/vthell/internal/dataset"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vthell_engine_jobs_finished_total",
		Help: "Jobs that reached a terminal state.",
	}, []string{"status"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vthell_engine_stage_failures_total",
		Help: "Stage failures by stage name.",
	}, []string{"stage"})
)

// ChatDispatcher starts a chat capture alongside a running download.
type ChatDispatcher interface {
	Capture(ctx context.Context, job *store.Job, lastTimestamp float64)
}

// Engine owns the per-job supervision tasks. One instance runs per process
// group, on the leader.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	datasets *dataset.Index
	logger   zerolog.Logger

	Interval time.Duration
	Grace    time.Duration

	// Emit fans job_update packets out to the hub and IPC followers.
	Emit func(event string, data any)
	// Notify forwards a state change to the notification webhook.
	Notify func(job *store.Job)
	// Chat, when set, receives a capture dispatch the moment a youtube
	// recording starts.
	Chat ChatDispatcher

	clock clock.Clock

	mu     sync.Mutex
	active map[string]struct{}
}

func New(cfg *config.Config, st *store.Store, datasets *dataset.Index) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		datasets: datasets,
		logger:   log.WithComponent("engine"),
		Interval: cfg.DownloaderInterval,
		Grace:    cfg.GracePeriod,
		clock:    clock.RealClock{},
		active:   make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, dispatching one supervision task per
// eligible job every tick.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Dur("interval", e.Interval).Msg("lifecycle engine started")

	timer := e.clock.NewTimer(e.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("lifecycle engine stopping")
			return ctx.Err()
		case <-timer.C():
			e.Tick(ctx)
			timer.Reset(e.Interval)
		}
	}
}

// Tick enumerates non-terminal jobs and spawns a task for each eligible
// one. Jobs already owned by a running task are skipped.
func (e *Engine) Tick(ctx context.Context) {
	jobs, err := e.store.ListActiveJobs(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list active jobs")
		return
	}

	now := e.clock.Now().Unix()
	for _, job := range jobs {
		if now < job.StartTime-int64(e.Grace.Seconds()) {
			continue
		}
		if !e.claim(job.ID) {
			continue
		}
		go func(job *store.Job) {
			defer e.release(job.ID)
			e.process(ctx, job)
		}(job)
	}
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[id]; ok {
		return false
	}
	e.active[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// Running reports whether a supervision task currently owns the job.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

func (e *Engine) process(ctx context.Context, job *store.Job) {
	logger := e.logger.With().Str(log.FieldJobID, job.ID).Logger()

	switch job.Status {
	case store.StatusWaiting:
		logger.Info().Msg("starting job")
		e.runPipeline(ctx, job, stageDownload)
	case store.StatusError:
		e.recover(ctx, job)
	default:
		logger.Debug().Str(log.FieldStage, string(job.Status)).Msg("job already in flight, skipping")
	}
}

// pipelineStage orders the resumable stages.
type pipelineStage int

const (
	stageDownload pipelineStage = iota
	stageMux
	stageUpload
	stageCleanup
)

// recover restarts an errored job from the stage recorded in last_status.
func (e *Engine) recover(ctx context.Context, job *store.Job) {
	logger := e.logger.With().Str(log.FieldJobID, job.ID).Logger()
	logger.Info().Str(log.FieldStage, string(job.LastStatus)).Msg("recovering errored job")

	switch job.LastStatus {
	case store.StatusDownloading:
		e.runPipeline(ctx, job, stageDownload)
	case store.StatusMuxing:
		e.runPipeline(ctx, job, stageMux)
	case store.StatusUploading:
		e.runPipeline(ctx, job, stageUpload)
	case store.StatusCleaning:
		e.runPipeline(ctx, job, stageCleanup)
	default:
		// No stage recorded, start over.
		e.runPipeline(ctx, job, stageDownload)
	}
}

// runPipeline executes the stages from `from` onward, stopping at the
// first failure. Each stage persists its transition before doing work.
func (e *Engine) runPipeline(ctx context.Context, job *store.Job, from pipelineStage) {
	if from <= stageDownload {
		if err := e.update(ctx, job, store.StatusPreparing, nil, false); err != nil {
			return
		}
		if serr := e.downloadStage(ctx, job); serr != nil {
			e.fail(ctx, job, serr)
			return
		}
	}

	if from <= stageMux {
		if err := e.update(ctx, job, store.StatusMuxing, nil, true); err != nil {
			return
		}
		if serr := e.muxStage(ctx, job); serr != nil {
			e.fail(ctx, job, serr)
			return
		}
	}

	if from <= stageUpload && !e.cfg.RcloneDisable {
		if serr := e.uploadStage(ctx, job); serr != nil {
			e.fail(ctx, job, serr)
			return
		}
	}

	if err := e.update(ctx, job, store.StatusCleaning, nil, true); err != nil {
		return
	}
	e.cleanupStage(job)

	if err := e.update(ctx, job, store.StatusDone, nil, true); err != nil {
		return
	}
	jobsFinished.WithLabelValues(string(store.StatusDone)).Inc()
	e.logger.Info().Str(log.FieldJobID, job.ID).Msg("job finished")
}

// update persists a status transition, clearing any error state, then
// emits the job_update event with the optional extras merged in.
func (e *Engine) update(ctx context.Context, job *store.Job, status store.Status, extras map[string]any, notify bool) error {
	updated, err := e.store.UpdateJob(ctx, job.ID, func(j *store.Job) error {
		j.Status = status
		j.Error = ""
		j.LastStatus = ""
		j.Resolution = job.Resolution
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("failed to persist status transition")
		return err
	}
	*job = *updated

	payload := map[string]any{"id": job.ID, "status": status}
	for k, v := range extras {
		if k == "id" || k == "status" {
			continue
		}
		payload[k] = v
	}
	if e.Emit != nil {
		e.Emit("job_update", payload)
	}
	if notify && e.Notify != nil {
		e.Notify(job)
	}
	return nil
}

// stageError carries a failed stage's diagnostic. Cancel marks failures
// the recovery pass must never retry.
type stageError struct {
	stage      store.Status
	diagnostic string
	cancel     bool
}

func (s *stageError) Error() string {
	return string(s.stage) + ": " + s.diagnostic
}

// fail records a stage failure as error (recoverable) or cancelled
// (terminal) and emits the update.
func (e *Engine) fail(ctx context.Context, job *store.Job, serr *stageError) {
	stageFailures.WithLabelValues(string(serr.stage)).Inc()

	status := store.StatusError
	if serr.cancel {
		status = store.StatusCancelled
		jobsFinished.WithLabelValues(string(store.StatusCancelled)).Inc()
	}

	updated, err := e.store.UpdateJob(ctx, job.ID, func(j *store.Job) error {
		j.Status = status
		j.Error = serr.diagnostic
		j.Resolution = job.Resolution
		if serr.cancel {
			j.LastStatus = ""
		} else {
			j.LastStatus = serr.stage
		}
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("failed to persist stage failure")
		return
	}
	*job = *updated

	e.logger.Error().
		Str(log.FieldJobID, job.ID).
		Str(log.FieldStage, string(serr.stage)).
		Bool("cancelled", serr.cancel).
		Msg(serr.diagnostic)

	if e.Emit != nil {
		e.Emit("job_update", map[string]any{
			"id":     job.ID,
			"status": status,
			"error":  serr.diagnostic,
		})
	}
	if e.Notify != nil {
		e.Notify(job)
	}
}
