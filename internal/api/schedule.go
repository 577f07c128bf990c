// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noaione/vthell/internal/discovery"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/pathutil"
	"github.com/noaione/vthell/internal/store"
)

type scheduleRequest struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
}

// prefixVideoID namespaces non-youtube ids so one store holds every
// platform without collisions.
func prefixVideoID(video *discovery.Video) string {
	switch video.Platform {
	case store.PlatformTwitch:
		return "ttv-stream-" + video.ID
	case store.PlatformTwitcasting:
		return "twcast-" + video.ID
	case store.PlatformTwitter:
		return "twtsp-" + video.ID
	default:
		return video.ID
	}
}

// jobResponse is the wire shape of a job in API replies.
type jobResponse struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Filename  string         `json:"filename,omitempty"`
	StartTime int64          `json:"start_time"`
	ChannelID string         `json:"channel_id"`
	IsMember  bool           `json:"is_member"`
	Status    store.Status   `json:"status"`
	Platform  store.Platform `json:"platform"`
	Error     string         `json:"error"`
}

func jobToResponse(job *store.Job, withFilename bool) jobResponse {
	resp := jobResponse{
		ID:        job.ID,
		Title:     job.Title,
		StartTime: job.StartTime,
		ChannelID: job.ChannelID,
		IsMember:  job.MemberOnly,
		Status:    job.Status,
		Platform:  job.Platform,
		Error:     job.Error,
	}
	if withFilename {
		resp.Filename = job.Filename
	}
	return resp
}

func (s *Server) resolveVideo(r *http.Request, videoID, platform string) (*discovery.Video, string, error) {
	if platform == "youtube" {
		video, err := s.yt.GetVideo(r.Context(), videoID)
		return video, "Video not found or invalid (via Holodex)", err
	}
	video, err := s.plat.GetVideo(r.Context(), videoID, platform)
	return video, "Video not found or invalid (via ihateani.me API)", err
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "Missing `id` in json request")
		return
	}

	platform := "youtube"
	switch req.Platform {
	case "youtube", "twitch", "twitcasting", "twitter":
		platform = req.Platform
	}

	video, notFoundMsg, err := s.resolveVideo(r, req.ID, platform)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldVideoID, req.ID).Msg("video lookup failed")
		respondError(w, http.StatusInternalServerError, "Upstream lookup failed")
		return
	}
	if video == nil {
		respondError(w, http.StatusNotFound, notFoundMsg)
		return
	}

	// Twitch has no stable per-broadcast id, so the filename keys on the
	// channel instead.
	fileID := video.ID
	if video.Platform == store.PlatformTwitch {
		fileID = video.ChannelID
	}
	filename := pathutil.JobFilename(fileID, video.Title, video.StartTime)
	jobID := prefixVideoID(video)

	existing, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}

	if existing != nil {
		updated, err := s.store.UpdateJob(r.Context(), jobID, func(job *store.Job) error {
			job.Title = video.Title
			job.Filename = filename
			job.StartTime = video.StartTime
			job.MemberOnly = video.IsMember
			switch {
			case job.Status == store.StatusError &&
				(job.LastStatus == store.StatusDownloading || job.LastStatus == store.StatusPreparing):
				// Nothing durable was produced yet, safe to restart.
				job.Status = store.StatusWaiting
				job.LastStatus = ""
				job.Error = ""
			case job.Status == store.StatusCancelled:
				job.Status = store.StatusWaiting
				job.LastStatus = ""
				job.Error = ""
			}
			return nil
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Store update failed")
			return
		}
		s.logger.Info().Str(log.FieldJobID, jobID).Msg("existing job merged with fresh metadata")
		s.emit("job_update", map[string]any{
			"id":         updated.ID,
			"title":      updated.Title,
			"start_time": updated.StartTime,
			"channel_id": updated.ChannelID,
			"is_member":  updated.MemberOnly,
			"status":     updated.Status,
		})
	} else {
		job := &store.Job{
			ID:         jobID,
			Title:      video.Title,
			Filename:   filename,
			ChannelID:  video.ChannelID,
			MemberOnly: video.IsMember,
			StartTime:  video.StartTime,
			Platform:   video.Platform,
			Status:     store.StatusWaiting,
		}
		if err := s.store.PutJob(r.Context(), job); err != nil {
			respondError(w, http.StatusInternalServerError, "Store write failed")
			return
		}
		s.logger.Info().
			Str(log.FieldJobID, jobID).
			Str(log.FieldPlatform, string(job.Platform)).
			Msg("new job scheduled from request")
		s.emit("job_scheduled", map[string]any{
			"id":         job.ID,
			"title":      job.Title,
			"filename":   job.Filename,
			"start_time": job.StartTime,
			"channel_id": job.ChannelID,
			"is_member":  job.MemberOnly,
			"status":     job.Status,
			"resolution": job.Resolution,
			"platform":   job.Platform,
			"error":      job.Error,
		})
	}

	respondJSON(w, http.StatusOK, video)
}

// deletableStatuses are the states a job can leave the store from without
// the force flag. Anything in flight keeps its row so the pipeline is not
// yanked out from under the runner.
func deletable(status store.Status) bool {
	switch status {
	case store.StatusCleaning, store.StatusDone, store.StatusWaiting,
		store.StatusError, store.StatusCancelled:
		return true
	}
	return false
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	force := parseFlag(r.URL.Query().Get("force"))

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}
	if !deletable(job.Status) && !force {
		respondError(w, http.StatusNotAcceptable, "Current video status does not allow you to delete video")
		return
	}

	if err := s.store.DeleteJob(r.Context(), jobID); err != nil {
		respondError(w, http.StatusInternalServerError, "Store delete failed")
		return
	}
	s.logger.Info().Str(log.FieldJobID, jobID).Bool("forced", force).Msg("job deleted")
	s.emit("job_delete", map[string]any{"id": jobID})

	respondJSON(w, http.StatusOK, jobToResponse(job, true))
}
