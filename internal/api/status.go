package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noaione/vthell/internal/store"
)

func (s *Server) handleStatusList(w http.ResponseWriter, r *http.Request) {
	includeDone := parseFlag(r.URL.Query().Get("include_done"))

	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		if !includeDone && job.Status == store.StatusDone {
			continue
		}
		out = append(out, jobToResponse(job, false))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatusSingle(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "Job not found.")
		return
	}
	respondJSON(w, http.StatusOK, jobToResponse(job, false))
}
