// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the REST and websocket surface of the daemon. All
// processes in the group serve it; mutating endpoints require the
// configured password.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noaione/vthell/internal/config"
	"github.com/noaione/vthell/internal/discovery"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/records"
	"github.com/noaione/vthell/internal/store"
)

// YoutubeResolver resolves youtube video ids through the aggregation API.
type YoutubeResolver interface {
	GetVideo(ctx context.Context, videoID string) (*discovery.Video, error)
}

// PlatformResolver resolves non-youtube ids through the live-index API.
type PlatformResolver interface {
	GetVideo(ctx context.Context, videoID, platform string) (*discovery.Video, error)
}

// RecordsSource serves the latest archive tree snapshot.
type RecordsSource interface {
	Current() *records.Snapshot
}

// Deps carries everything the server needs besides its config. Emit and
// Websocket may be nil in tests.
type Deps struct {
	Store     *store.Store
	Youtube   YoutubeResolver
	Platforms PlatformResolver
	Records   RecordsSource
	Websocket http.Handler
	Emit      func(event string, data any)
}

type Server struct {
	cfg    *config.Config
	store  *store.Store
	yt     YoutubeResolver
	plat   PlatformResolver
	recs   RecordsSource
	wsh    http.Handler
	emit   func(event string, data any)
	logger zerolog.Logger

	srv *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	emit := deps.Emit
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Server{
		cfg:    cfg,
		store:  deps.Store,
		yt:     deps.Youtube,
		plat:   deps.Platforms,
		recs:   deps.Records,
		wsh:    deps.Websocket,
		emit:   emit,
		logger: log.WithComponent("api"),
	}
}

// Router assembles the chi mux. Read endpoints stay open; anything that
// mutates state sits behind requireAuth.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(requestID)
	if s.cfg.ReverseProxy {
		r.Use(s.forwardedSecret)
	}
	r.Use(s.requestLogger)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Get("/", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.wsh != nil {
		r.Get("/api/event", s.wsh.ServeHTTP)
	}

	r.Get("/api/status", s.handleStatusList)
	r.Get("/api/status/{id}", s.handleStatusSingle)
	r.Get("/api/auto-scheduler", s.handleRuleList)
	r.Get("/api/records", s.handleRecords)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)
		pr.Post("/api/schedule", s.handleScheduleCreate)
		pr.Delete("/api/schedule/{id}", s.handleScheduleDelete)
		pr.Post("/api/auto-scheduler", s.handleRuleCreate)
		pr.Patch("/api/auto-scheduler/{id}", s.handleRulePatch)
		pr.Delete("/api/auto-scheduler/{id}", s.handleRuleDelete)
	})
	return r
}

// Run serves until ctx is cancelled, then drains with a short deadline.
func (s *Server) Run(ctx context.Context) error {
	handler := s.Router()
	if s.cfg.OTLPEnabled {
		handler = otelhttp.NewHandler(handler, "vthell.api")
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str(log.FieldPath, r.URL.Path).
					Msg("handler panicked")
				respondError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status_code", rec.status).
			Dur("duration", time.Since(start)).
			Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
			Msg("request handled")
	})
}
