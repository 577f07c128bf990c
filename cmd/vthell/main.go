// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command vthell runs the archival daemon. Several instances may share one
// base directory; an advisory file lock elects the leader, which runs the
// background loops while every process serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/noaione/vthell/internal/api"
	"github.com/noaione/vthell/internal/chat"
	"github.com/noaione/vthell/internal/config"
	"github.com/noaione/vthell/internal/dataset"
	"github.com/noaione/vthell/internal/discovery"
	"github.com/noaione/vthell/internal/engine"
	"github.com/noaione/vthell/internal/ipc"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/notifier"
	"github.com/noaione/vthell/internal/pathutil"
	"github.com/noaione/vthell/internal/records"
	"github.com/noaione/vthell/internal/scheduler"
	"github.com/noaione/vthell/internal/store"
	"github.com/noaione/vthell/internal/telemetry"
	"github.com/noaione/vthell/internal/version"
	"github.com/noaione/vthell/internal/ws"
)

// liveSource polls both upstream listing APIs and merges the results, so
// the autoscheduler sees every platform in one pass.
type liveSource struct {
	holodex *discovery.Holodex
	ihaapi  *discovery.IhaAPI
}

// ihaPlatforms are the non-youtube platforms worth polling on the index.
var ihaPlatforms = []string{"twitch", "twitcasting", "mildom"}

func (s *liveSource) GetLives(ctx context.Context) ([]discovery.Video, error) {
	lives, err := s.holodex.GetLives(ctx)
	if err != nil {
		return nil, err
	}
	others, err := s.ihaapi.GetLives(ctx, ihaPlatforms)
	if err != nil {
		// A flaky secondary index never blocks youtube scheduling.
		clog := log.WithComponent("daemon")
		clog.Warn().Err(err).Msg("live-index poll failed, youtube results only")
		return lives, nil
	}
	return append(lives, others...), nil
}

// cachedYoutube fronts Holodex single-video lookups with the optional
// Redis lookaside.
type cachedYoutube struct {
	holodex *discovery.Holodex
	cache   *discovery.Cache
}

func (c *cachedYoutube) GetVideo(ctx context.Context, videoID string) (*discovery.Video, error) {
	if c.cache == nil {
		return c.holodex.GetVideo(ctx, videoID)
	}
	return c.cache.GetVideo(ctx, "youtube/"+videoID, func(ctx context.Context) (*discovery.Video, error) {
		return c.holodex.GetVideo(ctx, videoID)
	})
}

type cachedPlatforms struct {
	ihaapi *discovery.IhaAPI
	cache  *discovery.Cache
}

func (c *cachedPlatforms) GetVideo(ctx context.Context, videoID, platform string) (*discovery.Video, error) {
	if c.cache == nil {
		return c.ihaapi.GetVideo(ctx, videoID, platform)
	}
	return c.cache.GetVideo(ctx, platform+"/"+videoID, func(ctx context.Context) (*discovery.Video, error) {
		return c.ihaapi.GetVideo(ctx, videoID, platform)
	})
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vthell %s (commit: %s)\n", version.Version, version.Commit)
		os.Exit(0)
	}
	if path := strings.TrimSpace(*configPath); path != "" {
		_ = os.Setenv("VTHELL_CONFIG_FILE", path)
	}

	if err := run(); err != nil {
		clog := log.WithComponent("daemon")
		clog.Fatal().Err(err).Msg("daemon exited with error")
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "vthell"})
	logger := log.WithComponent("daemon")

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = st.Close() }()

	lock, leader, err := ipc.AcquireLock(cfg.LockPath())
	if err != nil {
		return fmt.Errorf("acquire leader lock: %w", err)
	}
	if lock != nil {
		defer func() { _ = lock.Release() }()
	}
	logger.Info().Bool("leader", leader).Str("version", version.Version).Msg("vthell starting")

	hub := ws.NewHub()
	hub.OnConnect = func() any {
		jobs, err := st.ListJobs(context.Background())
		if err != nil {
			return []any{}
		}
		out := make([]*store.Job, 0, len(jobs))
		for _, job := range jobs {
			if job.Status != store.StatusDone {
				out = append(out, job)
			}
		}
		return out
	}

	var (
		ipcServer *ipc.Server
		ipcClient *ipc.Client
	)
	if leader {
		ipcServer = ipc.NewServer(cfg.SocketPath())
	} else {
		ipcClient = ipc.NewClient(cfg.SocketPath())
		ipcClient.Handler = func(event string, data any) {
			hub.Emit(event, data, "")
		}
	}

	// emit pushes an event to local websocket clients and relays it across
	// the process group.
	emit := func(event string, data any) {
		hub.Emit(event, data, "")
		if ipcServer != nil {
			ipcServer.Broadcast("ws_"+event, data)
		}
		if ipcClient != nil {
			_ = ipcClient.Emit("ws_"+event, data)
		}
	}
	if ipcServer != nil {
		// Follower-originated events reach local clients and the rest of
		// the group through the leader.
		for _, event := range []string{"job_scheduled", "job_update", "job_delete"} {
			wsEvent := "ws_" + event
			plain := event
			ipcServer.On(wsEvent, func(data any) {
				hub.Emit(plain, data, "")
				ipcServer.Broadcast(wsEvent, data)
			})
		}
	}

	holodex := discovery.NewHolodex(cfg.HolodexAPIKey)
	ihaapi := discovery.NewIhaAPI()

	var cache *discovery.Cache
	if cfg.RedisURL != "" {
		cache, err = discovery.NewCache(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("discovery cache: %w", err)
		}
		defer func() { _ = cache.Close() }()
	}

	datasets, err := dataset.NewIndex(cfg.DatasetDir())
	if err != nil {
		return fmt.Errorf("load datasets: %w", err)
	}

	recordsSvc, err := records.NewService(
		filepath.Join(cfg.DBDir(), "vthell-records.sqlite"),
		cfg.RclonePath, cfg.RcloneDriveTarget, cfg.RcloneDisable,
	)
	if err != nil {
		return fmt.Errorf("records service: %w", err)
	}
	defer func() { _ = recordsSvc.Close() }()

	discord := notifier.NewDiscord(cfg.DiscordWebhook)

	cookieFile := pathutil.FindCookiesFile(cfg.BaseDir)
	chatUploader := &chat.Uploader{
		Store:       st,
		Datasets:    datasets,
		ArchiveDir:  cfg.ChatArchiveDir(),
		RclonePath:  cfg.RclonePath,
		DriveTarget: cfg.RcloneDriveTarget,
		Disabled:    cfg.RcloneDisable,
	}
	chatMgr := chat.NewManager(st, chatUploader, cfg.ChatArchiveDir(), cookieFile)

	eng := engine.New(cfg, st, datasets)
	eng.Emit = emit
	eng.Notify = func(job *store.Job) {
		discord.NotifyUpdate(context.Background(), job)
	}
	eng.Chat = chatMgr

	sched := scheduler.New(st, &liveSource{holodex: holodex, ihaapi: ihaapi})
	sched.Interval = cfg.SchedulerInterval
	sched.Emit = func(event string, data any) {
		emit(event, data)
		if event != "job_scheduled" {
			return
		}
		payload, ok := data.(map[string]any)
		if !ok {
			return
		}
		id, ok := payload["id"].(string)
		if !ok {
			return
		}
		if job, err := st.GetJob(context.Background(), id); err == nil && job != nil {
			discord.NotifySchedule(context.Background(), job)
		}
	}

	apiServer := api.New(cfg, api.Deps{
		Store:     st,
		Youtube:   &cachedYoutube{holodex: holodex, cache: cache},
		Platforms: &cachedPlatforms{ihaapi: ihaapi, cache: cache},
		Records:   recordsSvc,
		Websocket: hub,
		Emit:      emit,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return ignoreCancel(apiServer.Run(gctx))
	})

	if leader {
		// Jobs stuck in an in-flight state mean the previous leader died
		// mid-pipeline; demote them so the engine can resume.
		demoted, err := st.DemoteInFlight(gctx)
		if err != nil {
			return fmt.Errorf("demote in-flight jobs: %w", err)
		}
		if len(demoted) > 0 {
			logger.Info().Strs("job_ids", demoted).Msg("demoted in-flight jobs from previous run")
		}

		if err := chatMgr.ResumeAll(gctx); err != nil {
			logger.Error().Err(err).Msg("chat resume pass failed")
		}

		updater := dataset.NewUpdater(cfg.DatasetDir())

		g.Go(func() error { return ignoreCancel(ipcServer.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(eng.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(sched.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(datasets.Watch(gctx)) })
		g.Go(func() error {
			updater.Run(gctx)
			return nil
		})
		g.Go(func() error { return ignoreCancel(recordsSvc.Run(gctx)) })
	} else {
		g.Go(func() error { return ignoreCancel(ipcClient.Run(gctx)) })
	}

	err = g.Wait()
	chatMgr.CancelAll()
	logger.Info().Msg("vthell stopped")
	return err
}

// ignoreCancel drops the context error every loop returns on shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
