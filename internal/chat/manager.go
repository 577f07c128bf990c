// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

// Manager owns the set of running captures. The downloader dispatches a
// capture when recording starts; on process start the pending rows are
// replayed so crashed captures resume from their last timestamp.
type Manager struct {
	Store      *store.Store
	Uploader   *Uploader
	ArchiveDir string
	CookieFile string

	// newClient is swapped in tests.
	newClient func(videoID, cookieFile string) (*Client, error)

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewManager builds a manager wired to the given store and uploader.
func NewManager(st *store.Store, uploader *Uploader, archiveDir, cookieFile string) *Manager {
	return &Manager{
		Store:      st,
		Uploader:   uploader,
		ArchiveDir: archiveDir,
		CookieFile: cookieFile,
		newClient:  NewClient,
		active:     make(map[string]context.CancelFunc),
	}
}

// Active reports whether a capture is running for the video.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Cancel stops a running capture. The pending row survives so a later
// run resumes it.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll stops every running capture.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.active {
		cancel()
	}
}

// Capture runs one chat capture to completion and then uploads the
// transcript. It blocks; callers dispatch it on its own goroutine.
// lastTimestamp (epoch ms) resumes a crashed capture; zero starts fresh.
func (m *Manager) Capture(ctx context.Context, job *store.Job, lastTimestamp float64) {
	logger := log.WithComponent("chat").With().Str(log.FieldJobID, job.ID).Logger()

	m.mu.Lock()
	if _, running := m.active[job.ID]; running {
		m.mu.Unlock()
		logger.Warn().Msg("capture already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.active[job.ID] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, job.ID)
		m.mu.Unlock()
	}()

	filename := job.Filename + ".chat.json"
	pending := &store.PendingChat{
		ID:         job.ID,
		Filename:   filename,
		ChannelID:  job.ChannelID,
		MemberOnly: job.MemberOnly,
	}
	if err := m.Store.PutPendingChat(ctx, pending); err != nil {
		logger.Error().Err(err).Msg("failed to record pending capture")
		return
	}

	writer, err := NewWriter(m.ArchiveDir, filename, false)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open transcript")
		return
	}

	client, err := m.newClient(job.ID, m.CookieFile)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build chat client")
		_ = writer.Close()
		return
	}

	logger.Info().Msg("capture started")
	runErr := client.Run(runCtx, writer, lastTimestamp)
	if cerr := writer.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("transcript close failed")
	}

	if errors.Is(runErr, context.Canceled) {
		// Keep the pending row; the next start resumes from the tail.
		logger.Info().Msg("capture cancelled, transcript flushed")
		return
	}
	if runErr != nil {
		var exit *ExitError
		if errors.As(runErr, &exit) {
			logger.Warn().Err(exit).Msg("capture ended with typed exit")
		} else {
			logger.Error().Err(runErr).Msg("capture failed")
			return
		}
	}

	pending.Done = true
	if err := m.Store.PutPendingChat(ctx, pending); err != nil {
		logger.Error().Err(err).Msg("failed to mark capture done")
	}
	logger.Info().Msg("capture finished, uploading transcript")
	if err := m.Uploader.Upload(ctx, pending); err != nil {
		logger.Error().Err(err).Msg("transcript upload failed")
	}
}

// ResumeAll inspects every pending capture left by a previous run. Rows
// whose job is gone or already past recording drain straight to upload;
// the rest restart from the last captured timestamp.
func (m *Manager) ResumeAll(ctx context.Context) error {
	pendings, err := m.Store.ListPendingChats(ctx)
	if err != nil {
		return err
	}
	logger := log.WithComponent("chat")

	for _, pending := range pendings {
		job, err := m.Store.GetJob(ctx, pending.ID)
		if err != nil {
			return err
		}
		if job == nil {
			logger.Warn().Str(log.FieldJobID, pending.ID).Msg("job gone, draining transcript to upload")
			if err := m.Uploader.Upload(ctx, pending); err != nil {
				logger.Error().Err(err).Str(log.FieldJobID, pending.ID).Msg("drain upload failed")
			}
			continue
		}

		switch job.Status {
		case store.StatusWaiting, store.StatusPreparing, store.StatusDownloading, store.StatusError:
			ts := LastTimestamp(filepath.Join(m.ArchiveDir, pending.Filename))
			logger.Info().
				Str(log.FieldJobID, pending.ID).
				Float64("last_timestamp", ts).
				Msg("resuming crashed capture")
			go m.Capture(ctx, job, ts)
		default:
			if pending.Done {
				logger.Info().Str(log.FieldJobID, pending.ID).Msg("capture done, uploading leftover transcript")
				if err := m.Uploader.Upload(ctx, pending); err != nil {
					logger.Error().Err(err).Str(log.FieldJobID, pending.ID).Msg("leftover upload failed")
				}
				continue
			}
			// Recording finished without the capture completing; the
			// broadcast is a replay now, so re-capture from the start.
			logger.Info().Str(log.FieldJobID, pending.ID).Msg("re-capturing finished broadcast")
			go m.Capture(ctx, job, 0)
		}
	}
	return nil
}
