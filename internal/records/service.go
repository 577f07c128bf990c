// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package records

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/noaione/vthell/internal/clock"
	"github.com/noaione/vthell/internal/log"
)

// Service refreshes the archive tree from the remote once an hour and
// persists the latest snapshot so restarts serve immediately.
type Service struct {
	RclonePath  string
	DriveTarget string
	Disabled    bool

	db     *sql.DB
	logger zerolog.Logger
	clock  clock.Clock

	mu   sync.RWMutex
	snap *Snapshot
}

func NewService(dbPath, rclonePath, driveTarget string, disabled bool) (*Service, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open records database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping records database: %w", err)
	}

	s := &Service{
		RclonePath:  rclonePath,
		DriveTarget: driveTarget,
		Disabled:    disabled,
		db:          db,
		logger:      log.WithComponent("records"),
		clock:       clock.RealClock{},
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate records database: %w", err)
	}
	if err := s.load(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load persisted snapshot, starting empty")
	}
	return s, nil
}

func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records_snapshot (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		payload BLOB NOT NULL,
		last_updated INTEGER NOT NULL,
		total_size INTEGER NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Service) load() error {
	var (
		payload     []byte
		lastUpdated int64
		totalSize   int64
	)
	row := s.db.QueryRow(`SELECT payload, last_updated, total_size FROM records_snapshot WHERE id = 1`)
	if err := row.Scan(&payload, &lastUpdated, &totalSize); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	var root Node
	if err := json.Unmarshal(payload, &root); err != nil {
		return err
	}
	s.mu.Lock()
	s.snap = &Snapshot{Data: &root, LastUpdated: lastUpdated, TotalSize: totalSize}
	s.mu.Unlock()
	return nil
}

func (s *Service) persist(snap *Snapshot) error {
	payload, err := json.Marshal(snap.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO records_snapshot (id, payload, last_updated, total_size)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			last_updated = excluded.last_updated,
			total_size = excluded.total_size`,
		payload, snap.LastUpdated, snap.TotalSize)
	return err
}

// Current returns the latest snapshot, which is nil until the first
// successful refresh on a fresh database.
func (s *Service) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Refresh lists the remote recursively and rebuilds the tree.
func (s *Service) Refresh(ctx context.Context) error {
	if s.Disabled {
		s.logger.Debug().Msg("upload backend disabled, skipping records refresh")
		return nil
	}

	cmd := exec.CommandContext(ctx, s.RclonePath, "lsjson", "-R", s.DriveTarget) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("rclone listing failed: %s", msg)
	}

	var entries []listEntry
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		return fmt.Errorf("invalid rclone listing: %w", err)
	}

	root, totalSize := buildTree(entries)
	if root == nil {
		s.logger.Info().Msg("no archived files on the remote yet")
		return nil
	}

	snap := &Snapshot{Data: root, LastUpdated: s.clock.Now().Unix(), TotalSize: totalSize}
	if err := s.persist(snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist records snapshot")
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.logger.Info().
		Int64("total_size", totalSize).
		Msg("records snapshot refreshed")
	return nil
}

// untilNextHour pads the wait so each refresh lands just past the top of
// the hour.
func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now) + time.Second
}

// Run refreshes immediately when no snapshot survived a restart, then
// keeps refreshing hourly until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.Current() == nil {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error().Err(err).Msg("initial records refresh failed")
		}
	}

	timer := s.clock.NewTimer(untilNextHour(s.clock.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error().Err(err).Msg("records refresh failed")
			}
			timer.Reset(untilNextHour(s.clock.Now()))
		}
	}
}
