// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/noaione/vthell/internal/clock"
	"github.com/noaione/vthell/internal/log"
)

const (
	// DefaultHashURL serves the MD5 of the current canonical dataset.
	DefaultHashURL = "https://raw.githubusercontent.com/noaione/vthell-dataset/master/currentversion"
	// DefaultArchiveURL serves the dataset files as a zip.
	DefaultArchiveURL = "https://github.com/noaione/vthell-dataset/archive/refs/heads/master.zip"

	versionFile = "currentversion"
)

// Updater refreshes the dataset directory from the remote archive when the
// published hash differs from the local one.
type Updater struct {
	Dir        string
	HashURL    string
	ArchiveURL string
	Interval   time.Duration

	Client *http.Client
	Clock  clock.Clock
}

// NewUpdater builds an updater with the default remote endpoints and an
// hourly interval.
func NewUpdater(dir string) *Updater {
	return &Updater{
		Dir:        dir,
		HashURL:    DefaultHashURL,
		ArchiveURL: DefaultArchiveURL,
		Interval:   time.Hour,
		Client:     &http.Client{Timeout: 2 * time.Minute},
		Clock:      clock.RealClock{},
	}
}

// Run checks immediately, then once per interval, until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	logger := log.WithComponent("dataset.updater")
	timer := u.Clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("dataset updater stopping")
			return
		case <-timer.C():
			if err := u.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("dataset update failed")
			}
			timer.Reset(u.Interval)
		}
	}
}

// RunOnce performs a single hash check and refreshes the directory when the
// remote differs.
func (u *Updater) RunOnce(ctx context.Context) error {
	logger := log.WithComponent("dataset.updater")

	remoteHash, err := u.fetchHash(ctx)
	if err != nil {
		return err
	}

	versionPath := filepath.Join(u.Dir, versionFile)
	local, err := os.ReadFile(versionPath) // #nosec G304
	if err == nil {
		localHash := strings.TrimSpace(strings.SplitN(string(local), "\n", 2)[0])
		if localHash == remoteHash {
			logger.Debug().Msg("dataset is up to date")
			return nil
		}
		logger.Info().Str("local", localHash).Str("remote", remoteHash).Msg("dataset outdated, refreshing")
	} else {
		logger.Info().Msg("no local dataset version, downloading")
	}

	if err := u.downloadAndExtract(ctx); err != nil {
		return err
	}
	if err := renameio.WriteFile(versionPath, []byte(remoteHash), 0o644); err != nil {
		return fmt.Errorf("write dataset version: %w", err)
	}
	logger.Info().Str("hash", remoteHash).Msg("dataset refreshed")
	return nil
}

func (u *Updater) fetchHash(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.HashURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch dataset hash: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch dataset hash: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.SplitN(string(body), "\n", 2)[0]), nil
}

// downloadAndExtract fetches the archive and writes every contained JSON
// file into the dataset dir. Writes are atomic so the watcher never reloads
// a partial file.
func (u *Updater) downloadAndExtract(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.ArchiveURL, nil)
	if err != nil {
		return err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch dataset archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch dataset archive: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("open dataset archive: %w", err)
	}

	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(file.Name)
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		buf, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
		if err := renameio.WriteFile(filepath.Join(u.Dir, base), buf, 0o644); err != nil {
			return fmt.Errorf("write dataset file %s: %w", base, err)
		}
	}
	return nil
}
