// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/noaione/vthell/internal/dataset"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/pathutil"
	"github.com/noaione/vthell/internal/runner"
	"github.com/noaione/vthell/internal/store"
)

// Uploader drains finished transcripts to remote storage and clears their
// pending rows.
type Uploader struct {
	Store    *store.Store
	Datasets *dataset.Index

	// ArchiveDir is where transcripts live on disk.
	ArchiveDir string

	RclonePath  string
	DriveTarget string
	// Disabled skips the copy but still clears the pending row.
	Disabled bool
}

// Upload copies one transcript to the drive target. The pending row and
// the local file are removed only after a successful copy; an rclone
// failure keeps both so the operator can retry manually.
func (u *Uploader) Upload(ctx context.Context, pending *store.PendingChat) error {
	logger := log.WithComponent("chat-uploader").With().Str(log.FieldJobID, pending.ID).Logger()

	source := filepath.Join(u.ArchiveDir, pending.Filename)
	if _, err := os.Stat(source); err != nil {
		logger.Warn().Str(log.FieldPath, source).Msg("transcript missing, clearing pending row")
		return u.Store.DeletePendingChat(ctx, pending.ID)
	}

	if !u.Disabled {
		base := "Chat Archive"
		if pending.MemberOnly {
			base = "Member-Only Chat Archive"
		}
		targets := append([]string{base}, u.Datasets.UploadPath(pending.ChannelID, store.PlatformYoutube)...)
		target := pathutil.BuildRclonePath(u.DriveTarget, targets...)

		result := runner.Run(ctx, runner.Spec{
			Binary:   "rclone",
			Path:     u.RclonePath,
			Args:     []string{"-v", "-P", "copy", source, target},
			Scan:     runner.ScanStdout,
			Classify: runner.ClassifyRclone(),
		})
		if result.ExitCode != 0 {
			logger.Error().
				Int("exit_code", result.ExitCode).
				Str("diagnostic", result.Diagnostic).
				Msg("rclone failed, keeping transcript for manual upload")
			return fmt.Errorf("rclone exited with code %d", result.ExitCode)
		}
		logger.Info().Str(log.FieldTarget, target).Msg("transcript uploaded")
	}

	if err := u.Store.DeletePendingChat(ctx, pending.ID); err != nil {
		return err
	}
	if err := os.Remove(source); err != nil {
		logger.Warn().Err(err).Msg("failed to remove local transcript")
	}
	return nil
}
