// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/noaione/vthell/internal/log"
)

// Watch hot-reloads the index on file changes until ctx is cancelled. Only
// the leader process runs this; followers read a startup snapshot.
func (i *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dataset watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}

	logger := log.WithComponent("dataset")
	logger.Info().Str(log.FieldPath, i.dir).Msg("watching dataset folder")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, "_") || !strings.HasSuffix(base, ".json") {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				i.reload(ev.Name, true)
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				i.reload(ev.Name, false)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("dataset watcher error")
		}
	}
}
