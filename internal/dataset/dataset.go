// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dataset indexes the on-disk VTuber mapping files and resolves
// channel ids to display names and upload folders.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

// VTuber is one talent row inside a dataset file. Platform ids are optional;
// absent means the talent does not stream there.
type VTuber struct {
	Name        string `json:"name"`
	YouTube     string `json:"youtube,omitempty"`
	BiliBili    string `json:"bilibili,omitempty"`
	Twitch      string `json:"twitch,omitempty"`
	Twitcasting string `json:"twitcasting,omitempty"`
}

// platformID returns the talent's id on the given platform, or "".
func (v *VTuber) platformID(p store.Platform) string {
	switch p {
	case store.PlatformYoutube:
		return v.YouTube
	case store.PlatformTwitch:
		return v.Twitch
	case store.PlatformTwitcasting:
		return v.Twitcasting
	}
	return ""
}

// Dataset is one organization mapping file.
type Dataset struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	MainKey    string   `json:"main_key"`
	UploadBase string   `json:"upload_base"`
	VLiver     []VTuber `json:"vliver"`
}

// buildPath splits the upload base into folder segments and appends the
// talent name, or "Unknown" when the talent is missing.
func (d *Dataset) buildPath(v *VTuber) []string {
	base := strings.ReplaceAll(d.UploadBase, `\`, "/")
	paths := strings.Split(base, "/")
	if v == nil {
		paths = append(paths, "Unknown")
	} else {
		paths = append(paths, v.Name)
	}
	return paths
}

// snapshot is an immutable view of every loaded dataset, keyed by the file
// basename without extension.
type snapshot struct {
	sets map[string]*Dataset
}

// Index holds the current dataset snapshot. Readers pin one snapshot per
// lookup; the watcher swaps whole snapshots so a reader never observes a
// half-applied reload.
type Index struct {
	dir  string
	snap atomic.Pointer[snapshot]
}

// NewIndex loads every dataset file under dir. Files prefixed with "_" are
// internal and skipped. A file that fails to parse is logged and skipped;
// loading continues.
func NewIndex(dir string) (*Index, error) {
	idx := &Index{dir: dir}
	sets, err := loadDir(dir)
	if err != nil {
		return nil, err
	}
	idx.snap.Store(&snapshot{sets: sets})
	clog := log.WithComponent("dataset")
	clog.Info().
		Int("datasets", len(sets)).
		Str(log.FieldPath, dir).
		Msg("dataset index loaded")
	return idx, nil
}

func loadDir(dir string) (map[string]*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}
	logger := log.WithComponent("dataset")
	sets := make(map[string]*Dataset)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ds, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Error().Err(err).Str(log.FieldPath, name).Msg("invalid dataset file, skipping")
			continue
		}
		sets[strings.TrimSuffix(name, ".json")] = ds
	}
	return sets, nil
}

func loadFile(path string) (*Dataset, error) {
	buf, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	var ds Dataset
	if err := json.Unmarshal(buf, &ds); err != nil {
		return nil, err
	}
	if ds.ID == "" || ds.UploadBase == "" {
		return nil, fmt.Errorf("dataset %s missing id or upload_base", filepath.Base(path))
	}
	return &ds, nil
}

// Find returns the dataset and talent owning the platform id, or nils.
func (i *Index) Find(id string, platform store.Platform) (*Dataset, *VTuber) {
	snap := i.snap.Load()
	keys := make([]string, 0, len(snap.sets))
	for k := range snap.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ds := snap.sets[k]
		for idx := range ds.VLiver {
			v := &ds.VLiver[idx]
			if v.platformID(platform) == id {
				return ds, v
			}
		}
	}
	return nil, nil
}

// UploadPath resolves the upload folder segments for a channel. Channels
// absent from the index land in "Unknown".
func (i *Index) UploadPath(id string, platform store.Platform) []string {
	ds, v := i.Find(id, platform)
	if ds == nil {
		return []string{"Unknown"}
	}
	return ds.buildPath(v)
}

// Len reports the number of loaded datasets.
func (i *Index) Len() int {
	return len(i.snap.Load().sets)
}

// reload applies a single file change to a fresh snapshot copy.
func (i *Index) reload(path string, deleted bool) {
	logger := log.WithComponent("dataset")
	name := strings.TrimSuffix(filepath.Base(path), ".json")

	old := i.snap.Load()
	sets := make(map[string]*Dataset, len(old.sets)+1)
	for k, v := range old.sets {
		sets[k] = v
	}

	if deleted {
		delete(sets, name)
		logger.Info().Str(log.FieldPath, name).Msg("dataset removed")
	} else {
		ds, err := loadFile(path)
		if err != nil {
			// Keep serving the previous snapshot.
			logger.Error().Err(err).Str(log.FieldPath, path).Msg("invalid dataset file, keeping previous version")
			return
		}
		sets[name] = ds
		logger.Info().Str(log.FieldPath, name).Msg("dataset reloaded")
	}
	i.snap.Store(&snapshot{sets: sets})
}
