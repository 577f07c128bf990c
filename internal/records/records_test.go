package records

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleListing() []listEntry {
	return []listEntry{
		{Path: "Stream Archive", Name: "Stream Archive", IsDir: true},
		{Path: "Stream Archive/Hololive", Name: "Hololive", IsDir: true},
		{
			Path: "Stream Archive/Hololive/[2023.1.1.abc] stream.mkv", Name: "[2023.1.1.abc] stream.mkv",
			Size: 1024, MimeType: "video/x-matroska", ModTime: "2023-01-01T12:00:00Z",
		},
		{Path: "Chat Archive", Name: "Chat Archive", IsDir: true},
		{
			Path: "Chat Archive/[2023.1.1.abc] stream.chat.json", Name: "[2023.1.1.abc] stream.chat.json",
			Size: 76, MimeType: "application/json", ModTime: "2023-01-01T13:00:00Z",
		},
		// Folders outside the archive bases never enter the tree.
		{Path: "Random Stuff", Name: "Random Stuff", IsDir: true},
		{Path: "Random Stuff/notes.txt", Name: "notes.txt", Size: 9999},
	}
}

func TestBuildTreeShape(t *testing.T) {
	root, total := buildTree(sampleListing())
	require.NotNil(t, root)

	assert.Equal(t, "vthell", root.ID)
	assert.Equal(t, "VTuberHell", root.Name)
	assert.Equal(t, int64(1100), total)
	require.Len(t, root.Children, 2)

	// Sorted by path, so Chat Archive comes first.
	chat := root.Children[0]
	assert.Equal(t, "Chat Archive", chat.Name)
	require.Len(t, chat.Children, 1)
	assert.Equal(t, "file", chat.Children[0].Type)
	assert.Equal(t, int64(76), chat.Children[0].Size)

	stream := root.Children[1]
	assert.Equal(t, "Stream Archive", stream.Name)
	require.Len(t, stream.Children, 1)
	holo := stream.Children[0]
	assert.Equal(t, "Hololive", holo.Name)
	require.Len(t, holo.Children, 1)
	file := holo.Children[0]
	assert.Len(t, file.ID, 32, "node ids are md5 hex digests")
	want := &Node{
		ID:       file.ID,
		Name:     "[2023.1.1.abc] stream.mkv",
		Type:     "file",
		Size:     1024,
		MimeType: "video/x-matroska",
		ModTime:  1672574400,
	}
	assert.Empty(t, cmp.Diff(want, file))
}

func TestBuildTreeEmptyAfterFilter(t *testing.T) {
	root, total := buildTree([]listEntry{
		{Path: "Other", Name: "Other", IsDir: true},
	})
	assert.Nil(t, root)
	assert.Zero(t, total)
}

func TestBuildTreeDefaultsMimeType(t *testing.T) {
	root, _ := buildTree([]listEntry{
		{Path: "Stream Archive", Name: "Stream Archive", IsDir: true},
		{Path: "Stream Archive/raw.bin", Name: "raw.bin", Size: 1},
	})
	require.NotNil(t, root)
	assert.Equal(t, "application/octet-stream", root.Children[0].Children[0].MimeType)
}

func newTestService(t *testing.T, rclone string) *Service {
	t.Helper()
	svc, err := NewService(filepath.Join(t.TempDir(), "records.sqlite"), rclone, "mock:", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func fakeRclone(t *testing.T, entries []listEntry) string {
	t.Helper()
	buf, err := json.Marshal(entries)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "rclone")
	body := fmt.Sprintf("#!/bin/sh\ncat <<'EOF'\n%s\nEOF\n", buf)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestRefreshAndPersistRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "records.sqlite")
	rclone := fakeRclone(t, sampleListing())

	svc, err := NewService(dbPath, rclone, "mock:", false)
	require.NoError(t, err)
	assert.Nil(t, svc.Current())

	require.NoError(t, svc.Refresh(context.Background()))
	snap := svc.Current()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1100), snap.TotalSize)
	require.NoError(t, svc.Close())

	// A fresh service on the same database serves the stored snapshot
	// without touching the remote.
	reopened, err := NewService(dbPath, "/nonexistent/rclone", "mock:", false)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	restored := reopened.Current()
	require.NotNil(t, restored)
	assert.Equal(t, snap.TotalSize, restored.TotalSize)
	assert.Equal(t, snap.LastUpdated, restored.LastUpdated)
	assert.Equal(t, "VTuberHell", restored.Data.Name)
}

func TestRefreshDisabledIsNoop(t *testing.T) {
	svc := newTestService(t, "/nonexistent/rclone")
	svc.Disabled = true
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Nil(t, svc.Current())
}

func TestRefreshSurfacesListingFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rclone")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho 'remote unreachable' >&2\nexit 1\n"), 0o755))

	svc := newTestService(t, path)
	err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote unreachable")
}

func TestUntilNextHour(t *testing.T) {
	now := time.Date(2023, 1, 1, 10, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Minute+time.Second, untilNextHour(now))
}
