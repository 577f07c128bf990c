package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noaione/vthell/internal/config"
	"github.com/noaione/vthell/internal/dataset"
	"github.com/noaione/vthell/internal/store"
)

type emitRecorder struct {
	mu       sync.Mutex
	statuses []store.Status
	payloads []map[string]any
}

func (r *emitRecorder) emit(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload := data.(map[string]any)
	r.payloads = append(r.payloads, payload)
	if s, ok := payload["status"].(store.Status); ok {
		r.statuses = append(r.statuses, s)
	}
}

func (r *emitRecorder) Statuses() []store.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Status(nil), r.statuses...)
}

type chatRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (c *chatRecorder) Capture(ctx context.Context, job *store.Job, lastTimestamp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, job.ID)
}

func (c *chatRecorder) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type testHarness struct {
	cfg    *config.Config
	store  *store.Store
	engine *Engine
	emits  *emitRecorder
	binDir string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	base := t.TempDir()
	binDir := t.TempDir()

	cfg := &config.Config{
		BaseDir:            base,
		DownloaderInterval: 60 * time.Second,
		GracePeriod:        120 * time.Second,
		RcloneDriveTarget:  "mock:",
	}
	require.NoError(t, os.MkdirAll(cfg.StreamDumpDir(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.DatasetDir(), 0o755))

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx, err := dataset.NewIndex(cfg.DatasetDir())
	require.NoError(t, err)

	emits := &emitRecorder{}
	eng := New(cfg, st, idx)
	eng.Emit = emits.emit

	return &testHarness{cfg: cfg, store: st, engine: eng, emits: emits, binDir: binDir}
}

// happyRecorder emits the quality and start markers, then drops a fake
// dump file at the -o target (argument 8 when no cookie jar is present).
const happyRecorder = `echo "Selected quality: 1080p60"
echo "Starting download"
touch "$8.mp4"
exit 0
`

func (h *testHarness) installHappyPath(t *testing.T) {
	h.cfg.YTArchivePath = writeScript(t, h.binDir, "ytarchive", happyRecorder)
	h.cfg.MKVMergePath = writeScript(t, h.binDir, "mkvmerge", `touch "$2"
exit 0
`)
	h.cfg.RclonePath = writeScript(t, h.binDir, "rclone", "exit 0\n")
}

func waitingJob(id string) *store.Job {
	return &store.Job{
		ID:        id,
		Title:     "test stream",
		Filename:  fmt.Sprintf("[2023.1.1.%s] test stream", id),
		ChannelID: "UC-test",
		StartTime: time.Now().Add(-time.Minute).Unix(),
		Platform:  store.PlatformYoutube,
		Status:    store.StatusWaiting,
	}
}

func TestPipelineYoutubeHappyPath(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)

	chats := &chatRecorder{}
	h.engine.Chat = chats

	var notified []store.Status
	h.engine.Notify = func(job *store.Job) { notified = append(notified, job.Status) }

	ctx := context.Background()
	job := waitingJob("v1")
	require.NoError(t, h.store.PutJob(ctx, job))

	h.engine.process(ctx, job)

	final, err := h.store.GetJob(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, store.StatusDone, final.Status)
	assert.Equal(t, "1080p60", final.Resolution)
	assert.Empty(t, final.Error)

	assert.Equal(t, []store.Status{
		store.StatusPreparing,
		store.StatusDownloading,
		store.StatusMuxing,
		store.StatusUploading,
		store.StatusCleaning,
		store.StatusDone,
	}, h.emits.Statuses())

	// Upload ran, so both the dump and the muxed artifact are deleted.
	_, err = os.Stat(h.engine.tempPath(job) + ".mp4")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(h.engine.muxedPath(job))
	assert.True(t, os.IsNotExist(err))

	assert.Eventually(t, func() bool { return chats.Count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, notified, store.StatusDone)
}

func TestPipelineAccessDeniedCancels(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)
	h.cfg.YTArchivePath = writeScript(t, h.binDir, "ytarchive", `echo "ERROR: This video is private"
exit 1
`)

	ctx := context.Background()
	job := waitingJob("v2")
	require.NoError(t, h.store.PutJob(ctx, job))

	h.engine.process(ctx, job)

	final, err := h.store.GetJob(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	assert.Empty(t, final.LastStatus)
	assert.Contains(t, final.Error, "private")
}

func TestPipelineUploadErrorThenRecovery(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)
	downloads := filepath.Join(h.binDir, "ytarchive.runs")
	h.cfg.YTArchivePath = writeScript(t, h.binDir, "ytarchive",
		fmt.Sprintf("echo run >> %q\n", downloads)+happyRecorder)
	h.cfg.RclonePath = writeScript(t, h.binDir, "rclone", `echo "error: permission denied"
exit 1
`)

	ctx := context.Background()
	job := waitingJob("v3")
	require.NoError(t, h.store.PutJob(ctx, job))

	h.engine.process(ctx, job)

	errored, err := h.store.GetJob(ctx, "v3")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, errored.Status)
	assert.Equal(t, store.StatusUploading, errored.LastStatus)
	assert.Contains(t, errored.Error, "rclone exited")

	// Next tick finds the errored job and resumes from the upload stage.
	h.cfg.RclonePath = writeScript(t, h.binDir, "rclone", "exit 0\n")
	h.engine.process(ctx, errored)

	final, err := h.store.GetJob(ctx, "v3")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, final.Status)
	assert.Empty(t, final.LastStatus)

	buf, err := os.ReadFile(downloads)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(buf), "run"), "recovery must not re-download")
}

func TestMemberOnlyWithoutCookiesCancels(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)

	ctx := context.Background()
	job := waitingJob("v4")
	job.Platform = store.PlatformTwitcasting
	job.MemberOnly = true
	require.NoError(t, h.store.PutJob(ctx, job))

	h.engine.process(ctx, job)

	final, err := h.store.GetJob(ctx, "v4")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	assert.Contains(t, final.Error, "cookies")
}

func TestMuxRecoversOddSuffix(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)

	job := waitingJob("v5")
	job.Resolution = "1080p60"

	// The recorder picked a container the probe does not know about.
	odd := h.engine.tempPath(job) + ".mkv"
	require.NoError(t, os.WriteFile(odd, []byte("x"), 0o644))

	require.Nil(t, h.engine.muxStage(context.Background(), job))
	_, err := os.Stat(h.engine.muxedPath(job))
	assert.NoError(t, err)
}

func TestMuxTwitterRenames(t *testing.T) {
	h := newHarness(t)

	job := waitingJob("v6")
	job.Platform = store.PlatformTwitter
	require.NoError(t, os.WriteFile(h.engine.tempPath(job)+".m4a", []byte("audio"), 0o644))

	require.Nil(t, h.engine.muxStage(context.Background(), job))

	assert.True(t, strings.HasSuffix(h.engine.muxedPath(job), " [AAC].m4a"))
	buf, err := os.ReadFile(h.engine.muxedPath(job))
	require.NoError(t, err)
	assert.Equal(t, "audio", string(buf))
}

func TestMuxMissingDumpErrors(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)

	job := waitingJob("v7")
	serr := h.engine.muxStage(context.Background(), job)
	require.NotNil(t, serr)
	assert.Equal(t, store.StatusMuxing, serr.stage)
	assert.False(t, serr.cancel)
}

func TestTickSkipsJobsOutsideGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)

	ctx := context.Background()
	job := waitingJob("v8")
	job.StartTime = time.Now().Add(time.Hour).Unix()
	require.NoError(t, h.store.PutJob(ctx, job))

	h.engine.Tick(ctx)
	time.Sleep(100 * time.Millisecond)

	got, err := h.store.GetJob(ctx, "v8")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, got.Status)
	assert.False(t, h.engine.Running("v8"))
}

func TestTickClaimsEachJobOnce(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.engine.claim("j1"))
	assert.False(t, h.engine.claim("j1"))
	h.engine.release("j1")
	assert.True(t, h.engine.claim("j1"))
}

func TestRcloneDisabledSkipsUploadAndKeepsArtifact(t *testing.T) {
	h := newHarness(t)
	h.installHappyPath(t)
	h.cfg.RcloneDisable = true

	ctx := context.Background()
	job := waitingJob("v9")
	require.NoError(t, h.store.PutJob(ctx, job))

	h.engine.process(ctx, job)

	final, err := h.store.GetJob(ctx, "v9")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, final.Status)

	assert.NotContains(t, h.emits.Statuses(), store.StatusUploading)
	_, err = os.Stat(h.engine.muxedPath(job))
	assert.NoError(t, err, "muxed artifact survives when uploads are disabled")
}
