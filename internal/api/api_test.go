package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noaione/vthell/internal/config"
	"github.com/noaione/vthell/internal/discovery"
	"github.com/noaione/vthell/internal/records"
	"github.com/noaione/vthell/internal/store"
)

type fakeYoutube struct {
	videos map[string]*discovery.Video
}

func (f *fakeYoutube) GetVideo(ctx context.Context, videoID string) (*discovery.Video, error) {
	return f.videos[videoID], nil
}

type fakePlatforms struct {
	videos map[string]*discovery.Video
}

func (f *fakePlatforms) GetVideo(ctx context.Context, videoID, platform string) (*discovery.Video, error) {
	return f.videos[platform+"/"+videoID], nil
}

type fakeRecords struct {
	snap *records.Snapshot
}

func (f *fakeRecords) Current() *records.Snapshot { return f.snap }

type emitRecorder struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (e *emitRecorder) record(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	e.data = append(e.data, data)
}

func (e *emitRecorder) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type harness struct {
	store   *store.Store
	server  *Server
	emits   *emitRecorder
	youtube *fakeYoutube
	plats   *fakePlatforms
	records *fakeRecords
	handler http.Handler
}

func newHarness(t *testing.T, password string) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{Password: password}
	emits := &emitRecorder{}
	yt := &fakeYoutube{videos: map[string]*discovery.Video{}}
	plats := &fakePlatforms{videos: map[string]*discovery.Video{}}
	recs := &fakeRecords{}

	srv := New(cfg, Deps{
		Store:     st,
		Youtube:   yt,
		Platforms: plats,
		Records:   recs,
		Emit:      emits.record,
	})
	return &harness{
		store:   st,
		server:  srv,
		emits:   emits,
		youtube: yt,
		plats:   plats,
		records: recs,
		handler: srv.Router(),
	}
}

func (h *harness) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func ytVideo(id string) *discovery.Video {
	return &discovery.Video{
		ID:        id,
		Title:     "Unarchived Karaoke",
		StartTime: 1700000000,
		ChannelID: "UC12345",
		Status:    "upcoming",
		Platform:  store.PlatformYoutube,
	}
}

func TestScheduleCreateNewJob(t *testing.T) {
	h := newHarness(t, "")
	h.youtube.videos["abc123"] = ytVideo("abc123")

	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var video discovery.Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &video))
	assert.Equal(t, "abc123", video.ID)

	job, err := h.store.GetJob(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.StatusWaiting, job.Status)
	assert.Equal(t, store.PlatformYoutube, job.Platform)
	assert.Contains(t, job.Filename, "abc123")

	assert.Equal(t, []string{"job_scheduled"}, h.emits.Events())
}

func TestScheduleCreateMissingID(t *testing.T) {
	h := newHarness(t, "")
	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleCreateVideoNotFound(t *testing.T) {
	h := newHarness(t, "")
	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "missing"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Holodex")
}

func TestScheduleCreatePrefixesPlatformIDs(t *testing.T) {
	h := newHarness(t, "")
	h.plats.videos["twitcasting/caststream"] = &discovery.Video{
		ID:        "caststream",
		Title:     "Radio Show",
		StartTime: 1700000000,
		ChannelID: "caster",
		Platform:  store.PlatformTwitcasting,
	}

	rec := h.request(t, http.MethodPost, "/api/schedule",
		map[string]string{"id": "caststream", "platform": "twitcasting"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := h.store.GetJob(context.Background(), "twcast-caststream")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.PlatformTwitcasting, job.Platform)
}

func TestScheduleTwitchFilenameUsesChannel(t *testing.T) {
	h := newHarness(t, "")
	h.plats.videos["twitch/somevod"] = &discovery.Video{
		ID:        "somevod",
		Title:     "Speedrun",
		StartTime: 1700000000,
		ChannelID: "runnerchan",
		Platform:  store.PlatformTwitch,
	}

	rec := h.request(t, http.MethodPost, "/api/schedule",
		map[string]string{"id": "somevod", "platform": "twitch"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := h.store.GetJob(context.Background(), "ttv-stream-somevod")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, job.Filename, "runnerchan")
	assert.NotContains(t, job.Filename, "somevod")
}

func TestScheduleMergeResetsRecoverableError(t *testing.T) {
	h := newHarness(t, "")
	h.youtube.videos["abc123"] = ytVideo("abc123")
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{
		ID:         "abc123",
		Title:      "stale title",
		Status:     store.StatusError,
		LastStatus: store.StatusDownloading,
		Error:      "recorder blew up",
	}))

	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := h.store.GetJob(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, "Unarchived Karaoke", job.Title)

	assert.Equal(t, []string{"job_update"}, h.emits.Events())
}

func TestScheduleMergeKeepsDeepError(t *testing.T) {
	h := newHarness(t, "")
	h.youtube.videos["abc123"] = ytVideo("abc123")
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{
		ID:         "abc123",
		Status:     store.StatusError,
		LastStatus: store.StatusUploading,
		Error:      "remote rejected",
	}))

	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// An upload failure keeps its artifacts; only the engine may resume it.
	job, err := h.store.GetJob(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, job.Status)
	assert.Equal(t, store.StatusUploading, job.LastStatus)
}

func TestScheduleCancelledResetsToWaiting(t *testing.T) {
	h := newHarness(t, "")
	h.youtube.videos["abc123"] = ytVideo("abc123")
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{
		ID:     "abc123",
		Status: store.StatusCancelled,
		Error:  "members only",
	}))

	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := h.store.GetJob(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, job.Status)
	assert.Empty(t, job.Error)
}

func TestScheduleDeleteGatesInFlight(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{
		ID:     "busy",
		Status: store.StatusDownloading,
	}))

	rec := h.request(t, http.MethodDelete, "/api/schedule/busy", nil, nil)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = h.request(t, http.MethodDelete, "/api/schedule/busy?force=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := h.store.GetJob(context.Background(), "busy")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, []string{"job_delete"}, h.emits.Events())
}

func TestScheduleDeleteNotFound(t *testing.T) {
	h := newHarness(t, "")
	rec := h.request(t, http.MethodDelete, "/api/schedule/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthGuardsMutatingEndpointsOnly(t *testing.T) {
	h := newHarness(t, "s3cret")
	h.youtube.videos["abc123"] = ytVideo("abc123")

	// Reads stay open.
	rec := h.request(t, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Writes without a credential are rejected.
	rec = h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	headerForms := []map[string]string{
		{"Authorization": "Password s3cret"},
		{"X-Auth-Token": "s3cret"},
		{"X-Password": "s3cret"},
	}
	for i, headers := range headerForms {
		rec = h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, headers)
		assert.Equal(t, http.StatusOK, rec.Code, "header form %d", i)
	}

	rec = h.request(t, http.MethodPost, "/api/schedule",
		map[string]string{"id": "abc123"}, map[string]string{"Authorization": "Password wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDisabledWithoutPassword(t *testing.T) {
	h := newHarness(t, "")
	h.youtube.videos["abc123"] = ytVideo("abc123")
	rec := h.request(t, http.MethodPost, "/api/schedule", map[string]string{"id": "abc123"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusListFiltersDone(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{ID: "a", Status: store.StatusWaiting}))
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{ID: "b", Status: store.StatusDone}))

	rec := h.request(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)

	rec = h.request(t, http.MethodGet, "/api/status?include_done=1", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)
}

func TestStatusSingle(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.store.PutJob(context.Background(), &store.Job{
		ID: "a", Status: store.StatusWaiting, MemberOnly: true,
	}))

	rec := h.request(t, http.MethodGet, "/api/status/a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.True(t, job.IsMember)

	rec = h.request(t, http.MethodGet, "/api/status/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleCreateAndList(t *testing.T) {
	h := newHarness(t, "")

	rec := h.request(t, http.MethodPost, "/api/auto-scheduler", map[string]any{
		"type": "word",
		"data": "karaoke",
		"chains": []map[string]string{
			{"type": "group", "data": "hololive"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var created ruleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	require.Len(t, created.Chains, 1)

	rec = h.request(t, http.MethodPost, "/api/auto-scheduler", map[string]any{
		"type":    "channel",
		"data":    "UC999",
		"include": false,
		// Chains are meaningless on channel rules and get dropped.
		"chains": map[string]string{"type": "word", "data": "ignored"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var excluded ruleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &excluded))
	assert.Empty(t, excluded.Chains)

	rec = h.request(t, http.MethodGet, "/api/auto-scheduler", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Include []ruleResponse `json:"include"`
		Exclude []ruleResponse `json:"exclude"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Include, 1)
	assert.Len(t, listing.Exclude, 1)
}

func TestRuleCreateValidation(t *testing.T) {
	h := newHarness(t, "")

	cases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing type", map[string]any{"data": "x"}, "Missing type"},
		{"missing data", map[string]any{"type": "word"}, "Missing data"},
		{"blank data", map[string]any{"type": "word", "data": "   "}, "Missing data"},
		{"bad type", map[string]any{"type": "nonsense", "data": "x"}, "Invalid type"},
		{
			"chain missing data",
			map[string]any{"type": "word", "data": "x", "chains": map[string]string{"type": "group"}},
			"Missing data for single chains",
		},
		{
			"chain bad type",
			map[string]any{
				"type": "word", "data": "x",
				"chains": []map[string]string{{"type": "bogus", "data": "y"}},
			},
			"Invalid type for chains.0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.request(t, http.MethodPost, "/api/auto-scheduler", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestRulePatch(t *testing.T) {
	h := newHarness(t, "")
	rule := &store.AutoRule{Type: store.RuleWord, Data: "karaoke", Include: true}
	require.NoError(t, h.store.PutRule(context.Background(), rule))

	path := fmt.Sprintf("/api/auto-scheduler/%d", rule.ID)

	// Empty patch is rejected.
	rec := h.request(t, http.MethodPatch, path, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(t, http.MethodPatch, path, map[string]any{"data": "singing"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	updated, err := h.store.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "singing", updated.Data)

	rec = h.request(t, http.MethodPatch, "/api/auto-scheduler/9999", map[string]any{"data": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRulePatchChainOnlyNeedsValidChains(t *testing.T) {
	h := newHarness(t, "")
	rule := &store.AutoRule{Type: store.RuleChannel, Data: "UC1", Include: true}
	require.NoError(t, h.store.PutRule(context.Background(), rule))

	// Chains never apply to channel rules, so a chain-only patch is a no-op.
	rec := h.request(t, http.MethodPatch, fmt.Sprintf("/api/auto-scheduler/%d", rule.ID),
		map[string]any{"chains": []map[string]string{{"type": "word", "data": "x"}}}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No valid chains")
}

func TestRuleDelete(t *testing.T) {
	h := newHarness(t, "")
	rule := &store.AutoRule{Type: store.RuleWord, Data: "karaoke", Include: true}
	require.NoError(t, h.store.PutRule(context.Background(), rule))

	rec := h.request(t, http.MethodDelete, fmt.Sprintf("/api/auto-scheduler/%d", rule.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "karaoke")

	rec = h.request(t, http.MethodDelete, fmt.Sprintf("/api/auto-scheduler/%d", rule.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordsEndpoint(t *testing.T) {
	h := newHarness(t, "")

	rec := h.request(t, http.MethodGet, "/api/records", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.records.snap = &records.Snapshot{
		Data:        &records.Node{ID: "vthell", Name: "VTuberHell", Type: "folder"},
		LastUpdated: 1700000000,
		TotalSize:   42,
	}
	rec = h.request(t, http.MethodGet, "/api/records", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap records.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(42), snap.TotalSize)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, "")
	rec := h.request(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestParseForwarded(t *testing.T) {
	secret, addr := parseForwarded(`for=203.0.113.9;secret=topsecret;proto=https`)
	assert.Equal(t, "topsecret", secret)
	assert.Equal(t, "203.0.113.9", addr)

	secret, addr = parseForwarded(`for="198.51.100.1", for=203.0.113.9`)
	assert.Empty(t, secret)
	assert.Equal(t, "198.51.100.1", addr)
}
