package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noaione/vthell/internal/store"
)

func TestHolodexGetLives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/live", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-APIKEY"))
		_, _ = w.Write([]byte(`[
			{"id": "vid1", "title": "karaoke!", "type": "stream", "topic_id": "singing",
			 "status": "live", "start_actual": "2024-01-02T10:00:00Z",
			 "channel": {"id": "UC-a", "org": "Hololive"}},
			{"id": "vid2", "title": "member stream", "type": "stream", "topic_id": "membersonly",
			 "status": "upcoming", "start_scheduled": "2024-01-02T12:00:00Z", "channel_id": "UC-b",
			 "channel": {"org": "Hololive"}},
			{"id": "clip1", "title": "clip", "type": "clip", "status": "past", "channel_id": "UC-c"}
		]`))
	}))
	defer srv.Close()

	h := NewHolodex("test-key")
	h.SetBase(srv.URL + "/")

	videos, err := h.GetLives(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 2)

	assert.Equal(t, "vid1", videos[0].ID)
	assert.Equal(t, int64(1704189600), videos[0].StartTime)
	assert.Equal(t, "UC-a", videos[0].ChannelID)
	assert.Equal(t, "Hololive", videos[0].Org)
	assert.Equal(t, store.PlatformYoutube, videos[0].Platform)
	assert.False(t, videos[0].IsMember)
	assert.Equal(t, "https://youtube.com/watch?v=vid1", videos[0].URL)

	assert.Equal(t, "vid2", videos[1].ID)
	assert.True(t, videos[1].IsMember)
}

func TestHolodexGetVideoSkipsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		switch id {
		case "gone":
			_, _ = w.Write([]byte(`[{"id": "gone", "title": "x", "type": "stream", "status": "missing", "channel_id": "UC-a"}]`))
		case "ok":
			_, _ = w.Write([]byte(`[{"id": "ok", "title": "x", "type": "stream", "status": "upcoming",
				"start_scheduled": "2024-01-02T12:00:00Z", "channel_id": "UC-a"}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	h := NewHolodex("")
	h.SetBase(srv.URL + "/")
	ctx := context.Background()

	v, err := h.GetVideo(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = h.GetVideo(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = h.GetVideo(ctx, "ok")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "upcoming", v.Status)
}

func TestIhaAPIGetLivesPaginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OperationName string         `json:"operationName"`
			Variables     map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "VTuberLive", body.OperationName)

		calls++
		if body.Variables["cursor"] == nil {
			_, _ = w.Write([]byte(`{"data": {"vtuber": {"videos": {
				"_total": 2,
				"items": [{"id": "twcast-1", "title": "a", "status": "live", "channel_id": "caster",
					"timeData": {"startTime": 1700000000}, "platform": "twitcasting", "group": "nijisanji", "is_member": false}],
				"pageInfo": {"hasNextPage": true, "nextCursor": "abc"}
			}}}}`))
			return
		}
		require.Equal(t, "abc", body.Variables["cursor"])
		_, _ = w.Write([]byte(`{"data": {"vtuber": {"videos": {
			"_total": 2,
			"items": [{"id": "tw-2", "title": "b", "status": "upcoming", "channel_id": "bird",
				"timeData": {"scheduledStartTime": 1700001000}, "platform": "twitter", "is_member": true}],
			"pageInfo": {"hasNextPage": false, "nextCursor": null}
		}}}}`))
	}))
	defer srv.Close()

	a := NewIhaAPI()
	a.SetBase(srv.URL)

	videos, err := a.GetLives(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, videos, 2)

	assert.Equal(t, int64(1700000000), videos[0].StartTime)
	assert.Equal(t, store.PlatformTwitcasting, videos[0].Platform)
	assert.Equal(t, "nijisanji", videos[0].Org)
	assert.Equal(t, int64(1700001000), videos[1].StartTime)
	assert.True(t, videos[1].IsMember)
}

func TestIhaAPIGetVideoTwitchStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		statuses, ok := body.Variables["statuses"].([]any)
		require.True(t, ok)
		assert.Len(t, statuses, 2)

		_, _ = w.Write([]byte(`{"data": {"vtuber": {"videos": {
			"items": [{"id": "ttv-stream-x", "title": "twitch live", "status": "live",
				"channel_id": "streamer", "timeData": {"startTime": 1}, "platform": "twitch", "is_member": false}]
		}}}}`))
	}))
	defer srv.Close()

	a := NewIhaAPI()
	a.SetBase(srv.URL)

	v, err := a.GetVideo(context.Background(), "ttv-stream-x", "twitch")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, store.PlatformTwitch, v.Platform)
}

func TestCacheGetVideo(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	ctx := context.Background()
	fetches := 0
	fetch := func(ctx context.Context) (*Video, error) {
		fetches++
		return &Video{ID: "vid1", Title: "cached", Platform: store.PlatformYoutube}, nil
	}

	v, err := cache.GetVideo(ctx, "vid1", fetch)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, fetches)

	v, err = cache.GetVideo(ctx, "vid1", fetch)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "cached", v.Title)
	assert.Equal(t, 1, fetches, "second lookup must hit the cache")
}

func TestCacheNegativeEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	ctx := context.Background()
	fetches := 0
	fetch := func(ctx context.Context) (*Video, error) {
		fetches++
		return nil, nil
	}

	v, err := cache.GetVideo(ctx, "ghost", fetch)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = cache.GetVideo(ctx, "ghost", fetch)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, fetches)
}
