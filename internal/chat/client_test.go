package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	messages []map[string]any
	flushes  int
}

func (m *memorySink) Write(msg map[string]any) error {
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memorySink) Flush() error {
	m.flushes++
	return nil
}

func chatAction(id, text string) map[string]any {
	return map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{
				"liveChatTextMessageRenderer": map[string]any{
					"id":      id,
					"message": map[string]any{"runs": []any{map[string]any{"text": text}}},
				},
			},
		},
	}
}

func TestClientIterateLiveChat(t *testing.T) {
	var continuationCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, watchPageHTML(liveInitialData, livePlayerResponse, pageCfg))
	})
	mux.HandleFunc("/live_chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all-token", r.URL.Query().Get("continuation"))
		first := map[string]any{
			"continuationContents": map[string]any{
				"liveChatContinuation": map[string]any{
					"actions": []any{chatAction("m1", "hello")},
					"continuations": []any{map[string]any{
						"invalidationContinuationData": map[string]any{
							"continuation": "next-token",
							"timeoutMs":    0,
						},
					}},
				},
			},
		}
		buf, _ := json.Marshal(first)
		fmt.Fprintf(w, `<html><script>window["ytInitialData"] = %s;</script></html>`, buf)
	})
	mux.HandleFunc("/youtubei/v1/live_chat/get_live_chat", func(w http.ResponseWriter, r *http.Request) {
		continuationCalls++
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "visitor-1", r.Header.Get("x-goog-visitor-id"))
		assert.Equal(t, "1", r.Header.Get("x-youtube-client-name"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "next-token", payload["continuation"])

		// Second batch carries no follow-up continuation, ending the loop.
		resp := map[string]any{
			"continuationContents": map[string]any{
				"liveChatContinuation": map[string]any{
					"actions": []any{chatAction("m2", "world")},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient("abc123xyz00", "")
	require.NoError(t, err)
	client.Base = srv.URL

	sink := &memorySink{}
	require.NoError(t, client.Run(context.Background(), sink, 0))

	assert.Equal(t, 1, continuationCalls)
	require.Len(t, sink.messages, 2)
	assert.Equal(t, "m1", sink.messages[0]["message_id"])
	assert.Equal(t, "hello", sink.messages[0]["message"])
	assert.Equal(t, "m2", sink.messages[1]["message_id"])
	assert.Greater(t, sink.flushes, 0)
}

func TestClientRunReturnsTypedExit(t *testing.T) {
	player := `{
	  "videoDetails": {"videoId": "v"},
	  "playabilityStatus": {
	    "status": "ERROR",
	    "errorScreen": {"playerErrorMessageRenderer": {"reason": {"simpleText": "Video unavailable"}}}
	  }
	}`
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, watchPageHTML(`{"contents": {}}`, player, `{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient("v", "")
	require.NoError(t, err)
	client.Base = srv.URL

	err = client.Run(context.Background(), &memorySink{}, 0)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, ExitUnavailable, exit.Kind)
}

func TestParseNetscapeCookies(t *testing.T) {
	content := "# Netscape HTTP Cookie File\n" +
		"# comment line\n" +
		"\n" +
		".youtube.com\tTRUE\t/\tTRUE\t1700000000\tSAPISID\tsecret-value\n" +
		".youtube.com\tTRUE\t/\tFALSE\t1700000000\tPREF\tf1=5000\n"

	cookies, err := ParseNetscapeCookies(content)
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	assert.Equal(t, "SAPISID", cookies[0].Name)
	assert.Equal(t, "secret-value", cookies[0].Value)
	assert.True(t, cookies[0].Secure)
	assert.False(t, cookies[1].Secure)
}

func TestParseNetscapeCookiesRejectsGarbage(t *testing.T) {
	_, err := ParseNetscapeCookies("SAPISID=abc; PREF=def")
	assert.Error(t, err)

	_, err = ParseNetscapeCookies("# Netscape HTTP Cookie File\nnot\ttabs\tenough\n")
	assert.Error(t, err)
}

func TestSapisidHashShape(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cookies := []*http.Cookie{{Name: "SAPISID", Value: "abc"}}

	hash := sapisidHash(cookies, now)
	assert.Regexp(t, regexp.MustCompile(`^SAPISIDHASH 1700000000_[0-9a-f]{40}$`), hash)

	// The secure variant wins when both are present.
	both := []*http.Cookie{
		{Name: "SAPISID", Value: "abc"},
		{Name: "__Secure-3PAPISID", Value: "xyz"},
	}
	assert.NotEqual(t, hash, sapisidHash(both, now))

	assert.Empty(t, sapisidHash(nil, now))
}
