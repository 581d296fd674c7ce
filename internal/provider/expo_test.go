package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
)

func TestIsExpoPushToken(t *testing.T) {
	valid := []string{
		"ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]",
		"ExpoPushToken[abc]",
		"F5741A13-BCDA-434B-A316-5DC0E6FFA94F",
		"f5741a13-bcda-434b-a316-5dc0e6ffa94f",
	}
	invalid := []string{
		"",
		"tokenA",
		"ExponentPushToken[]",
		"ExponentPushToken[abc",
		"fcm:abc",
		"f5741a13bcda434ba3165dc0e6ffa94f",
	}
	for _, s := range valid {
		require.True(t, IsExpoPushToken(s), s)
	}
	for _, s := range invalid {
		require.False(t, IsExpoPushToken(s), s)
	}
}

func TestChunk(t *testing.T) {
	msgs := make([]PushMessage, 250)
	chunks := Chunk(msgs, 0)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 100)
	require.Len(t, chunks[1], 100)
	require.Len(t, chunks[2], 50)

	require.Len(t, Chunk(msgs[:5], 2), 3)
	require.Empty(t, Chunk(nil, 10))
	require.Len(t, Chunk(msgs, 500), 3, "size is capped at the service limit")
}

func TestExpoSendPayloadAndTickets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var payload []map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload, 2)
		require.Equal(t, "ExpoPushToken[a]", payload[0]["to"])
		require.Equal(t, "default", payload[0]["sound"])
		require.Equal(t, "T", payload[0]["title"])
		data := payload[0]["data"].(map[string]any)
		require.Equal(t, "u1", data["from"])

		_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"t-1"},{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}}]}`))
	}))
	defer server.Close()

	e := NewExpo(ExpoOptions{URL: server.URL, AccessToken: "tok", QPS: 100, Burst: 10, Timeout: time.Second})
	tickets, err := e.Send(context.Background(), []PushMessage{
		{To: "ExpoPushToken[a]", Sound: "default", Title: "T", Body: "B", Data: map[string]any{"from": "u1"}},
		{To: "ExpoPushToken[b]", Sound: "default", Title: "T", Body: "B"},
	})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	require.True(t, tickets[0].OK())
	require.Equal(t, "t-1", tickets[0].ID)
	require.False(t, tickets[1].OK())
	require.Equal(t, "DeviceNotRegistered", tickets[1].ErrorCode())
}

func TestExpoSendHTTPErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status    int
		temporary bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		e := NewExpo(ExpoOptions{URL: server.URL})
		_, err := e.Send(context.Background(), []PushMessage{{To: "ExpoPushToken[a]"}})
		server.Close()

		var he *HTTPError
		require.True(t, errors.As(err, &he))
		require.Equal(t, tc.status, he.StatusCode)
		require.Equal(t, tc.temporary, IsTemporary(err), "status %d", tc.status)
	}
}

func TestExpoSendRequestLevelErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"code":"PUSH_TOO_MANY_EXPERIENCE_IDS","message":"mixed projects"}]}`))
	}))
	defer server.Close()

	_, err := NewExpo(ExpoOptions{URL: server.URL}).Send(context.Background(), []PushMessage{{To: "ExpoPushToken[a]"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "PUSH_TOO_MANY_EXPERIENCE_IDS")
	require.False(t, IsTemporary(err))
}

func TestExpoSendRejectsOversizedBatch(t *testing.T) {
	_, err := NewExpo(ExpoOptions{URL: "http://127.0.0.1:1"}).Send(context.Background(), make([]PushMessage, MaxChunkSize+1))
	require.Error(t, err)
}

func TestIsTemporary(t *testing.T) {
	require.False(t, IsTemporary(nil))
	require.False(t, IsTemporary(context.Canceled))
	require.True(t, IsTemporary(context.DeadlineExceeded))
	require.False(t, IsTemporary(errors.New("bad payload")))
}

func TestDummyTickets(t *testing.T) {
	d := &Dummy{Latency: time.Millisecond}
	tickets, err := d.Send(context.Background(), []PushMessage{{To: "ExpoPushToken[a]"}, {To: "junk"}})
	require.NoError(t, err)
	require.True(t, tickets[0].OK())
	require.NotEmpty(t, tickets[0].ID)
	require.Equal(t, "DeviceNotRegistered", tickets[1].ErrorCode())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Dummy{Latency: time.Second}).Send(ctx, []PushMessage{{To: "ExpoPushToken[a]"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFromConfig(t *testing.T) {
	_, ok := FromConfig(config.ExpoConfig{}).(*Dummy)
	require.True(t, ok)

	e, ok := FromConfig(config.ExpoConfig{PushURL: "http://push.local", AccessToken: "secret", QPS: 10, Burst: 5}).(*Expo)
	require.True(t, ok)
	require.Equal(t, "http://push.local", e.url)
	require.Equal(t, "secret", e.token)
	require.NotNil(t, e.limiter)
}
