package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/notifier"
)

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the chat message", func(t *testing.T) {
		var got payload
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set(MessageIDHeader, "msg-1")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		tr, err := New(srv.URL, WithHeader("Authorization", "Bearer token"))
		require.NoError(t, err)

		msg := notifier.NewChatMessage("deploy finished")
		msg.Options = map[string]any{"channel": "ops"}
		sent, err := tr.Send(ctx, msg)
		require.NoError(t, err)

		assert.Equal(t, "deploy finished", got.Text)
		assert.Equal(t, "ops", got.Options["channel"])
		assert.Equal(t, "Bearer token", auth)
		assert.Equal(t, "msg-1", sent.MessageID)
		assert.Equal(t, tr.String(), sent.Transport)
	})

	t.Run("error responses are transport errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		tr, err := New(srv.URL)
		require.NoError(t, err)

		_, err = tr.Send(ctx, notifier.NewChatMessage("hi"))
		var te *notifier.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
		assert.Contains(t, te.Error(), "rate limited")
	})

	t.Run("failover moves to the next webhook", func(t *testing.T) {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer down.Close()
		hits := 0
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusNoContent)
		}))
		defer up.Close()

		primary, err := New(down.URL)
		require.NoError(t, err)
		secondary, err := New(up.URL)
		require.NoError(t, err)
		fo, err := notifier.NewFailoverTransport([]notifier.Transport{primary, secondary}, time.Minute)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			sent, err := fo.Send(ctx, notifier.NewChatMessage("hi"))
			require.NoError(t, err)
			assert.Equal(t, secondary.String(), sent.Transport)
		}
		assert.Equal(t, 3, hits)
	})

	t.Run("only chat messages are supported", func(t *testing.T) {
		tr, err := New("https://hooks.example.com/x")
		require.NoError(t, err)

		assert.True(t, tr.Supports(notifier.NewChatMessage("hi")))
		assert.False(t, tr.Supports(notifier.SMSMessage{Phone: "1"}))
	})

	t.Run("rejects invalid endpoints", func(t *testing.T) {
		_, err := New("ftp://example.com")
		assert.Error(t, err)
	})
}
