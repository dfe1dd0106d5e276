package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatyMusic/maty-sub002/internal/auth"
	"github.com/MatyMusic/maty-sub002/internal/logger"
)

func newREST(base string, admin bool) *REST {
	sess := auth.Static("me", admin)
	sess.Token = "tok-1"
	return NewREST(base, sess, 2*time.Second, logger.Nop())
}

func TestHistoryParsesPageAndAuthorship(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/peer-1", r.URL.Path)
		assert.Equal(t, "40", r.URL.Query().Get("limit"))
		assert.Equal(t, "m10", r.URL.Query().Get("before"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get(auth.AdminHeader))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"items": []WireMessage{
				{ID: "m08", From: "peer-1", To: "me", Text: "theirs", At: at},
				{ID: "m09", From: "me", To: "peer-1", Text: "mine", At: at.Add(time.Minute)},
			},
			"nextCursor": "m08",
		})
	}))
	defer srv.Close()

	page, err := newREST(srv.URL, false).History(context.Background(), "peer-1", 40, "m10")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m08", page.NextCursor)
	assert.False(t, page.Items[0].FromMe)
	assert.True(t, page.Items[1].FromMe)
	assert.Equal(t, "peer-1", page.Items[0].PeerID)
}

func TestHistoryUnauthorizedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, false).History(context.Background(), "peer-1", 40, "")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load(), "401 is terminal, no retry")
}

func TestHistoryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "items": []WireMessage{}})
	}))
	defer srv.Close()

	page, err := newREST(srv.URL, false).History(context.Background(), "peer-1", 40, "")
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestHistoryMalformedBodyDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, false).History(context.Background(), "peer-1", 40, "")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestPostConfirmsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Text      string `json:"text"`
			ReplyToID string `json:"replyToId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Text)
		assert.Equal(t, "m01", body.ReplyToID)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"item": WireMessage{ID: "srv-9", From: "me", To: "peer-1", Text: body.Text, At: time.Now().UTC()},
		})
	}))
	defer srv.Close()

	m, err := newREST(srv.URL, false).Post(context.Background(), "peer-1", "hello", "m01")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "srv-9", m.ID)
	assert.True(t, m.FromMe)
}

func TestPostPaywall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "payment required", "upgrade": "/upgrade"})
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, false).Post(context.Background(), "peer-1", "x", "")
	assert.ErrorIs(t, err, ErrUpgradeRequired)

	// privileged session: soft-allow with no confirmed item
	m, err := newREST(srv.URL, true).Post(context.Background(), "peer-1", "x", "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestPostSendsAdminHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, auth.AdminHeaderValue, r.Header.Get(auth.AdminHeader))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"item": WireMessage{ID: "srv-1", From: "me", To: "peer-1", Text: "x", At: time.Now().UTC()},
		})
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, true).Post(context.Background(), "peer-1", "x", "")
	require.NoError(t, err)
}

func TestPostExplicitNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "rate limited"})
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, false).Post(context.Background(), "peer-1", "x", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadResponse)
}
