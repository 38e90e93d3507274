package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agora/api"
)

func TestDoDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusConflict, api.KindEscrowExists, "already locked")
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	err := c.Do(context.Background(), http.MethodPost, "/escrow", map[string]any{}, nil)
	require.Error(t, err)
	require.Equal(t, api.KindEscrowExists, api.KindOf(err))
	var typed *api.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, http.StatusConflict, typed.Status)
	require.Equal(t, "already locked", typed.Message)
}

func TestDoIdempotentRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"account_id": "a-x"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Backoff: time.Millisecond}
	var out struct {
		AccountID string `json:"account_id"`
	}
	require.NoError(t, c.DoIdempotent(context.Background(), http.MethodPost, "/accounts", map[string]string{"agent_id": "a-x"}, &out))
	require.Equal(t, "a-x", out.AccountID)
	require.EqualValues(t, 3, calls.Load())
}

func TestDoIdempotentDoesNotRetryConflicts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		api.WriteError(w, http.StatusConflict, api.KindConflict, "raced")
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Backoff: time.Millisecond}
	err := c.DoIdempotent(context.Background(), http.MethodPost, "/salary", map[string]any{}, nil)
	require.Equal(t, api.KindConflict, api.KindOf(err))
	require.EqualValues(t, 1, calls.Load())
}

func TestTokenSourceSetsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		api.WriteJSON(w, http.StatusOK, map[string]any{})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: func() (string, error) { return "tok-1", nil }}
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/claims/clm-1", nil, nil))
}
