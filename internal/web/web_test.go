package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonsync/internal/config"
	"lessonsync/internal/syncer"
)

func do(t *testing.T, h http.Handler, method, path string, auth ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	s := NewServer(config.DefaultConfig(), nil, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.Record(time.Now(), syncer.Result{Added: 3, Applied: true}, nil)
	rec = do(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got runStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.OK)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.Added)
	assert.True(t, got.Result.Applied)

	s.Record(time.Now(), syncer.Result{}, errors.New("calendar down"))
	rec = do(t, h, http.MethodGet, "/api/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.OK)
	assert.Equal(t, "calendar down", got.Error)
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h := NewServer(cfg, nil, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)

	rec := do(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "admin", "wrong").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/status", "admin", "secret").Code)
}

func TestBasicAuthDisabledWhenIncomplete(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin"}
	h := NewServer(cfg, nil, nil).Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/status").Code)
}

func TestRefresh(t *testing.T) {
	calls := 0
	trigger := func(context.Context) (syncer.Result, error) {
		calls++
		if calls == 2 {
			return syncer.Result{}, errors.New("login failed")
		}
		return syncer.Result{Removed: 1, Applied: true}, nil
	}
	s := NewServer(config.DefaultConfig(), trigger, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/refresh").Code)
	assert.Zero(t, calls)

	rec := do(t, h, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	var got runStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Result.Removed)

	rec = do(t, h, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "login failed")

	rec = do(t, h, http.MethodGet, "/api/status")
	assert.Contains(t, rec.Body.String(), "login failed")
}

func TestRefreshWithoutTrigger(t *testing.T) {
	h := NewServer(config.DefaultConfig(), nil, nil).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/refresh").Code)
}
