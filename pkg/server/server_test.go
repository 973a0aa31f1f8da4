package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/ratelimit"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestServer(t *testing.T, config *types.Config) *Server {
	t.Helper()
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(t.TempDir(), "server_test.db")
	}
	s, err := New(config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewDefaults(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	assert.Equal(t, "8080", s.config.Port)
	assert.Equal(t, DefaultCallbackPath, s.config.CallbackPath)
	assert.Equal(t, "sqlite", s.Store().Type())
	assert.NotNil(t, s.Service())
	assert.NotNil(t, s.States())
	assert.NotNil(t, s.Tokens())
}

func TestNewRejectsRelativeCallbackPath(t *testing.T) {
	_, err := New(&types.Config{
		DatabaseDSN:  filepath.Join(t.TempDir(), "bad.db"),
		CallbackPath: "callback",
	}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	handler := s.GetHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthDatabaseClosed(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	handler := s.GetHandler()
	require.NoError(t, s.db.Close())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	srv := httptest.NewServer(s.GetHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCallbackRateLimited(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	s.rateLimiter = ratelimit.NewRateLimiter(time.Minute, 1)
	handler := s.GetHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	s.rateLimiter = ratelimit.NewRateLimiter(time.Minute, 1)
	handler := s.GetHandler()

	for i, want := range []int{http.StatusBadRequest, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/callback", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
}

func TestRateLimitTrustsForwardedForBehindProxy(t *testing.T) {
	s := newTestServer(t, &types.Config{TrustProxy: true})
	s.rateLimiter = ratelimit.NewRateLimiter(time.Minute, 1)
	handler := s.GetHandler()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/callback", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i)
	}
}

func TestNewWarnsWithoutPublicURL(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s, err := New(&types.Config{DatabaseDSN: filepath.Join(t.TempDir(), "warn.db")}, zap.New(core))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, 1, logs.FilterMessageSnippet("PUBLIC_URL not set").Len())

	core, logs = observer.New(zap.WarnLevel)
	s2, err := New(&types.Config{
		DatabaseDSN: filepath.Join(t.TempDir(), "quiet.db"),
		PublicURL:   "https://app.example.com",
	}, zap.New(core))
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.Zero(t, logs.FilterMessageSnippet("PUBLIC_URL not set").Len())
}

func TestCustomCallbackPath(t *testing.T) {
	s := newTestServer(t, &types.Config{CallbackPath: "/auth/qq/callback"})
	handler := s.GetHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/qq/callback?error=access_denied", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfilePreflight(t *testing.T) {
	s := newTestServer(t, &types.Config{})
	handler := s.GetHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/profile", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profile", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestServer(t, &types.Config{RedisURL: "redis://" + mr.Addr()})

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.locker)
	require.NotNil(t, s.scheduler)

	require.NoError(t, s.scheduler.RunCleanup(context.Background()))
}

func TestStartInvalidSchedule(t *testing.T) {
	s := newTestServer(t, &types.Config{RefreshSchedule: "not a schedule"})
	assert.Error(t, s.Start(context.Background()))
}
