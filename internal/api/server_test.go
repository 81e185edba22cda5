package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"price-tracker/internal/cache"
	"price-tracker/internal/resilience"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(deps Deps) *Server {
	return New(Options{Mode: "test"}, deps, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	healthy := newTestServer(Deps{Health: pingFunc(func(context.Context) error { return nil })})
	rec := get(t, healthy, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"healthy"`)

	down := newTestServer(Deps{Health: pingFunc(func(context.Context) error { return errors.New("refused") })})
	rec = get(t, down, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database unreachable")
}

func TestBreakers(t *testing.T) {
	registry := resilience.NewRegistry(map[string]resilience.BreakerOptions{
		resilience.DependencyKeepa: {FailureThreshold: 1, RecoveryTimeout: time.Minute},
	}, zerolog.Nop())
	_ = registry.Get(resilience.DependencyKeepa).Execute(func() error { return errors.New("boom") })

	rec := get(t, newTestServer(Deps{Breakers: registry}), "/breakers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Breakers []resilience.Snapshot `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Breakers, 1)
	require.Equal(t, "keepa", body.Breakers[0].Name)
	require.Equal(t, "open", body.Breakers[0].State)
}

func TestCacheStats(t *testing.T) {
	rec := get(t, newTestServer(Deps{}), "/cache")
	require.Equal(t, http.StatusNotFound, rec.Code)

	mem := cache.NewMemory(time.Minute)
	mem.Set(context.Background(), "k", []byte(`{"a":1}`), 0)
	_, _ = mem.Get(context.Background(), "k")
	_, _ = mem.Get(context.Background(), "missing")

	rec = get(t, newTestServer(Deps{Cache: mem}), "/cache")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Entries)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0", Mode: "test", ShutdownTimeout: time.Second}, Deps{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
