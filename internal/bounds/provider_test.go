package bounds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"price-tracker/internal/cache"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/history"
	"price-tracker/internal/resilience"
)

type fakeQuery struct {
	mu      sync.Mutex
	calls   int
	domains []string
	results map[string]history.RawProduct
	err     error
}

func (f *fakeQuery) QueryHistory(_ context.Context, asins []string, domain string) (map[string]history.RawProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.domains = append(f.domains, domain)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]history.RawProduct)
	for _, a := range asins {
		if p, ok := f.results[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

func (f *fakeQuery) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func product(current, lo, hi float64) history.RawProduct {
	return history.RawProduct{Stats: map[string]any{"current": current, "min": lo, "max": hi}}
}

func noRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxRetries: 0}
}

func newProvider(q fetcher.HistoryQuery, c cache.Cache, b *resilience.CircuitBreaker) *Provider {
	return New(q, history.NewExtractor(history.DefaultHeuristics()), c, b, Options{TTL: time.Minute, Retry: noRetry(), Domain: "it"}, zerolog.Nop())
}

func TestLookupCachesByOrderIndependentKey(t *testing.T) {
	q := &fakeQuery{results: map[string]history.RawProduct{
		"A000000001": product(1999, 1500, 2500),
		"B000000001": product(1000, 900, 1100),
	}}
	p := newProvider(q, cache.NewMemory(time.Minute), nil)
	ctx := context.Background()

	first, err := p.Lookup(ctx, []string{"B000000001", "A000000001"}, "it", false)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, first["A000000001"].Min.Decimal.Equal(decimal.RequireFromString("15")))

	second, err := p.Lookup(ctx, []string{"A000000001", "B000000001"}, "it", false)
	require.NoError(t, err)
	require.Equal(t, 1, q.Calls(), "reordered batch must hit the cache")
	require.True(t, second["B000000001"].Max.Decimal.Equal(decimal.RequireFromString("11")))
}

func TestLookupForceBypassesCache(t *testing.T) {
	q := &fakeQuery{results: map[string]history.RawProduct{"A000000001": product(1999, 1500, 2500)}}
	p := newProvider(q, cache.NewMemory(time.Minute), nil)
	ctx := context.Background()

	_, err := p.Lookup(ctx, []string{"A000000001"}, "it", false)
	require.NoError(t, err)
	_, err = p.Lookup(ctx, []string{"A000000001"}, "it", true)
	require.NoError(t, err)
	require.Equal(t, 2, q.Calls())

	_, err = p.Lookup(ctx, []string{"A000000001"}, "it", false)
	require.NoError(t, err)
	require.Equal(t, 2, q.Calls(), "forced result repopulates the cache")
}

func TestLookupBoundsUsesSeparateKey(t *testing.T) {
	q := &fakeQuery{results: map[string]history.RawProduct{"A000000001": product(1999, 1500, 2500)}}
	p := newProvider(q, cache.NewMemory(time.Minute), nil)
	ctx := context.Background()

	_, err := p.Lookup(ctx, []string{"A000000001"}, "it", false)
	require.NoError(t, err)
	got, err := p.LookupBounds(ctx, []string{"A000000001"}, "it")
	require.NoError(t, err)
	require.Equal(t, 2, q.Calls())
	require.False(t, got["A000000001"].Current.Valid)
	require.True(t, got["A000000001"].HasBounds())
}

func TestLookupDoesNotCacheEmptyResults(t *testing.T) {
	q := &fakeQuery{results: map[string]history.RawProduct{}}
	p := newProvider(q, cache.NewMemory(time.Minute), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := p.Lookup(ctx, []string{"A000000001"}, "it", false)
		require.NoError(t, err)
		require.Empty(t, got)
	}
	require.Equal(t, 2, q.Calls())
}

func TestLookupFailureDegradesToNoData(t *testing.T) {
	q := &fakeQuery{err: &fetcher.StatusError{Service: "keepa", StatusCode: 503}}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerOptions{Name: "keepa", FailureThreshold: 2, RecoveryTimeout: time.Minute}, zerolog.Nop())
	p := newProvider(q, nil, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := p.Lookup(ctx, []string{"A000000001"}, "", false)
		require.Error(t, err)
		require.Empty(t, got)
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	got, err := p.Lookup(ctx, []string{"A000000001"}, "", false)
	require.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	require.Empty(t, got)
	require.Equal(t, 2, q.Calls(), "open breaker must not reach upstream")
	require.Equal(t, "it", q.domains[0], "empty domain falls back to default")
}

func TestLookupRetriesTransientFailures(t *testing.T) {
	q := &flakyQuery{fakeQuery: fakeQuery{results: map[string]history.RawProduct{"A000000001": product(1999, 1500, 2500)}}, failures: 2}
	p := New(q, history.NewExtractor(history.DefaultHeuristics()), nil, nil, Options{
		Retry: resilience.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1},
	}, zerolog.Nop())

	got, err := p.Lookup(context.Background(), []string{"A000000001"}, "it", false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 3, q.Calls())
}

func TestLookupEmptyInput(t *testing.T) {
	q := &fakeQuery{}
	p := newProvider(q, nil, nil)
	got, err := p.Lookup(context.Background(), []string{" ", ""}, "it", false)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, 0, q.Calls())
}

type flakyQuery struct {
	fakeQuery
	failures int
}

func (f *flakyQuery) QueryHistory(ctx context.Context, asins []string, domain string) (map[string]history.RawProduct, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.calls++
		f.mu.Unlock()
		return nil, context.DeadlineExceeded
	}
	f.mu.Unlock()
	return f.fakeQuery.QueryHistory(ctx, asins, domain)
}
