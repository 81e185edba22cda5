package fetcher

import (
	"context"

	"price-tracker/internal/resilience"
)

// resilientFetcher runs every page fetch through a breaker and retry policy.
type resilientFetcher struct {
	inner   ProductFetcher
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
}

// WithResilience guards a ProductFetcher. A nil breaker only retries.
func WithResilience(inner ProductFetcher, breaker *resilience.CircuitBreaker, policy resilience.RetryPolicy) ProductFetcher {
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	return &resilientFetcher{inner: inner, breaker: breaker, policy: policy}
}

func (f *resilientFetcher) FetchProduct(ctx context.Context, url string) (Product, error) {
	return resilience.Retry(ctx, f.policy, func(ctx context.Context) (Product, error) {
		if f.breaker == nil {
			return f.inner.FetchProduct(ctx, url)
		}
		return resilience.Call(f.breaker, func() (Product, error) {
			return f.inner.FetchProduct(ctx, url)
		})
	})
}

var _ ProductFetcher = (*resilientFetcher)(nil)
