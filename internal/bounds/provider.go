// Package bounds serves historical price bounds per ASIN, fronting the
// history provider with a TTL cache, a circuit breaker and retries.
package bounds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"price-tracker/internal/cache"
	"price-tracker/internal/domain"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/history"
	"price-tracker/internal/resilience"
)

// Options tune the provider.
type Options struct {
	TTL    time.Duration
	Retry  resilience.RetryPolicy
	Domain string
}

// Provider looks up (min, max, current) triples.
type Provider struct {
	query     fetcher.HistoryQuery
	extractor *history.Extractor
	cache     cache.Cache
	breaker   *resilience.CircuitBreaker
	opts      Options
	group     singleflight.Group
	logger    zerolog.Logger
}

// New wires a provider. cache and breaker may be nil.
func New(query fetcher.HistoryQuery, extractor *history.Extractor, c cache.Cache, breaker *resilience.CircuitBreaker, opts Options, logger zerolog.Logger) *Provider {
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = fetcher.IsRetryable
	}
	return &Provider{
		query:     query,
		extractor: extractor,
		cache:     c,
		breaker:   breaker,
		opts:      opts,
		logger:    logger.With().Str("component", "bounds_provider").Logger(),
	}
}

// Lookup returns full triples for asins. force skips and overwrites the
// cached entry. On upstream failure the map is empty and the error says why;
// callers treat it as "no data".
func (p *Provider) Lookup(ctx context.Context, asins []string, domainName string, force bool) (map[string]domain.Triple, error) {
	return p.lookup(ctx, cache.PrefixBoundsCurrent, asins, domainName, force, p.extractor.Extract)
}

// LookupBounds is the simplified bounds-only query.
func (p *Provider) LookupBounds(ctx context.Context, asins []string, domainName string) (map[string]domain.Triple, error) {
	return p.lookup(ctx, cache.PrefixBounds, asins, domainName, false, p.extractor.ExtractBoundsOnly)
}

func (p *Provider) lookup(ctx context.Context, prefix string, asins []string, domainName string, force bool, extract func(history.RawProduct) domain.Triple) (map[string]domain.Triple, error) {
	asins = dedupe(asins)
	if len(asins) == 0 {
		return map[string]domain.Triple{}, nil
	}
	if domainName == "" {
		domainName = p.opts.Domain
	}

	key := cache.BoundsKey(prefix, domainName, asins)
	if force {
		if p.cache != nil {
			p.cache.Delete(ctx, key)
		}
	} else {
		var cached map[string]domain.Triple
		if cache.GetJSON(ctx, p.cache, key, &cached) {
			p.logger.Debug().Str("key", key).Msg("bounds cache hit")
			return cached, nil
		}
	}

	flight := key
	if force {
		flight = "force:" + key
	}
	v, err, shared := p.group.Do(flight, func() (any, error) {
		return p.fetch(ctx, asins, domainName, extract)
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("domain", domainName).Int("asins", len(asins)).Msg("bounds lookup failed")
		return map[string]domain.Triple{}, err
	}

	result := v.(map[string]domain.Triple)
	if shared {
		result = copyTriples(result)
	} else if len(result) > 0 {
		cache.SetJSON(ctx, p.cache, key, result, p.opts.TTL)
	}
	return result, nil
}

func (p *Provider) fetch(ctx context.Context, asins []string, domainName string, extract func(history.RawProduct) domain.Triple) (map[string]domain.Triple, error) {
	raw, err := resilience.Retry(ctx, p.opts.Retry, func(ctx context.Context) (map[string]history.RawProduct, error) {
		if p.breaker == nil {
			return p.query.QueryHistory(ctx, asins, domainName)
		}
		return resilience.Call(p.breaker, func() (map[string]history.RawProduct, error) {
			return p.query.QueryHistory(ctx, asins, domainName)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	out := make(map[string]domain.Triple, len(raw))
	for asin, product := range raw {
		t := extract(product)
		if t.IsEmpty() {
			continue
		}
		out[strings.ToUpper(asin)] = t
	}
	return out, nil
}

func dedupe(asins []string) []string {
	seen := make(map[string]struct{}, len(asins))
	out := make([]string, 0, len(asins))
	for _, a := range asins {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func copyTriples(in map[string]domain.Triple) map[string]domain.Triple {
	out := make(map[string]domain.Triple, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
