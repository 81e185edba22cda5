package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"price-tracker/internal/alerting"
	"price-tracker/internal/amazon"
	"price-tracker/internal/domain"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/reconcile"
	"price-tracker/internal/resilience"
	"price-tracker/internal/scheduler"
	"price-tracker/internal/storage"
)

// ErrNoPriceData is returned by Track when neither the page nor the history
// service know a current price.
var ErrNoPriceData = errors.New("couldn't fetch price data")

// DefaultLockKey guards the refresh pass across processes.
const DefaultLockKey int64 = 0x70726963

// URLExpander resolves short links.
type URLExpander interface {
	Expand(ctx context.Context, raw string) (string, error)
}

// Deps are the collaborators of the service. Locker, Expander, Notifier
// and StorageBreaker may be nil.
type Deps struct {
	Products       storage.ProductStore
	History        storage.PriceHistoryStore
	Locker         storage.AdvisoryLocker
	Fetcher        fetcher.ProductFetcher
	Bounds         reconcile.BoundsSource
	Expander       URLExpander
	Notifier       alerting.Notifier
	StorageBreaker *resilience.CircuitBreaker
}

// Options tune the refresh pass.
type Options struct {
	Concurrency   int
	LockKey       int64
	DefaultDomain string
	AffiliateTag  string
	Notify        bool
	Policy        alerting.Policy
}

// Service orchestrates fetching, reconciliation, persistence and alerting.
type Service struct {
	deps       Deps
	opts       Options
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	logger     zerolog.Logger
}

// New constructs the tracking service.
func New(deps Deps, opts Options, sched *scheduler.Scheduler, logger zerolog.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.DefaultDomain == "" {
		opts.DefaultDomain = "it"
	}
	if opts.Policy.AbsoluteDrop.IsZero() && opts.Policy.RelativeDrop.IsZero() {
		opts.Policy = alerting.DefaultPolicy()
	}
	if deps.Locker == nil {
		if l, ok := deps.Products.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	return &Service{
		deps:       deps,
		opts:       opts,
		reconciler: reconcile.New(deps.Bounds, logger),
		scheduler:  sched,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the periodic refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := s.RefreshAll(ctx)
		return err
	})
}

// PassStats summarises one refresh pass.
type PassStats struct {
	RunID         string
	Skipped       bool
	Rows          int
	Products      int
	Refreshed     int
	NoData        int
	FetchFailures int
	Notified      int
	Suppressed    int
	StorageErrors int
	Duration      time.Duration
}

type productKey struct {
	domain string
	asin   string
}

type productGroup struct {
	key  productKey
	rows []storage.TrackedProduct
}

// RefreshAll 刷新全部订阅：每个 (domain, asin) 只抓取、对账一次，
// 结果应用到所有订阅行。单个商品失败不会中断整轮。
func (s *Service) RefreshAll(ctx context.Context) (PassStats, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return PassStats{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip refresh because advisory lock held elsewhere")
		return PassStats{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	stats := PassStats{RunID: uuid.NewString()}
	log := s.logger.With().Str("run_id", stats.RunID).Logger()

	rows, err := storageCall(s.deps.StorageBreaker, func() ([]storage.TrackedProduct, error) {
		return s.deps.Products.ListProducts(ctx)
	})
	if err != nil {
		return stats, fmt.Errorf("list products: %w", err)
	}

	groups := s.groupProducts(rows)
	stats.Rows = len(rows)
	stats.Products = len(groups)
	log.Info().Int("rows", stats.Rows).Int("products", stats.Products).Msg("refresh pass started")

	histories := s.lookupHistories(ctx, log, groups)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(s.opts.Concurrency))
	)
	for _, g := range groups {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Msg("refresh pass interrupted")
			break
		}
		wg.Add(1)
		go func(g productGroup) {
			defer wg.Done()
			defer sem.Release(1)
			outcome := s.refreshGroup(ctx, log, stats.RunID, g, histories[g.key])
			mu.Lock()
			stats.add(outcome)
			mu.Unlock()
		}(g)
	}
	wg.Wait()

	stats.Duration = time.Since(started)
	log.Info().
		Int("refreshed", stats.Refreshed).
		Int("no_data", stats.NoData).
		Int("fetch_failures", stats.FetchFailures).
		Int("notified", stats.Notified).
		Int("suppressed", stats.Suppressed).
		Int("storage_errors", stats.StorageErrors).
		Dur("duration", stats.Duration).
		Msg("refresh pass finished")
	return stats, ctx.Err()
}

func (s *Service) groupProducts(rows []storage.TrackedProduct) []productGroup {
	index := make(map[productKey]int)
	groups := make([]productGroup, 0)
	for _, row := range rows {
		if row.ASIN == "" {
			continue
		}
		d := amazon.NormalizeDomain(row.Domain)
		if d == "" {
			d = s.opts.DefaultDomain
		}
		key := productKey{domain: d, asin: row.ASIN}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, productGroup{key: key})
		}
		groups[i].rows = append(groups[i].rows, row)
	}
	return groups
}

// lookupHistories issues one batched history lookup per domain.
func (s *Service) lookupHistories(ctx context.Context, log zerolog.Logger, groups []productGroup) map[productKey]domain.Triple {
	out := make(map[productKey]domain.Triple, len(groups))
	if s.deps.Bounds == nil {
		return out
	}

	byDomain := make(map[string][]string)
	for _, g := range groups {
		byDomain[g.key.domain] = append(byDomain[g.key.domain], g.key.asin)
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, d := range domains {
		found, err := s.deps.Bounds.Lookup(ctx, byDomain[d], d, false)
		if err != nil {
			log.Warn().Err(err).Str("domain", d).Msg("history lookup failed, continuing without history")
		}
		for asin, t := range found {
			out[productKey{domain: d, asin: asin}] = t
		}
	}
	return out
}

type groupOutcome struct {
	rows          int
	noData        bool
	fetchFailed   bool
	notified      int
	suppressed    int
	storageErrors int
}

func (p *PassStats) add(o groupOutcome) {
	if o.noData {
		p.NoData++
	} else {
		p.Refreshed += o.rows
	}
	if o.fetchFailed {
		p.FetchFailures++
	}
	p.Notified += o.notified
	p.Suppressed += o.suppressed
	p.StorageErrors += o.storageErrors
}

func (s *Service) refreshGroup(ctx context.Context, log zerolog.Logger, runID string, g productGroup, hist domain.Triple) groupOutcome {
	log = log.With().Str("asin", g.key.asin).Str("domain", g.key.domain).Logger()
	outcome := groupOutcome{rows: len(g.rows)}

	productURL := g.rows[0].URL
	if productURL == "" {
		productURL = amazon.ProductURL(g.key.domain, g.key.asin)
	}

	var live fetcher.Product
	if s.deps.Fetcher != nil {
		p, err := s.deps.Fetcher.FetchProduct(ctx, productURL)
		if err != nil {
			outcome.fetchFailed = true
			log.Warn().Err(err).Msg("live fetch failed")
		} else {
			live = p
		}
	}
	if live.Availability == "" {
		live.Availability = domain.AvailabilityUnknown
	}

	result := s.reconciler.Resolve(ctx, reconcile.Input{
		ASIN:      g.key.asin,
		Domain:    g.key.domain,
		Live:      live.Price,
		History:   hist,
		Persisted: mergePersisted(g.rows),
	})
	if !result.Current.Valid {
		outcome.noData = true
		log.Warn().Msg("no price data for product")
		return outcome
	}

	currency := live.Currency
	if currency == "" {
		currency = amazon.CurrencyFor(g.key.domain)
	}

	// a price carried over from storage is not a new observation
	observed := result.CurrentSource == reconcile.SourceLive || result.CurrentSource == reconcile.SourceHistory
	source := "scraping"
	if result.CurrentSource == reconcile.SourceHistory {
		source = "keepa"
	}

	for _, row := range g.rows {
		availability := rowAvailability(live.Availability, row)
		price := result.Current
		var decision alerting.Decision
		if observed {
			decision = s.opts.Policy.Decide(row.LastPrice, result.Current, result.Min, availability)
		} else if row.LastPrice.Valid {
			// each row keeps its own stored price until a new one is observed
			price = row.LastPrice
		}

		if err := s.storageDo(func() error {
			return s.deps.Products.UpdatePrice(ctx, storage.PriceUpdate{
				ProductID:    row.ID,
				Price:        price,
				Currency:     currency,
				Title:        live.Title,
				ImageURL:     live.ImageURL,
				Availability: availability,
			})
		}); err != nil {
			outcome.storageErrors++
			log.Error().Err(err).Int64("product_id", row.ID).Msg("failed to update price")
		}
		if result.HasBounds() && (observed || result.BoundsSource != reconcile.SourceSeeded) {
			if err := s.storageDo(func() error {
				return s.deps.Products.UpdateBounds(ctx, row.ID, result.Min, result.Max)
			}); err != nil {
				outcome.storageErrors++
				log.Error().Err(err).Int64("product_id", row.ID).Msg("failed to update bounds")
			}
		}
		if observed && s.deps.History != nil {
			if err := s.storageDo(func() error {
				return s.deps.History.RecordPricePoint(ctx, storage.PricePoint{
					ProductID:    row.ID,
					Price:        result.Current.Decimal,
					Currency:     currency,
					Availability: availability,
					Source:       source,
					RunID:        runID,
				})
			}); err != nil {
				outcome.storageErrors++
				log.Error().Err(err).Int64("product_id", row.ID).Msg("failed to record price point")
			}
		}

		if decision.Suppressed {
			outcome.suppressed++
			log.Info().Int64("product_id", row.ID).Msg("price drop on unavailable product, notification suppressed")
			continue
		}
		if !decision.Notify {
			continue
		}
		if s.notify(ctx, log, row, live, result, currency, decision) {
			outcome.notified++
		}
	}

	log.Debug().
		Str("current", result.Current.Decimal.String()).
		Str("current_source", string(result.CurrentSource)).
		Str("bounds_source", string(result.BoundsSource)).
		Int("rows", len(g.rows)).
		Msg("product refreshed")
	return outcome
}

func (s *Service) notify(ctx context.Context, log zerolog.Logger, row storage.TrackedProduct, live fetcher.Product, result reconcile.Result, currency string, decision alerting.Decision) bool {
	if !s.opts.Notify || s.deps.Notifier == nil {
		log.Info().Int64("product_id", row.ID).Str("reason", decision.Reason).Msg("notification skipped, alerts disabled")
		return false
	}

	title := live.Title
	if title == "" {
		title = row.Title
	}
	image := live.ImageURL
	if image == "" {
		image = row.ImageURL
	}
	note := alerting.Notification{
		UserID:            strconv.FormatInt(row.UserID, 10),
		ASIN:              row.ASIN,
		Title:             title,
		URL:               s.AffiliateURL(row),
		ImageURL:          image,
		OldPrice:          row.LastPrice.Decimal,
		NewPrice:          result.Current.Decimal,
		MinPrice:          result.Min,
		Currency:          currency,
		HistoricalMinimum: decision.HistoricalMinimum,
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Int64("product_id", row.ID).Msg("failed to dispatch alert")
		return false
	}
	if err := s.storageDo(func() error { return s.deps.Products.RecordNotification(ctx, row.ID) }); err != nil {
		log.Error().Err(err).Int64("product_id", row.ID).Msg("failed to record notification")
	}
	return true
}

// TrackResult is the outcome of Track.
type TrackResult struct {
	Product      storage.TrackedProduct
	AffiliateURL string
	Reconciled   reconcile.Result
}

// Track 解析链接、获取价格并保存订阅。
func (s *Service) Track(ctx context.Context, userID int64, rawURL string) (TrackResult, error) {
	link := rawURL
	if s.deps.Expander != nil {
		expanded, err := s.deps.Expander.Expand(ctx, rawURL)
		if err != nil {
			return TrackResult{}, fmt.Errorf("expand link: %w", err)
		}
		link = expanded
	}

	canonical, asin, marketplace, err := amazon.Canonicalize(link)
	if err != nil {
		return TrackResult{}, err
	}
	log := s.logger.With().Int64("user_id", userID).Str("asin", asin).Str("domain", marketplace).Logger()

	var live fetcher.Product
	if s.deps.Fetcher != nil {
		if p, err := s.deps.Fetcher.FetchProduct(ctx, canonical); err != nil {
			log.Warn().Err(err).Msg("live fetch failed")
		} else {
			live = p
		}
	}

	var hist domain.Triple
	if s.deps.Bounds != nil {
		found, err := s.deps.Bounds.Lookup(ctx, []string{asin}, marketplace, false)
		if err != nil {
			log.Warn().Err(err).Msg("history lookup failed")
		}
		hist = found[asin]
	}

	livePrice := live.Price.Valid && live.Price.Decimal.IsPositive()
	historyPrice := hist.Current.Valid && hist.Current.Decimal.IsPositive()
	if !livePrice && !historyPrice {
		return TrackResult{}, fmt.Errorf("%w for %s", ErrNoPriceData, asin)
	}

	result := s.reconciler.Resolve(ctx, reconcile.Input{ASIN: asin, Domain: marketplace, Live: live.Price, History: hist})

	currency := live.Currency
	if currency == "" {
		currency = amazon.CurrencyFor(marketplace)
	}
	availability := live.Availability
	if availability == "" {
		availability = domain.AvailabilityUnknown
	}

	product, err := storageCall(s.deps.StorageBreaker, func() (storage.TrackedProduct, error) {
		return s.deps.Products.AddProduct(ctx, storage.TrackedProduct{
			UserID:       userID,
			URL:          canonical,
			ASIN:         asin,
			Domain:       marketplace,
			Title:        live.Title,
			Currency:     currency,
			ImageURL:     live.ImageURL,
			LastPrice:    result.Current,
			MinPrice:     result.Min,
			MaxPrice:     result.Max,
			Availability: availability,
		})
	})
	if err != nil {
		return TrackResult{}, fmt.Errorf("save product: %w", err)
	}

	if s.deps.History != nil {
		source := "scraping"
		if result.CurrentSource == reconcile.SourceHistory {
			source = "keepa"
		}
		if err := s.storageDo(func() error {
			return s.deps.History.RecordPricePoint(ctx, storage.PricePoint{
				ProductID:    product.ID,
				Price:        result.Current.Decimal,
				Currency:     currency,
				Availability: availability,
				Source:       source,
			})
		}); err != nil {
			log.Error().Err(err).Int64("product_id", product.ID).Msg("failed to record price point")
		}
	}

	log.Info().Int64("product_id", product.ID).
		Str("price", result.Current.Decimal.String()).
		Str("bounds_source", string(result.BoundsSource)).
		Msg("product tracked")
	return TrackResult{Product: product, AffiliateURL: s.AffiliateURL(product), Reconciled: result}, nil
}

// Untrack removes one of the user's products.
func (s *Service) Untrack(ctx context.Context, userID, productID int64) (bool, error) {
	removed, err := storageCall(s.deps.StorageBreaker, func() (bool, error) {
		return s.deps.Products.RemoveProduct(ctx, userID, productID)
	})
	if err != nil {
		return false, fmt.Errorf("remove product: %w", err)
	}
	s.logger.Info().Int64("user_id", userID).Int64("product_id", productID).Bool("removed", removed).Msg("product untracked")
	return removed, nil
}

// List returns the user's tracked products.
func (s *Service) List(ctx context.Context, userID int64) ([]storage.TrackedProduct, error) {
	products, err := storageCall(s.deps.StorageBreaker, func() ([]storage.TrackedProduct, error) {
		return s.deps.Products.ListProductsByUser(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// AffiliateURL is the shareable link of a product.
func (s *Service) AffiliateURL(p storage.TrackedProduct) string {
	link := p.URL
	if link == "" {
		link = amazon.ProductURL(p.Domain, p.ASIN)
	}
	return amazon.WithAffiliate(link, s.opts.AffiliateTag)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) storageDo(fn func() error) error {
	if s.deps.StorageBreaker == nil {
		return fn()
	}
	return s.deps.StorageBreaker.Execute(fn)
}

func storageCall[T any](breaker *resilience.CircuitBreaker, fn func() (T, error)) (T, error) {
	if breaker == nil {
		return fn()
	}
	return resilience.Call(breaker, fn)
}

// rowAvailability keeps the stored state when the page gave no answer.
func rowAvailability(live domain.Availability, row storage.TrackedProduct) domain.Availability {
	if live != "" && live != domain.AvailabilityUnknown {
		return live
	}
	if row.Availability != "" {
		return row.Availability
	}
	return domain.AvailabilityUnknown
}

// mergePersisted folds every row of one product into a single stored triple:
// widest bounds and the first known last price.
func mergePersisted(rows []storage.TrackedProduct) domain.Triple {
	var merged domain.Triple
	for _, row := range rows {
		merged = reconcile.Widen(merged, row.Triple())
		if !merged.Current.Valid && row.LastPrice.Valid && row.LastPrice.Decimal.GreaterThan(decimal.Zero) {
			merged.Current = row.LastPrice
		}
	}
	return merged
}
