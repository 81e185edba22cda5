package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-tracker/internal/alerting"
	"price-tracker/internal/amazon"
	"price-tracker/internal/api"
	"price-tracker/internal/bounds"
	"price-tracker/internal/cache"
	"price-tracker/internal/config"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/history"
	"price-tracker/internal/reconcile"
	"price-tracker/internal/resilience"
	"price-tracker/internal/scheduler"
	"price-tracker/internal/service"
	"price-tracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the wired object graph of one command invocation.
type runtime struct {
	store    *storage.Store
	cache    cache.Cache
	breakers *resilience.Registry
	service  *service.Service
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// build wires the service graph. sched may be nil for one-shot commands.
func (a *App) build(ctx context.Context, sched *scheduler.Scheduler, notifier alerting.Notifier) (*runtime, error) {
	rt := &runtime{breakers: resilience.NewRegistry(a.Config.Resilience.Breakers, a.Logger)}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("database.dsn 未配置")
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	c, closeCache, err := a.newCache(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.cache = c
	if closeCache != nil {
		rt.closers = append(rt.closers, closeCache)
	}

	rt.service = service.New(service.Deps{
		Products:       store,
		History:        store,
		Locker:         store,
		Fetcher:        a.newFetcher(rt.breakers),
		Bounds:         a.newBoundsSource(c, rt.breakers),
		Expander:       amazon.NewExpander(a.Config.Scraper.Timeout, a.Config.Scraper.UserAgent),
		Notifier:       notifier,
		StorageBreaker: rt.breakers.Get(resilience.DependencyStorage),
	}, a.serviceOptions(notifier != nil), sched, a.Logger)

	return rt, nil
}

func (a *App) serviceOptions(notify bool) service.Options {
	return service.Options{
		Concurrency:   a.Config.Scraper.Concurrency,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		DefaultDomain: a.Config.Keepa.Domain,
		AffiliateTag:  a.Config.Affiliate.Tag,
		Notify:        notify,
		Policy:        a.Config.Alerting.Policy,
	}
}

func (a *App) newFetcher(breakers *resilience.Registry) fetcher.ProductFetcher {
	scraper := fetcher.NewScraper(fetcher.ScraperOptions{
		Timeout:        a.Config.Scraper.Timeout,
		UserAgent:      a.Config.Scraper.UserAgent,
		AcceptLanguage: a.Config.Scraper.AcceptLanguage,
	}, a.Logger)
	return fetcher.WithResilience(scraper, breakers.Get(resilience.DependencyScraper), a.Config.Resilience.Retry)
}

// newBoundsSource returns nil when no history API key is configured; the
// reconciler then falls back to persisted bounds.
func (a *App) newBoundsSource(c cache.Cache, breakers *resilience.Registry) reconcile.BoundsSource {
	if !a.Config.Keepa.Enabled() {
		a.Logger.Warn().Msg("keepa.api_key 未配置，历史价格查询已禁用")
		return nil
	}
	keepa := fetcher.NewKeepa(fetcher.KeepaOptions{
		BaseURL:   a.Config.Keepa.BaseURL,
		APIKey:    a.Config.Keepa.APIKey,
		StatsDays: a.Config.Keepa.StatsDays,
		BatchSize: a.Config.Keepa.BatchSize,
		Timeout:   a.Config.Keepa.Timeout,
		UserAgent: a.Config.Scraper.UserAgent,
	}, a.Logger)
	return bounds.New(keepa, history.NewExtractor(a.Config.History), c, breakers.Get(resilience.DependencyKeepa), bounds.Options{
		TTL:    a.Config.Cache.TTL,
		Retry:  a.Config.Resilience.Retry,
		Domain: a.Config.Keepa.Domain,
	}, a.Logger)
}

// newCache never fails the command: an unreachable redis degrades to the
// in-process cache.
func (a *App) newCache(ctx context.Context) (cache.Cache, func(), error) {
	if a.Config.Cache.Backend != "redis" {
		return cache.NewMemory(a.Config.Cache.TTL), nil, nil
	}
	opts := a.Config.Cache.Redis
	client, err := cache.NewRedisClient(ctx, opts)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis 不可用，改用内存缓存")
		return cache.NewMemory(a.Config.Cache.TTL), nil, nil
	}
	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return cache.NewRedis(client, opts.Namespace, a.Config.Cache.TTL, a.Logger), closer, nil
}

// newNotifier returns nil when alerting is disabled. Without Telegram
// credentials alerts go to the log.
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		if _, err := a.migrateUp(); err != nil {
			return nil, nil, err
		}
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running tracking service until SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Name:         "refresh",
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	rt, err := a.build(ctx, sched, a.newNotifier())
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.service.Run(gctx)
	})
	g.Go(func() error {
		return a.sweepCache(gctx, rt.cache)
	})
	if a.Config.API.Enabled {
		server := api.New(api.Options{
			Addr:            a.Config.API.Addr,
			Mode:            a.Config.API.Mode,
			ShutdownTimeout: a.Config.API.ShutdownTimeout,
		}, api.Deps{
			Health:   rt.store,
			Breakers: rt.breakers,
			Cache:    rt.cache,
		}, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting tracking service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tracking service stopped")
	return nil
}

func (a *App) sweepCache(ctx context.Context, c cache.Cache) error {
	interval := a.Config.Scheduler.CacheSweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	sweeper := scheduler.New(scheduler.Options{Name: "cache_sweep", Interval: interval}, a.Logger)
	return sweeper.Run(ctx, func(ctx context.Context, _ time.Time) error {
		removed := c.ClearExpired(ctx)
		if removed > 0 {
			a.Logger.Debug().Int("removed", removed).Msg("expired cache entries cleared")
		}
		return nil
	})
}

// ExportOptions hold parameters for exporting a product's price history.
type ExportOptions struct {
	ProductID int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ProductID int64
	Limit     int
}

// TrackOptions configure the track command.
type TrackOptions struct {
	UserID int64
	URL    string
}

func requireProductID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("product id must be positive, got %d", id)
	}
	return nil
}
