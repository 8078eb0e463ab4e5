package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/config"
	"ArenaIngest/internal/credentials"
	"ArenaIngest/internal/dedup"
	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/infrastructure/alert"
	"ArenaIngest/internal/infrastructure/directory"
	"ArenaIngest/internal/infrastructure/providers"
	"ArenaIngest/internal/infrastructure/queue"
	"ArenaIngest/internal/infrastructure/storage"
	"ArenaIngest/internal/logging"
	"ArenaIngest/internal/normalizer"
	"ArenaIngest/internal/ports"
	"ArenaIngest/internal/ratelimit"
	"ArenaIngest/internal/usecase"
)

const providerTimeout = 30 * time.Second

// Application wires configs to use cases and owns the resources they share.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.RecordStore
	redis    *redis.Client
	registry *collector.Registry
	pool     *credentials.Pool
	pipeline *usecase.Pipeline
}

// New builds the application from cfg. The caller must Close it.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Application{cfg: cfg, logger: baseLogger}

	alerter := newAlerter(cfg.Alerts, baseLogger.With("component", "alert"))

	a.pool = credentials.New(
		credentials.WithCooldown(cfg.Orchestrator.CooldownInitial, cfg.Orchestrator.CooldownMax),
		credentials.WithCheckoutTimeout(cfg.Orchestrator.CheckoutTimeout),
		credentials.WithAlerter(alerter),
		credentials.WithLogger(baseLogger.With("component", "credentials")),
	)
	for _, c := range cfg.Credentials {
		err := a.pool.Add(credentials.Credential{
			ID:       c.ID,
			Platform: c.Platform,
			Kind:     domain.CredentialKind(c.Kind),
			Secret:   c.Secret,
		})
		if err != nil {
			return nil, err
		}
	}

	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimits))
	for platform, l := range cfg.RateLimits {
		limits[platform] = ratelimit.Limit{Requests: l.Requests, Window: l.Window}
	}
	limiter := ratelimit.New(limits, ratelimit.WithLogger(baseLogger.With("component", "ratelimit")))

	norm, err := normalizer.New(
		[]byte(cfg.Pseudonymization.Salt),
		newDirectory(cfg.PublicFigures, baseLogger.With("component", "directory")),
		normalizer.WithLogger(baseLogger.With("component", "normalizer")),
	)
	if err != nil {
		return nil, err
	}

	a.registry = collector.NewRegistry()
	for _, name := range cfg.Providers.Enabled {
		provider, err := newProvider(name, cfg.Providers, baseLogger.With("component", "provider."+name))
		if err != nil {
			return nil, err
		}
		a.registry.Register(provider)
		caps := provider.Capabilities()
		norm.RegisterPlatform(normalizer.Profile{
			Platform:    caps.Platform,
			Arena:       caps.Arena,
			ContentType: caps.ContentType,
			Hints:       caps.FieldHints,
		})
	}

	a.store, err = storage.Open(cfg.Database.Driver, cfg.Database.DSN, baseLogger.With("component", "storage"))
	if err != nil {
		return nil, err
	}

	var enrichment ports.EnrichmentQueue
	if cfg.Queue.RedisURL != "" {
		a.redis, err = queue.Connect(ctx, cfg.Queue.RedisURL)
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		enrichment = queue.NewRedis(a.redis, cfg.Queue.Key)
	}

	dedupOpts := []dedup.Option{
		dedup.WithPairwiseCeiling(cfg.Dedup.PairwiseCeiling),
		dedup.WithLogger(baseLogger.With("component", "dedup")),
	}
	if cfg.Dedup.Threshold != nil {
		dedupOpts = append(dedupOpts, dedup.WithThreshold(*cfg.Dedup.Threshold))
	}

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Registry:   a.registry,
		Pool:       a.pool,
		Limiter:    limiter,
		Normalizer: norm,
		Alerter:    alerter,
		Logger:     baseLogger.With("component", "orchestrator"),
	},
		usecase.WithConcurrency(cfg.Orchestrator.Concurrency),
		usecase.WithMaxAttempts(cfg.Orchestrator.MaxAttempts),
		usecase.WithRetryBackoff(cfg.Orchestrator.RetryInitial, cfg.Orchestrator.RetryMax),
		usecase.WithRunTimeout(cfg.Orchestrator.RunTimeout),
	)

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Orchestrator: orchestrator,
		Store:        a.store,
		Dedup:        dedup.New(dedupOpts...),
		Queue:        enrichment,
		Logger:       baseLogger.With("component", "pipeline"),
	})
	return a, nil
}

func newAlerter(cfg config.AlertsConfig, logger *slog.Logger) ports.Alerter {
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		return alert.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	return alert.NewLog(logger)
}

func newDirectory(cfg config.PublicFiguresConfig, logger *slog.Logger) ports.PublicFigureDirectory {
	chain := directory.Chain{directory.NewStatic(cfg.Static)}
	if cfg.DirectoryURL != "" {
		remote := directory.NewHTTP(collector.NewRestClient(providerTimeout), cfg.DirectoryURL, 0, logger)
		chain = append(chain, directory.NewCached(remote, cfg.CacheSize, cfg.CacheTTL))
	}
	return chain
}

func newProvider(name string, cfg config.ProvidersConfig, logger *slog.Logger) (collector.ProviderClient, error) {
	switch name {
	case providers.PlatformRSS:
		feeds := make([]providers.RSSFeed, 0, len(cfg.RSS.Feeds))
		for _, f := range cfg.RSS.Feeds {
			feeds = append(feeds, providers.RSSFeed{Name: f.Name, URL: f.URL})
		}
		return providers.NewRSSProvider(collector.NewRestClient(providerTimeout), feeds, logger), nil
	case providers.PlatformGDELT:
		return providers.NewGDELTProvider(collector.NewRestClient(providerTimeout), cfg.GDELT.BaseURL, logger), nil
	case providers.PlatformBluesky:
		return providers.NewBlueskyProvider(collector.NewRestClient(providerTimeout), cfg.Bluesky.BaseURL, cfg.Bluesky.MaxPages, logger), nil
	case providers.PlatformSerper:
		return providers.NewSerperProvider(collector.NewRestClient(providerTimeout), cfg.Serper.BaseURL, cfg.Serper.Country, cfg.Serper.Language, logger), nil
	case providers.PlatformTelegram:
		return providers.NewTelegramProvider(cfg.Telegram.BaseURL, cfg.Telegram.Politeness, cfg.Telegram.MaxPages, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Migrate brings the record store schema up to date.
func (a *Application) Migrate(ctx context.Context) error {
	return a.store.Migrate(ctx)
}

// Collect runs queries and stores, deduplicates and publishes what they return.
func (a *Application) Collect(ctx context.Context, queries []domain.Query) (usecase.Report, error) {
	return a.pipeline.Collect(ctx, queries)
}

// DedupWindow re-clusters stored records of scope published in [from, to).
func (a *Application) DedupWindow(ctx context.Context, scope string, from, to time.Time) (domain.RunDuplicateReport, error) {
	return a.pipeline.DedupWindow(ctx, scope, from, to)
}

// Capabilities lists what each enabled provider supports.
func (a *Application) Capabilities() []collector.Capabilities {
	return a.registry.Capabilities()
}

// CredentialStates reports every pooled credential, grouped by kind.
func (a *Application) CredentialStates() []credentials.EntryState {
	var out []credentials.EntryState
	for _, kind := range a.pool.Kinds() {
		out = append(out, a.pool.Snapshot(kind)...)
	}
	return out
}

// Close releases the database and queue connections.
func (a *Application) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
