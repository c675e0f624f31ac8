package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/accounting"
	"github.com/pario-ai/relay/pkg/admission"
	"github.com/pario-ai/relay/pkg/cache/semantic"
	cachestore "github.com/pario-ai/relay/pkg/cache/sqlite"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/embedding"
	"github.com/pario-ai/relay/pkg/ledger"
	"github.com/pario-ai/relay/pkg/logging"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/provider"
	"github.com/pario-ai/relay/pkg/registry"
	"github.com/pario-ai/relay/pkg/router"
	"github.com/pario-ai/relay/pkg/schedule"
	"github.com/pario-ai/relay/pkg/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if watch {
				go func() {
					err := config.Watch(ctx, configPath, logger, a.Reload)
					if err != nil {
						logger.Error("config watch stopped", zap.Error(err))
					}
				}()
			}

			logger.Info("starting relay",
				zap.String("config", configPath),
				zap.Int("providers", len(cfg.Providers)),
				zap.Bool("cache", cfg.Cache.Enabled))
			return a.server.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload tier limits and primary provider when the config file changes")
	return cmd
}

// app holds every long-lived component of a running relay.
type app struct {
	logger    *zap.Logger
	admission *admission.Controller
	registry  *registry.Registry
	cache     *semantic.Cache
	reporter  *accounting.Reporter
	scheduler *schedule.CronScheduler
	server    *server.Server

	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dispatcher := provider.NewHTTPDispatcher(cfg.Providers, logger.Named("dispatch"))

	a.registry = registry.New(registry.Options{
		FailureThreshold: cfg.Health.FailureThreshold,
		CoolDown:         cfg.Health.CoolDown,
		MaxCoolDown:      cfg.Health.MaxCoolDown,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		Weights: registry.Weights{
			Success: cfg.Health.Weights.Success,
			Latency: cfg.Health.Weights.Latency,
			Cost:    cfg.Health.Weights.Cost,
		},
		Prober: &provider.Prober{Dispatcher: dispatcher, Query: cfg.Health.ProbeQuery},
		Logger: logger.Named("registry"),
	})
	a.closers = append(a.closers, func() error { a.registry.Stop(); return nil })
	for _, p := range cfg.Providers {
		if err := a.registry.Register(p.Name); err != nil {
			return nil, fmt.Errorf("register provider %q: %w", p.Name, err)
		}
	}
	if cfg.Primary != "" {
		if err := a.registry.SetPrimary(cfg.Primary); err != nil {
			return nil, fmt.Errorf("set primary: %w", err)
		}
	}

	a.admission = admission.New(cfg.Admission)

	var led *ledger.SQLiteLedger
	var sink accounting.Sink
	if cfg.Accounting.Persist {
		var err error
		led, err = ledger.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		a.closers = append(a.closers, led.Close)
		sink = led
	}
	a.reporter = accounting.New(accounting.Options{
		BufferSize: cfg.Accounting.BufferSize,
		Sink:       sink,
		Logger:     logger.Named("accounting"),
	})
	a.closers = append(a.closers, func() error { a.reporter.Stop(); return nil })

	var cache router.Cache
	if cfg.Cache.Enabled {
		gw, err := embedding.New(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("init embedding gateway: %w", err)
		}
		opts := semantic.Options{
			Threshold: cfg.Cache.Threshold,
			Capacity:  cfg.Cache.Capacity,
			MaxAge:    cfg.Cache.MaxAge,
			Logger:    logger.Named("cache"),
		}
		if cfg.Cache.Persist {
			store, err := cachestore.New(cfg.DBPath)
			if err != nil {
				return nil, fmt.Errorf("init cache store: %w", err)
			}
			a.closers = append(a.closers, store.Close)
			opts.Persister = store
		}
		a.cache = semantic.New(gw, opts)
		if opts.Persister != nil {
			n, err := a.cache.Warm(ctx)
			if err != nil {
				logger.Warn("cache warm failed", zap.Error(err))
			} else {
				logger.Info("cache warmed", zap.Int("entries", n))
			}
		}
		cache = a.cache
	}

	engine := router.New(a.admission, cache, a.registry, dispatcher, a.reporter, router.Options{
		MaxFailovers:    cfg.Router.MaxFailovers,
		DispatchTimeout: cfg.Router.DispatchTimeout,
		EmbedTimeout:    cfg.Router.EmbedTimeout,
		Logger:          logger.Named("router"),
	})

	if err := a.schedule(ctx, cfg, led); err != nil {
		return nil, err
	}

	deps := server.Deps{
		Router:     engine,
		Providers:  a.registry,
		Admission:  a.admission,
		Accounting: a.reporter,
		Logger:     logger.Named("http"),
	}
	if a.cache != nil {
		deps.Cache = a.cache
	} else {
		deps.Cache = disabledCache{}
	}
	if led != nil {
		deps.Ledger = led
	}
	a.server = server.New(cfg.Listen, deps)

	ok = true
	return a, nil
}

func (a *app) schedule(ctx context.Context, cfg *config.Config, led *ledger.SQLiteLedger) error {
	a.scheduler = schedule.NewCronScheduler(a.logger.Named("schedule"))
	jobs := 0
	if a.cache != nil && cfg.Cache.SweepInterval > 0 {
		job := &schedule.CacheSweepJob{Cache: a.cache, Logger: a.logger}
		if err := a.scheduler.AddJob(job, "@every "+cfg.Cache.SweepInterval.String()); err != nil {
			return fmt.Errorf("schedule cache sweep: %w", err)
		}
		jobs++
	}
	if led != nil && cfg.Accounting.RetentionDays > 0 {
		job := &schedule.LedgerRetentionJob{
			Ledger:    led,
			Retention: time.Duration(cfg.Accounting.RetentionDays) * 24 * time.Hour,
			Logger:    a.logger,
		}
		if err := a.scheduler.AddJob(job, cfg.Accounting.RetentionSpec); err != nil {
			return fmt.Errorf("schedule ledger retention: %w", err)
		}
		jobs++
	}
	if jobs == 0 {
		a.scheduler = nil
		return nil
	}
	a.scheduler.Start(ctx)
	a.closers = append(a.closers, func() error { a.scheduler.Stop(); return nil })
	return nil
}

// Reload applies the hot-reloadable parts of a changed config.
func (a *app) Reload(cfg *config.Config) {
	a.admission.SetTiers(cfg.Admission)
	if cfg.Primary != "" {
		if err := a.registry.SetPrimary(cfg.Primary); err != nil {
			a.logger.Warn("reload primary failed", zap.String("primary", cfg.Primary), zap.Error(err))
		}
	}
}

// Close releases components in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}

// disabledCache answers the cache endpoints when the cache is turned off.
type disabledCache struct{}

func (disabledCache) Stats() models.CacheStats     { return models.CacheStats{} }
func (disabledCache) Entries() []models.CacheEntry { return nil }
func (disabledCache) Clear(context.Context) error  { return nil }
