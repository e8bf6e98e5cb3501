// Package app wires the sentinel components into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/otedama-sentinel/internal/api"
	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/config"
	"github.com/shizukutanaka/otedama-sentinel/internal/database"
	"github.com/shizukutanaka/otedama-sentinel/internal/dataset"
	"github.com/shizukutanaka/otedama-sentinel/internal/guard"
	"github.com/shizukutanaka/otedama-sentinel/internal/logging"
	"github.com/shizukutanaka/otedama-sentinel/internal/monitoring"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const breakerEventTimeout = 5 * time.Second

// Application owns the scorer, one guard per protected resource and the
// optional persistence, metrics and HTTP surfaces.
type Application struct {
	logger  *zap.Logger
	config  *config.Config
	scorer  *sentinel.Scorer
	guards  []*guard.Guard
	metrics *monitoring.Metrics
	db      *database.DB
	server  *api.Server
}

// New assembles the application from cfg. Nothing is served until Run.
func New(logger *zap.Logger, cfg *config.Config) (*Application, error) {
	detectors, err := cfg.Sentinel.BuildDetectors()
	if err != nil {
		return nil, fmt.Errorf("failed to build detectors: %w", err)
	}
	scorer, err := sentinel.NewScorer(cfg.Sentinel.EnsembleConfig(), detectors, logging.WithComponent(logger, "sentinel"))
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}

	a := &Application{
		logger:  logger,
		config:  cfg,
		scorer:  scorer,
		metrics: monitoring.New(logging.WithComponent(logger, "metrics"), cfg.Metrics),
	}

	if cfg.Database.Enabled {
		a.db, err = database.New(logging.WithComponent(logger, "database"), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	for _, resource := range cfg.Resources {
		g, err := a.newGuard(resource)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.guards = append(a.guards, g)
	}

	if cfg.API.Enabled {
		var opts []api.Option
		if cfg.Metrics.Enabled {
			opts = append(opts, api.WithMetricsHandler(cfg.Metrics.Path, a.metrics.Handler()))
		}
		if a.db != nil {
			opts = append(opts, api.WithStore(a.db))
		}
		a.server, err = api.NewServer(cfg.API, logging.WithComponent(logger, "api"), scorer, a.guards, opts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}

	return a, nil
}

func (a *Application) newGuard(resource string) (*guard.Guard, error) {
	br := breaker.New(resource, a.config.Breaker, logging.WithComponent(a.logger, "breaker"))

	opts := []guard.Option{}
	if a.config.Metrics.Enabled {
		if err := a.metrics.TrackBreaker(br); err != nil {
			return nil, err
		}
		opts = append(opts, guard.WithSink(a.metrics))
	}
	if a.db != nil {
		a.db.TrackBreaker(br, breakerEventTimeout)
		opts = append(opts, guard.WithSink(a.db))
	}
	return guard.New(resource, a.scorer, br, logging.WithComponent(a.logger, "guard"), opts...), nil
}

// Scorer returns the shared ensemble scorer.
func (a *Application) Scorer() *sentinel.Scorer { return a.scorer }

// Guards returns the guards in configuration order.
func (a *Application) Guards() []*guard.Guard { return a.guards }

// Guard returns the guard protecting resource.
func (a *Application) Guard(resource string) (*guard.Guard, bool) {
	for _, g := range a.guards {
		if g.Name() == resource {
			return g, true
		}
	}
	return nil, false
}

// DB returns the detection store, or nil when persistence is disabled.
func (a *Application) DB() *database.DB { return a.db }

// Server returns the API server, or nil when the API is disabled.
func (a *Application) Server() *api.Server { return a.server }

// Train fits the scorer on the configured training CSV. It is a no-op when
// no training file is configured.
func (a *Application) Train(ctx context.Context) error {
	path := a.config.Training.File
	if path == "" {
		a.logger.Warn("No training file configured; detection is unavailable until the scorer is fitted")
		return nil
	}

	ds, err := dataset.LoadFile(path,
		dataset.WithHeader(a.config.Training.Header),
		dataset.WithLenient(a.config.Training.Lenient),
	)
	if err != nil {
		return fmt.Errorf("failed to load training data: %w", err)
	}

	start := time.Now()
	if err := a.scorer.Fit(ctx, ds.Rows); err != nil {
		return fmt.Errorf("failed to fit scorer: %w", err)
	}
	a.logger.Info("Training complete",
		zap.String("file", path),
		zap.String("samples", humanize.Comma(int64(len(ds.Rows)))),
		zap.Int("skipped", ds.Skipped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Reload applies the settings that can change at runtime. Detector, breaker
// and resource changes need a restart and are only reported.
func (a *Application) Reload(cfg *config.Config) error {
	if err := a.scorer.SetLadder(cfg.Sentinel.Ladder()); err != nil {
		return fmt.Errorf("failed to apply severity ladder: %w", err)
	}
	if cfg.Breaker != a.config.Breaker {
		a.logger.Warn("Breaker settings changed; restart to apply")
	}
	if fmt.Sprint(cfg.Sentinel.Detectors) != fmt.Sprint(a.config.Sentinel.Detectors) ||
		fmt.Sprint(cfg.Resources) != fmt.Sprint(a.config.Resources) {
		a.logger.Warn("Detector or resource settings changed; restart to apply")
	}
	return nil
}

// Run serves the API and the standalone metrics exporter until ctx is
// cancelled or one of them fails.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("Starting sentinel",
		zap.Strings("resources", a.config.Resources),
		zap.Bool("fitted", a.scorer.Fitted()),
		zap.Bool("api", a.server != nil),
		zap.Bool("database", a.db != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	if a.config.Metrics.Enabled {
		g.Go(func() error { return a.metrics.Start(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close releases the database, if any.
func (a *Application) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
