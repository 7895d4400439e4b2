// Package app builds and holds the long-lived services of one crawl run,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/api"
	"github.com/JakeFAU/linkcheck-crawler/internal/clock/system"
	"github.com/JakeFAU/linkcheck-crawler/internal/config"
	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/extractor"
	"github.com/JakeFAU/linkcheck-crawler/internal/hardware"
	"github.com/JakeFAU/linkcheck-crawler/internal/id/uuid"
	"github.com/JakeFAU/linkcheck-crawler/internal/notify"
	"github.com/JakeFAU/linkcheck-crawler/internal/pipeline"
	"github.com/JakeFAU/linkcheck-crawler/internal/pool"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress/sinks"
	"github.com/JakeFAU/linkcheck-crawler/internal/renderer"
	"github.com/JakeFAU/linkcheck-crawler/internal/report"
	"github.com/JakeFAU/linkcheck-crawler/internal/report/blob"
	"github.com/JakeFAU/linkcheck-crawler/internal/report/postgres"
	"github.com/JakeFAU/linkcheck-crawler/internal/report/sqlite"
	"github.com/JakeFAU/linkcheck-crawler/internal/scope"
	"github.com/JakeFAU/linkcheck-crawler/internal/verifier"
)

const closeTimeout = 30 * time.Second

// ErrSeedRequired is returned when no seed URL was configured.
var ErrSeedRequired = errors.New("crawler.seed_url is required")

// Option customizes New. Options mostly exist so tests can swap collaborators.
type Option func(*options)

type options struct {
	writer     report.Writer
	publisher  crawler.Publisher
	sampler    hardware.Sampler
	registerer prometheus.Registerer
	clock      crawler.Clock
}

// WithReportWriter bypasses report.driver and sends results to w.
func WithReportWriter(w report.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithPublisher bypasses the pubsub section and publishes summaries to p.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithSampler replaces host load sampling.
func WithSampler(s hardware.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App holds every service of one crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	runID  [16]byte

	hub       *progress.Hub
	tally     *sinks.TallySink
	reports   *report.Batcher
	monitor   *hardware.Monitor
	renderers *pool.Pool[crawler.Renderer]
	engine    *pipeline.Engine
	notifier  *notify.Notifier
	server    *api.Server

	closers   []closer
	drainOnce sync.Once
	drainErr  error
	closeOnce sync.Once
	closeErr  error
}

// New builds the collaborators described by cfg and an initialized engine.
// On failure everything built so far is torn down.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = system.Clock{}
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}
	if cfg.Crawler.SeedURL == "" {
		return nil, ErrSeedRequired
	}
	if err := config.ValidateSeed(cfg.Crawler.SeedURL); err != nil {
		return nil, err
	}

	runID, err := uuid.New().NewRunID()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", uuid.Format(runID))),
		clock:  o.clock,
		runID:  runID,
	}
	if err := a.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		return nil, multierr.Append(err, a.Close(closeCtx))
	}
	a.logger.Info("application services initialized",
		zap.String("seed", cfg.Crawler.SeedURL),
		zap.String("renderer", cfg.Renderer.Mode),
		zap.String("report", a.reportDriver(o)),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg
	start, err := scope.ParseSeed(cfg.Crawler.SeedURL)
	if err != nil {
		return err
	}
	classifier, err := scope.New(start, scope.Options{
		IncludeSubdomains: cfg.Scope.IncludeSubdomains,
		IncludeHosts:      cfg.Scope.IncludeHosts,
		Aliases:           cfg.Scope.Aliases,
	})
	if err != nil {
		return fmt.Errorf("build scope: %w", err)
	}

	a.tally = sinks.NewTallySink()
	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         a.logger.Named("progress"),
	}, sinks.NewLogSink(a.logger), promSink, a.tally)
	a.push("progress hub", a.hub.Close)

	writer, err := a.buildWriter(ctx, o)
	if err != nil {
		return err
	}
	a.reports, err = report.NewBatcher(writer, report.BatcherConfig{
		BatchSize:     cfg.Report.BatchSize,
		FlushInterval: cfg.Report.FlushInterval,
		Logger:        a.logger,
	})
	if err != nil {
		return multierr.Append(err, writer.Close(ctx))
	}
	a.push("report batcher", a.reports.Close)

	publisher := o.publisher
	if publisher == nil {
		publisher, err = a.buildPublisher(ctx)
		if err != nil {
			return err
		}
	}
	a.notifier = notify.New(publisher, cfg.PubSub.Topic, a.logger)

	verify, err := verifier.NewColly(verifier.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		RequestTimeout: cfg.Crawler.RequestTimeout,
		MaxRedirects:   cfg.Crawler.MaxRedirects,
		MaxBodyBytes:   cfg.Crawler.MaxBodyBytes,
		PerHostRPS:     cfg.Crawler.PerHostRPS,
		PerHostBurst:   int(cfg.Crawler.PerHostRPS) + 1,
	}, classifier, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("build verifier: %w", err)
	}
	extract, err := extractor.NewGoquery(classifier)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}

	a.monitor, err = hardware.NewMonitor(hardware.Config{
		Interval: cfg.Hardware.SampleInterval,
		Thresholds: hardware.Thresholds{
			LowCPUPercent:     cfg.Hardware.LowCPUPercent,
			LowMemoryPercent:  cfg.Hardware.LowMemoryPercent,
			HighCPUPercent:    cfg.Hardware.HighCPUPercent,
			HighMemoryPercent: cfg.Hardware.HighMemoryPercent,
		},
		Sampler: o.sampler,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("build hardware monitor: %w", err)
	}

	factory, err := renderer.NewFactory(renderer.Config{
		Mode: cfg.Renderer.Mode,
		Chromedp: renderer.ChromedpConfig{
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Renderer.NavTimeout,
			SettleDelay:       cfg.Renderer.SettleDelay,
			ExecPath:          cfg.Renderer.ExecPath,
		},
		Static: renderer.StaticConfig{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.Renderer.NavTimeout,
			MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
		},
	}, classifier, a.logger)
	if err != nil {
		return fmt.Errorf("build renderer factory: %w", err)
	}
	a.renderers, err = pool.New(ctx, factory, a.monitor.Signals(), pool.Config{
		Max:    cfg.Pool.MaxSize,
		Logger: a.logger,
		Observer: pool.Observer{
			Resized: a.poolResized,
			Leaked:  a.poolLeaked,
		},
	})
	if err != nil {
		return fmt.Errorf("build renderer pool: %w", err)
	}
	a.push("renderer pool", a.shutdownPool)

	a.engine, err = pipeline.New(pipeline.Config{
		Seed:                       cfg.Crawler.SeedURL,
		RunID:                      a.runID,
		MaxConcurrentVerifications: cfg.Crawler.MaxConcurrentVerifications,
		MaxConcurrentExtractions:   cfg.Crawler.MaxConcurrentExtractions,
		RenderParallelism:          cfg.Pool.MaxSize,
	}, pipeline.Dependencies{
		Classifier: classifier,
		Verifier:   verify,
		Renderers:  a.renderers,
		Extractor:  extract,
		Reports:    a.reports,
		Emitter:    a.hub,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := a.engine.Initialize(); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	if cfg.API.Enabled {
		a.server = api.NewServer(a.engine, a.tally, api.Options{
			RunID: uuid.Format(a.runID),
			Seed:  cfg.Crawler.SeedURL,
		}, a.logger)
	}
	return nil
}

func (a *App) buildWriter(ctx context.Context, o options) (report.Writer, error) {
	if o.writer != nil {
		return o.writer, nil
	}
	cfg := a.cfg.Report
	runID := uuid.Format(a.runID)
	switch cfg.Driver {
	case config.ReportLog, "":
		return report.NewLogWriter(a.logger), nil
	case config.ReportPostgres:
		w, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table}, runID)
		if err != nil {
			return nil, fmt.Errorf("build postgres report writer: %w", err)
		}
		return w, nil
	case config.ReportSQLite:
		w, err := sqlite.New(cfg.SQLite.Path, runID)
		if err != nil {
			return nil, fmt.Errorf("build sqlite report writer: %w", err)
		}
		return w, nil
	case config.ReportLocal:
		store, err := blob.NewLocalStore(cfg.Local.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("build local report store: %w", err)
		}
		return blob.NewWriter(config.ReportLocal, store, cfg.Prefix, runID, a.logger)
	case config.ReportGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := blob.NewGCSStore(client, cfg.GCS.Bucket)
		if err != nil {
			return nil, multierr.Append(err, client.Close())
		}
		// Pushed before the batcher so the client outlives the final upload.
		a.push("gcs client", func(context.Context) error { return store.Close() })
		return blob.NewWriter(config.ReportGCS, store, cfg.Prefix, runID, a.logger)
	default:
		return nil, fmt.Errorf("unknown report driver %q", cfg.Driver)
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return notify.NewMemoryPublisher(), nil
	}
	p, err := notify.NewPubSubPublisher(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("build pubsub publisher: %w", err)
	}
	a.push("pubsub publisher", func(context.Context) error { return p.Close() })
	return p, nil
}

func (a *App) reportDriver(o options) string {
	if o.writer != nil {
		return o.writer.Name()
	}
	return a.cfg.Report.Driver
}

func (a *App) push(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) poolResized(size int) {
	a.hub.Emit(progress.Event{
		RunID: a.runID,
		TS:    a.clock.Now(),
		Kind:  progress.KindPoolResized,
		Count: int64(size),
	})
}

func (a *App) poolLeaked(created, disposed int) {
	a.hub.Emit(progress.Event{
		RunID: a.runID,
		TS:    a.clock.Now(),
		Kind:  progress.KindPoolLeak,
		Count: int64(created - disposed),
		Note:  fmt.Sprintf("created %d disposed %d", created, disposed),
	})
}

func (a *App) shutdownPool(ctx context.Context) error {
	timeout := a.cfg.Pool.ShutdownTimeout
	if timeout <= 0 {
		timeout = closeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.renderers.Shutdown(ctx)
}

// Engine exposes the crawl engine for control surfaces.
func (a *App) Engine() *pipeline.Engine { return a.engine }

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunID returns the run identifier in canonical form.
func (a *App) RunID() string { return uuid.Format(a.runID) }

// Totals returns the verification totals seen so far.
func (a *App) Totals() sinks.Totals { return a.tally.Totals() }

// Run crawls the configured seed, drains every collaborator, and publishes
// the run summary. The returned error is the engine's; a cancelled run
// returns an error wrapping context.Canceled.
func (a *App) Run(ctx context.Context) (notify.Summary, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Run(runCtx)
	}()
	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf(":%d", a.cfg.API.Port)
			if err := a.server.ListenAndServe(runCtx, addr); err != nil {
				a.logger.Error("api server failed", zap.Error(err))
			}
		}()
	}

	started := a.clock.Now()
	state, runErr := a.engine.Run(runCtx)
	stop()
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := a.drain(drainCtx); err != nil {
		a.logger.Warn("drain after run failed", zap.Error(err))
	}

	totals := a.tally.Totals()
	summary := notify.Summary{
		RunID:    a.RunID(),
		Seed:     a.cfg.Crawler.SeedURL,
		State:    state.String(),
		Verified: totals.Verified,
		Broken:   totals.Broken,
		Faults:   totals.Faults,
		Duration: a.clock.Now().Sub(started),
		EndedAt:  a.clock.Now(),
	}
	if _, err := a.notifier.Notify(drainCtx, summary); err != nil {
		a.logger.Error("notify run summary failed", zap.Error(err))
	}
	return summary, runErr
}

// drain shuts the pool, report batcher and hub down in that order, so every
// result and event of the run is flushed before the summary is computed.
func (a *App) drain(ctx context.Context) error {
	a.drainOnce.Do(func() {
		if a.renderers != nil {
			a.drainErr = multierr.Append(a.drainErr, a.shutdownPool(ctx))
		}
		if a.reports != nil {
			a.drainErr = multierr.Append(a.drainErr, a.reports.Close(ctx))
		}
		if a.hub != nil {
			a.drainErr = multierr.Append(a.drainErr, a.hub.Close(ctx))
		}
	})
	return a.drainErr
}

// Close tears services down in reverse construction order. It is safe to
// call more than once and after Run.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.logger.Debug("shutting down application services")
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(ctx); err != nil {
				a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
				a.closeErr = multierr.Append(a.closeErr, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
	})
	return a.closeErr
}
