// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/api"
	"github.com/JakeFAU/doorplate-crawler/internal/batch"
	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
	"github.com/JakeFAU/doorplate-crawler/internal/clock/system"
	"github.com/JakeFAU/doorplate-crawler/internal/config"
	"github.com/JakeFAU/doorplate-crawler/internal/id/uuid"
	"github.com/JakeFAU/doorplate-crawler/internal/metrics"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
	pubsubpublisher "github.com/JakeFAU/doorplate-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/doorplate-crawler/internal/ratelimit"
	"github.com/JakeFAU/doorplate-crawler/internal/retry"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
	blobsink "github.com/JakeFAU/doorplate-crawler/internal/sink/blob"
	pgsink "github.com/JakeFAU/doorplate-crawler/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/doorplate-crawler/internal/sink/pubsub"
	"github.com/JakeFAU/doorplate-crawler/internal/solver"
	gcsstore "github.com/JakeFAU/doorplate-crawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/doorplate-crawler/internal/storage/local"
	collytransport "github.com/JakeFAU/doorplate-crawler/internal/transport/colly"
	restytransport "github.com/JakeFAU/doorplate-crawler/internal/transport/resty"
)

// Constructors for the networked sinks. Tests replace them.
var (
	openPostgres = func(ctx context.Context, cfg pgsink.Config) (postgresSink, error) {
		return pgsink.New(ctx, cfg)
	}
	dialPubSub = func(ctx context.Context, projectID, topicID string) (publisher, error) {
		return pubsubpublisher.Dial(ctx, projectID, topicID)
	}
	openBucket = func(ctx context.Context, bucket string) (blobsink.Store, func() error, error) {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	}
)

type postgresSink interface {
	sink.Sink
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

type publisher interface {
	pubsubsink.Publisher
	Close() error
}

type closer struct {
	name string
	fn   func() error
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *batch.Orchestrator
	sink         sink.Sink
	checks       []api.ReadinessCheck
	closers      []closer
}

// New builds every service described by cfg. It fails fast and releases
// whatever was already opened when a service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}

	transports, err := a.transports()
	if err != nil {
		return nil, err
	}
	captcha, err := a.solver()
	if err != nil {
		return nil, err
	}
	a.orchestrator, err = batch.New(batch.Config{
		Concurrency:      cfg.Batch.Concurrency,
		MaxAttempts:      cfg.Batch.MaxAttempts,
		MaterializeLimit: cfg.Batch.MaterializeLimit,
		PartitionTimeout: cfg.PartitionTimeout(),
		MaxEmptyPages:    cfg.Batch.MaxEmptyPages,
		Query: portal.QueryConfig{
			PageSize:      cfg.Portal.PageSize,
			DateSeparator: cfg.Portal.DateSeparator,
		},
		Challenge: portal.ChallengeConfig{
			AnswerLength:  cfg.Portal.AnswerLength,
			MinImageBytes: cfg.Portal.MinImageBytes,
		},
	}, batch.Dependencies{
		Transports: transports,
		Solver:     captcha,
		Clock:      system.New(),
		Retry: retry.New(retry.Config{
			MaxAttempts: cfg.HTTP.MaxRetries + 1,
			BaseDelay:   cfg.BackoffInitial(),
			MaxDelay:    cfg.BackoffMax(),
		}),
		IDs:    uuid.New(),
		Labels: catalog.DistrictName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	if err := a.sinks(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("transport", cfg.HTTP.Transport),
		zap.String("solver", cfg.Solver.Kind),
		zap.Strings("sinks", cfg.Sink.Kinds),
	)
	return a, nil
}

func (a *App) transports() (portal.TransportFactory, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
		Burst:             a.cfg.HTTP.Burst,
	})
	var (
		factory portal.TransportFactory
		err     error
	)
	switch a.cfg.HTTP.Transport {
	case config.TransportResty:
		factory, err = restytransport.NewFactory(restytransport.Config{
			BaseURL:   a.cfg.Portal.BaseURL,
			UserAgent: a.cfg.Portal.UserAgent,
			Timeout:   a.cfg.HTTPTimeout(),
			Limiter:   limiter,
		})
	default:
		factory, err = collytransport.NewFactory(collytransport.Config{
			BaseURL:   a.cfg.Portal.BaseURL,
			UserAgent: a.cfg.Portal.UserAgent,
			Timeout:   a.cfg.HTTPTimeout(),
			Limiter:   limiter,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", a.cfg.HTTP.Transport, err)
	}
	return factory, nil
}

func (a *App) solver() (portal.Solver, error) {
	if a.cfg.Solver.Kind == config.SolverFixed {
		a.logger.Warn("using a fixed captcha answer; only useful against test portals")
		return solver.Fixed(a.cfg.Solver.FixedAnswer), nil
	}
	s, err := solver.NewHTTP(solver.HTTPConfig{
		Endpoint: a.cfg.Solver.Endpoint,
		APIKey:   a.cfg.Solver.APIKey,
		Timeout:  a.cfg.SolverTimeout(),
	}, a.logger.Named("solver"))
	if err != nil {
		return nil, fmt.Errorf("build solver: %w", err)
	}
	return s, nil
}

func (a *App) sinks(ctx context.Context) error {
	var multi sink.Multi
	for _, kind := range a.cfg.Sink.Kinds {
		s, err := a.buildSink(ctx, kind)
		if err != nil {
			return fmt.Errorf("build %s sink: %w", kind, err)
		}
		multi = append(multi, s)
	}
	switch len(multi) {
	case 0:
		a.sink = sink.Nop{}
	case 1:
		a.sink = multi[0]
	default:
		a.sink = multi
	}
	return nil
}

func (a *App) buildSink(ctx context.Context, kind string) (sink.Sink, error) {
	switch kind {
	case config.SinkLog:
		return sink.NewLog(a.logger.Named("sink")), nil
	case config.SinkPostgres:
		pg, err := openPostgres(ctx, pgsink.Config{
			DSN:         a.cfg.DB.DSN,
			LogTable:    a.cfg.DB.LogTable,
			RecordTable: a.cfg.DB.RecordTable,
			MaxConns:    a.cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		a.addCloser("postgres", func() error { pg.Close(); return nil })
		if a.cfg.DB.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.checks = append(a.checks, pg.Ping)
		return pg, nil
	case config.SinkLocal:
		store, err := localstore.New(localstore.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, err
		}
		return blobsink.New(store, a.cfg.Storage.Prefix, a.logger.Named("sink"))
	case config.SinkGCS:
		store, release, err := openBucket(ctx, a.cfg.Storage.GCSBucket)
		if err != nil {
			return nil, err
		}
		a.addCloser("gcs", release)
		return blobsink.New(store, a.cfg.Storage.Prefix, a.logger.Named("sink"))
	case config.SinkPubSub:
		pub, err := dialPubSub(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, err
		}
		a.addCloser("pubsub", pub.Close)
		return pubsubsink.New(pub)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Runner returns the batch orchestrator.
func (a *App) Runner() api.BatchRunner { return a.orchestrator }

// Sink returns the fan-out of every configured sink.
func (a *App) Sink() sink.Sink { return a.sink }

// ReadinessChecks returns the probes of networked dependencies.
func (a *App) ReadinessChecks() []api.ReadinessCheck {
	return append([]api.ReadinessCheck(nil), a.checks...)
}

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	return api.NewServer(a.orchestrator, a.sink, a.cfg, a.logger, a.checks...)
}

// Close releases services in reverse order of creation. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close service failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
