// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	pubsubv2 "cloud.google.com/go/pubsub/v2"

	"github.com/scrapeloop/schedbench/internal/config"
	"github.com/scrapeloop/schedbench/internal/id"
	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/oracle"
	"github.com/scrapeloop/schedbench/internal/publisher"
	pubsubpublisher "github.com/scrapeloop/schedbench/internal/publisher/pubsub"
	"github.com/scrapeloop/schedbench/internal/queueservice"
	"github.com/scrapeloop/schedbench/internal/report"
	reportpostgres "github.com/scrapeloop/schedbench/internal/report/postgres"
	"github.com/scrapeloop/schedbench/internal/storage"
	storagegcs "github.com/scrapeloop/schedbench/internal/storage/gcs"
	storagelocal "github.com/scrapeloop/schedbench/internal/storage/local"
)

// App holds all the shared, long-lived services for one run. It is built
// once at startup and passed to the commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	oracle    *oracle.Oracle
	ids       *id.Generator
	client    *queueservice.Client
	store     report.Store
	archive   storage.BlobStore
	publisher publisher.Publisher

	pubsubShutdown func()
	gcsClose       func() error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Collector returns the latency/error metrics collector.
func (a *App) Collector() *metrics.Collector { return a.collector }

// Oracle returns the correctness oracle, or nil when checking is disabled.
func (a *App) Oracle() *oracle.Oracle { return a.oracle }

// IDs returns the run-scoped identifier generator.
func (a *App) IDs() *id.Generator { return a.ids }

// Client returns the queue-service client.
func (a *App) Client() *queueservice.Client { return a.client }

// Store returns the run-summary store.
func (a *App) Store() report.Store { return a.store }

// Archive returns the report blob store.
func (a *App) Archive() storage.BlobStore { return a.archive }

// Publisher returns the run-completion publisher.
func (a *App) Publisher() publisher.Publisher { return a.publisher }

// NewApp builds the service container from configuration. It fails fast if
// any configured provider cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(cfg.Run.MetricsBufferSize),
		store:     report.NoOpStore{},
		archive:   storage.NoOpStore{},
		publisher: publisher.NoOp{},
	}

	if cfg.Run.CorrectnessChecking {
		a.oracle = oracle.New()
	}

	ids, err := id.NewGenerator()
	if err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}
	a.ids = ids

	var observer queueservice.Observer
	if a.oracle != nil {
		observer = a.oracle
	}
	a.client = queueservice.New(queueservice.Config{
		BaseURL:    cfg.Service.URL,
		Timeout:    cfg.ServiceTimeout(),
		JobTimeout: cfg.Service.JobTimeoutMs,
		WorkerID:   ids.WorkerID(),
		Verbose:    cfg.Verbose,
	}, a.collector, observer, logger)

	if cfg.DB.DSN != "" {
		logger.Info("connecting to postgres for run summaries")
		store, err := reportpostgres.NewStore(ctx, reportpostgres.Config{
			DSN:   cfg.DB.DSN,
			Table: cfg.DB.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("init run store: %w", err)
		}
		a.store = store
	}

	switch cfg.Archive.Provider {
	case "local":
		blob, err := storagelocal.New(storagelocal.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		a.archive = blob
	case "gcs":
		gcs, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		blob, err := storagegcs.New(gcs, storagegcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			_ = gcs.Close()
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = blob
		a.gcsClose = gcs.Close
	case "noop":
		logger.Info("report archiving disabled")
	}

	if cfg.PubSub.Enabled {
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.PubSub.TopicID))
		client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicID))
		a.publisher = pub
		a.pubsubShutdown = func() {
			pub.Shutdown()
			_ = client.Close()
		}
	}

	return a, nil
}

// Close shuts down every provider the container owns.
func (a *App) Close() {
	if a.pubsubShutdown != nil {
		a.pubsubShutdown()
	}
	if a.gcsClose != nil {
		if err := a.gcsClose(); err != nil {
			a.logger.Warn("close gcs client failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
