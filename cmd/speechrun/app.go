package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/chunk"
	"github.com/snarg/speechrun/internal/config"
	"github.com/snarg/speechrun/internal/database"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/metrics"
	"github.com/snarg/speechrun/internal/notify"
	"github.com/snarg/speechrun/internal/orchestrator"
	"github.com/snarg/speechrun/internal/poller"
	"github.com/snarg/speechrun/internal/results"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/storage"
	"github.com/snarg/speechrun/internal/vendor"
)

// jobStore is what the commands need from either store backend.
type jobStore interface {
	job.Store
	Sources(ctx context.Context) ([]string, error)
	CountIncomplete(ctx context.Context) (int, error)
}

// app holds the process-wide backends. Each is opened on first use so
// commands that do not need a backend never touch it.
type app struct {
	cfg         *config.Config
	log         zerolog.Logger
	sourceID    string
	retryFailed bool
	startTime   time.Time

	db       *database.DB
	jobs     jobStore
	results  storage.ResultStore
	services []storage.BackgroundService
	mqtt     *notify.MQTTNotifier
	notifier notify.Notifier
	client   vendor.Client
}

func newApp(cfg *config.Config, log zerolog.Logger) *app {
	return &app{cfg: cfg, log: log, notifier: notify.Nop{}}
}

func (a *app) close() {
	for _, svc := range a.services {
		svc.Stop()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// openJobs opens the configured job store, migrating the schema when it
// lives in PostgreSQL.
func (a *app) openJobs(ctx context.Context) (jobStore, error) {
	if a.jobs != nil {
		return a.jobs, nil
	}
	switch a.cfg.JobStore {
	case "postgres":
		dbLog := a.log.With().Str("component", "database").Logger()
		db, err := database.Connect(ctx, a.cfg.DatabaseURL, dbLog)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.jobs = database.NewJobStore(db)
	default:
		fs, err := job.NewFileStore(a.cfg.JobDir)
		if err != nil {
			return nil, err
		}
		a.jobs = fs
	}
	return a.jobs, nil
}

// openResults opens the result store and starts its background services.
func (a *app) openResults() (storage.ResultStore, error) {
	if a.results != nil {
		return a.results, nil
	}
	storeLog := a.log.With().Str("component", "storage").Logger()
	store, services, err := storage.New(a.cfg.S3, a.cfg.ResultDir, storeLog)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		svc.Start()
	}
	a.results = store
	a.services = services
	return store, nil
}

// openNotifier connects to MQTT when a broker is configured. A broker that
// cannot be reached is logged and lifecycle events are dropped.
func (a *app) openNotifier() (notify.Notifier, error) {
	if a.mqtt != nil || a.cfg.MQTT.BrokerURL == "" {
		return a.notifier, nil
	}
	n, err := notify.ConnectMQTT(notify.MQTTOptions{
		BrokerURL:   a.cfg.MQTT.BrokerURL,
		ClientID:    a.cfg.MQTT.ClientID,
		Username:    a.cfg.MQTT.Username,
		Password:    a.cfg.MQTT.Password,
		TopicPrefix: a.cfg.MQTT.TopicPrefix,
		Log:         a.log,
	})
	if err != nil {
		return a.notifier, fmt.Errorf("connect mqtt: %w", err)
	}
	a.mqtt = n
	a.notifier = n
	return n, nil
}

// openClient builds the batch client of the configured vendor.
func (a *app) openClient() (vendor.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if err := a.cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	c, err := newVendorClient(a.cfg, retry.Policy{
		MaxAttempts: a.cfg.Submit.MaxAttempts,
		Initial:     a.cfg.Submit.Backoff,
		Max:         a.cfg.Submit.MaxBackoff,
		Multiplier:  2,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("vendor", c.Name()).Msg("batch vendor selected")
	a.client = c
	return c, nil
}

// orchestrator wires the batch pipeline: vendor client, poller, fetcher
// and stores.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	client, err := a.openClient()
	if err != nil {
		return nil, err
	}
	jobs, err := a.openJobs(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.openResults()
	if err != nil {
		return nil, err
	}
	notifier, err := a.openNotifier()
	if err != nil {
		a.log.Warn().Err(err).Msg("lifecycle notifications disabled")
	}

	p := poller.New(client, jobs, retry.SystemClock{}, poller.Options{
		Interval:    a.cfg.Poll.Interval,
		MaxWait:     a.cfg.Poll.MaxWait,
		RetryBudget: a.cfg.Poll.RetryBudget,
	}, a.log)
	p.OnChange(func(rec job.Record) {
		notifier.Publish(context.WithoutCancel(ctx), notify.JobEvent(rec))
	})

	return orchestrator.New(orchestrator.Options{
		Submitter:    client,
		Poller:       p,
		Fetcher:      results.NewFetcher(client, jobs, store, a.log),
		Jobs:         jobs,
		Results:      store,
		Splitter:     chunk.FFmpegSplitter{OutDir: a.cfg.ChunkDir},
		Prober:       chunk.FFprobe{},
		Notifier:     notifier,
		ChunkMax:     a.cfg.Chunk.Max,
		ChunkMin:     a.cfg.Chunk.Min,
		Concurrency:  a.cfg.Concurrency,
		MaxReplans:   a.cfg.MaxReplans,
		CancelPolicy: orchestrator.CancelPolicy(a.cfg.CancelPolicy),
		Embeddings:   a.cfg.Embeddings,
		Log:          a.log,
	}), nil
}

// registerCollector exposes live job-store gauges on /metrics.
func (a *app) registerCollector() {
	var pool *pgxpool.Pool
	if a.db != nil {
		pool = a.db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, a.jobs))
}
