/*
Package service assembles every kapp component into one running process,
grounded on the teacher's pkg/manager constructor-and-Start/Stop style:
New builds the dependency graph leaves-first and returns an error
on the first failure, Start launches every background loop, and Stop tears
them down in reverse order.
*/
package service

import (
	"context"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/assetstore"
	"github.com/cuemby/kapp/pkg/config"
	"github.com/cuemby/kapp/pkg/content"
	"github.com/cuemby/kapp/pkg/dkgclient"
	"github.com/cuemby/kapp/pkg/events"
	"github.com/cuemby/kapp/pkg/healthmonitor"
	"github.com/cuemby/kapp/pkg/jobqueue"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/metrics"
	"github.com/cuemby/kapp/pkg/poller"
	"github.com/cuemby/kapp/pkg/publish"
	"github.com/cuemby/kapp/pkg/security"
	"github.com/cuemby/kapp/pkg/types"
	"github.com/cuemby/kapp/pkg/walletpool"
	"github.com/cuemby/kapp/pkg/worker"
)

// Service wires ContentStore, AssetStore, WalletPool, PublishExecutor,
// JobQueue, Worker, QueuePoller, HealthMonitor, the metrics Collector, and
// the event Broker into a single running process.
type Service struct {
	cfg *config.Config

	db  *sqlx.DB
	rdb *redis.Client

	Content content.Store
	Assets  *assetstore.Store
	Wallets *walletpool.Pool
	Queue   *jobqueue.Queue
	Events  *events.Broker

	poller    *poller.Poller
	workers   *worker.Pool
	health    *healthmonitor.Monitor
	collector *metrics.Collector

	logger zerolog.Logger
}

// New builds every component from cfg but does not start any background
// loop; callers run Start afterward once they are ready to accept work.
func New(cfg *config.Config) (*Service, error) {
	logger := log.WithComponent("service")

	db, err := openPostgres(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("service: open postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	contentStore, err := newContentStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("service: build content store: %w", err)
	}

	secrets, err := secretsManagerFromEnv()
	if err != nil {
		return nil, fmt.Errorf("service: build secrets manager: %w", err)
	}

	assets := assetstore.New(db, contentStore)
	wallets := walletpool.New(db, secrets)
	queue := jobqueue.New(rdb)
	broker := events.NewBroker()

	dkg := dkgclient.New(cfg.DkgEndpoint, cfg.PublishTimeout)
	executor := publish.New(contentStore, dkg)

	workerPool := worker.New(assets, wallets, queue, executor, worker.Config{
		WorkerCount: cfg.WorkerCount,
	})
	queuePoller := poller.New(assets, wallets, queue, cfg.PollFrequency)
	healthCfg := healthmonitor.DefaultConfig()
	healthCfg.StuckAssignedInterval = cfg.HealthCheckInterval
	healthCfg.AssignedTimeout = cfg.AssignedTimeout
	healthCfg.PublishingTimeout = cfg.PublishingTimeout
	monitor := healthmonitor.New(assets, wallets, queue, healthCfg)
	collector := metrics.NewCollector(assets, wallets, queue)

	return &Service{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		Content:   contentStore,
		Assets:    assets,
		Wallets:   wallets,
		Queue:     queue,
		Events:    broker,
		poller:    queuePoller,
		workers:   workerPool,
		health:    monitor,
		collector: collector,
		logger:    logger,
	}, nil
}

// Start launches the worker pool, queue poller, health monitor, and
// metrics collector. It returns once every loop has been launched; the
// loops themselves keep running until ctx is canceled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.workers.Start(ctx)
	s.poller.Start(ctx)
	s.health.Start(ctx)
	s.collector.Start(ctx)
	s.logger.Info().
		Int("workers", s.cfg.WorkerCount).
		Dur("poll_frequency", s.cfg.PollFrequency).
		Msg("kapp service started")
}

// Stop halts every background loop Start launched, in reverse order, then
// closes the database and Redis connections. Only call this after Start;
// a Service built with New but never started should use Close instead, or
// this blocks waiting for loops that never began.
func (s *Service) Stop() error {
	s.collector.Stop()
	s.health.Stop()
	s.poller.Stop()
	s.workers.Stop()
	return s.Close()
}

// Close releases the database and Redis connections without touching any
// background loop. It is what one-shot CLI commands (submit, status,
// wallets, queue) call after New, since they never run Start.
func (s *Service) Close() error {
	if err := s.rdb.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("error closing redis client")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("service: close postgres: %w", err)
	}
	s.logger.Info().Msg("kapp service connections closed")
	return nil
}

// Register submits new content for publication. It fills Epochs,
// Replications, and MaxAttempts from the config defaults when left zero,
// then delegates validation and the remaining defaults to AssetStore.
func (s *Service) Register(ctx context.Context, input types.RegisterInput) (*types.Asset, error) {
	if input.Epochs <= 0 {
		input.Epochs = s.cfg.DefaultEpochs
	}
	if input.Replications <= 0 {
		input.Replications = s.cfg.DefaultReplication
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	asset, err := s.Assets.Register(ctx, input)
	if err != nil {
		return nil, err
	}
	s.Events.Publish(&events.Event{AssetID: asset.ID, Type: events.EventAssetQueued, Message: "asset registered and queued"})
	return asset, nil
}

func openPostgres(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newContentStore(cfg *config.Config) (content.Store, error) {
	switch cfg.ContentBackend {
	case config.ContentBackendFilesystem, "":
		if err := os.MkdirAll(cfg.ContentRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create content root: %w", err)
		}
		return content.NewFilesystemStore(cfg.ContentRoot)
	default:
		return nil, fmt.Errorf("content backend %q is not wired to a concrete store", cfg.ContentBackend)
	}
}

// secretsManagerFromEnv derives the wallet-secret encryption key from
// KAPP_SECRETS_KEY, falling back to a password-derived key for local
// development so a fresh checkout can run without extra setup.
func secretsManagerFromEnv() (*security.SecretsManager, error) {
	if key := os.Getenv("KAPP_SECRETS_KEY"); key != "" {
		if len(key) == 32 {
			return security.NewSecretsManager([]byte(key))
		}
		return security.NewSecretsManagerFromPassword(key)
	}
	return security.NewSecretsManagerFromPassword("kapp-development-only")
}
