package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/FairForge/siterecovery/internal/api"
	"github.com/FairForge/siterecovery/internal/config"
	"github.com/FairForge/siterecovery/internal/drivers"
	"github.com/FairForge/siterecovery/internal/fabric"
	"github.com/FairForge/siterecovery/internal/failover"
	"github.com/FairForge/siterecovery/internal/logging"
	"github.com/FairForge/siterecovery/internal/metrics"
	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/FairForge/siterecovery/internal/provider"
	"github.com/FairForge/siterecovery/internal/provider/azure"
	"github.com/FairForge/siterecovery/internal/replication"
	"github.com/FairForge/siterecovery/internal/store"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// stateStore persists protected items, recovery points and policies.
type stateStore interface {
	protection.Store
	policy.Persister
}

// app is the wired replication and failover core behind the API.
type app struct {
	applied     *config.Applied
	policies    *policy.Store
	tracker     *protection.Tracker
	engine      *replication.Engine
	coordinator *failover.Coordinator
	staging     drivers.StagingStore
	metrics     *metrics.Metrics
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st    stateStore
		ready func(context.Context) error
	)
	switch cfg.Database.Type {
	case config.DatabasePostgres:
		pg, err := store.OpenPostgres(cfg.Database.Postgres, logger)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		if err := pg.CreateTables(ctx); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		st = pg
		ready = pg.Ping
		logger.Info("using postgres store", zap.String("host", cfg.Database.Postgres.Host))
	default:
		st = store.NewMemory()
		logger.Info("using in-memory store")
	}

	a, err := build(ctx, cfg, st, provider.NewSimulated(clock.WallClock), clock.WallClock, logger)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Options{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Tracker:      a.tracker,
		Coordinator:  a.coordinator,
		Metrics:      a.metrics,
		Logger:       logger,
		ReadyCheck:   ready,
	})
	if err != nil {
		return err
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	defer a.engine.Stop()

	logger.Info("siterecovery started",
		zap.String("version", Version),
		zap.String("vault", a.applied.Vault.ID),
		zap.String("address", cfg.Server.Address),
		zap.String("staging", a.staging.Name()),
		zap.String("provider", cfg.Provider.Type),
		zap.Int("fabrics", len(a.applied.Fabrics)),
		zap.Int("mappings", len(a.applied.Mappings)))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// build loads persisted policies, applies the topology and restores the
// tracker before wiring the engine and coordinator. Topology ids are derived
// from the configuration, so restored items resolve across restarts.
func build(ctx context.Context, cfg *config.Config, st stateStore, sim *provider.Simulated, clk clock.Clock, logger *zap.Logger) (*app, error) {
	reg := fabric.NewRegistry(logger)
	policies := policy.NewStore(logger)
	policies.SetPersister(st)
	if err := policies.Load(ctx); err != nil {
		return nil, err
	}
	applied, err := cfg.Topology.Apply(ctx, reg, policies)
	if err != nil {
		return nil, fmt.Errorf("apply topology: %w", err)
	}

	tracker, err := protection.NewTracker(protection.TrackerConfig{
		Vault:    applied.Vault,
		Registry: reg,
		Policies: policies,
		Store:    st,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := tracker.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore protected items: %w", err)
	}

	staging, err := openStaging(cfg.Staging, logger)
	if err != nil {
		return nil, err
	}

	// Block reads always come from the simulated source; the azure provider
	// only takes over provisioning.
	var (
		provisioner provider.Provisioner = sim
		quiescer    provider.Quiescer    = sim
	)
	if cfg.Provider.Type == config.ProviderAzure {
		az, err := azure.NewWithDefaultCredential(cfg.Provider.Azure, logger)
		if err != nil {
			return nil, err
		}
		provisioner = az
		logger.Info("using azure provisioner", zap.String("subscription_id", cfg.Provider.Azure.SubscriptionID))
	}
	if cfg.Provider.QuiesceURL != "" {
		q, err := provider.NewHTTPQuiescer(cfg.Provider.QuiesceURL, cfg.Provider.QuiesceToken, cfg.Engine.QuiesceTimeout, logger)
		if err != nil {
			return nil, err
		}
		quiescer = q
	}

	m := metrics.New()
	engine, err := replication.NewEngine(replication.Options{
		Tracker:  tracker,
		Source:   sim,
		Staging:  staging,
		Quiescer: quiescer,
		Metrics:  m,
		Clock:    clk,
		Logger:   logger,
		Config:   &cfg.Engine,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := failover.NewCoordinator(tracker, provisioner, staging, m, &cfg.Failover, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		applied:     applied,
		policies:    policies,
		tracker:     tracker,
		engine:      engine,
		coordinator: coordinator,
		staging:     staging,
		metrics:     m,
	}, nil
}

func openStaging(cfg config.StagingConfig, logger *zap.Logger) (drivers.StagingStore, error) {
	switch cfg.Type {
	case config.StagingS3:
		s3, err := drivers.NewS3Staging(cfg.S3, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 staging: %w", err)
		}
		logger.Info("using s3 staging", zap.String("bucket", cfg.S3.Bucket))
		return s3, nil
	default:
		if err := os.MkdirAll(cfg.LocalPath, 0750); err != nil {
			return nil, fmt.Errorf("create staging directory: %w", err)
		}
		local, err := drivers.NewLocalStaging(cfg.LocalPath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using local staging", zap.String("path", cfg.LocalPath))
		return local, nil
	}
}
