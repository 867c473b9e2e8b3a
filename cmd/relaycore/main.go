package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relaycore/relaycore/internal/api"
	"github.com/relaycore/relaycore/internal/budget"
	"github.com/relaycore/relaycore/internal/cache"
	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/logger"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/optimizer"
	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/pricing"
	"github.com/relaycore/relaycore/internal/registry"
	"github.com/relaycore/relaycore/internal/steering"
	"github.com/relaycore/relaycore/internal/tokenizer"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relaycore",
		Short: "AI request routing and cost governance gateway",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config directory")

	root.AddCommand(serveCmd(), validateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and steering rules without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Steering.RuleFile != "" {
				data, err := os.ReadFile(cfg.Steering.RuleFile)
				if err != nil {
					return fmt.Errorf("steering rule file: %w", err)
				}
				rs, err := steering.ParseRuleSet(data)
				if err != nil {
					return err
				}
				if _, err := steering.Compile(rs); err != nil {
					return err
				}
			}
			fmt.Println("configuration ok")
			return nil
		},
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	redisClient, err := openRedis(cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	reg, err := registry.NewFromConfig(cfg.Providers, log)
	if err != nil {
		return fmt.Errorf("provider registry: %w", err)
	}

	engine := steering.NewEngine(log)
	if cfg.Steering.RuleFile != "" {
		if err := engine.LoadFile(cfg.Steering.RuleFile); err != nil {
			return fmt.Errorf("steering rules: %w", err)
		}
	}

	budgetRegistry := budget.NewRegistry(db, log)
	tracker := budget.NewTracker(db, budgetRegistry, cfg.Budget.StatusFreshness, log)

	outbox := budget.NewOutbox(&budget.OutboxConfig{
		Client:    redisClient,
		Tracker:   tracker,
		Logger:    log,
		QueueName: cfg.Budget.OutboxQueue,
		BatchSize: cfg.Budget.OutboxBatchSize,
		Interval:  cfg.Budget.OutboxInterval,
	})

	responseCache := cache.New(&cache.Config{
		Client:     redisClient,
		Logger:     log,
		Enabled:    cfg.Cache.Enabled,
		TTL:        cfg.Cache.TTL,
		MaxWait:    cfg.Cache.MaxWait,
		VersionTag: cfg.Cache.VersionTag,
	})

	opt, err := optimizer.New(cfg.Optimizer.Strategy, cfg.Optimizer.LatencyReference)
	if err != nil {
		return err
	}

	pipe := pipeline.New(&pipeline.Config{
		Registry:        reg,
		Estimator:       tokenizer.New(log),
		Steering:        engine,
		Tracker:         tracker,
		Pricer:          pricing.New(reg),
		Cache:           responseCache,
		Optimizer:       opt,
		Outbox:          outbox,
		Logger:          log,
		MaxConcurrency:  cfg.Pipeline.MaxConcurrency,
		DefaultDeadline: cfg.Pipeline.DefaultDeadline,
	})

	server := api.NewServer(cfg, api.Deps{
		Logger:   log,
		Pipeline: pipe,
		Budgets:  budgetRegistry,
		Tracker:  tracker,
		Registry: reg,
		Steering: engine,
		DB:       db,
		Redis:    redisClient,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Steering.Watch && cfg.Steering.RuleFile != "" {
		watcher := steering.NewWatcher(engine, cfg.Steering.RuleFile, cfg.Steering.WatchDebounce, log)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("steering watcher stopped", zap.Error(err))
			}
		}()
	}

	go outbox.Run(ctx)
	go healthProber(ctx, reg)

	reg.CheckAll(ctx)

	httpServer := server.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	// Flush what the outbox still holds before the process exits.
	outbox.Drain(shutdownCtx)

	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&models.BudgetDefinition{},
		&models.UsageRecord{},
		&models.BudgetAlert{},
		&models.BudgetStatusRow{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

func openRedis(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func healthProber(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.CheckAll(ctx)
		}
	}
}
