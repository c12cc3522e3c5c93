package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/api"
	"laundry-sync-backend/internal/command"
	"laundry-sync-backend/internal/db"
	"laundry-sync-backend/internal/engine"
	"laundry-sync-backend/internal/notification"
	"laundry-sync-backend/internal/parse"
	"laundry-sync-backend/internal/realtime"
	"laundry-sync-backend/internal/store"
	"laundry-sync-backend/internal/telemetry"
	"laundry-sync-backend/internal/transport"
	"laundry-sync-backend/internal/worker"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)
	logger.Info("configuration loaded", zap.String("path", configPath))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("laundryd stopped with error", zap.Error(err))
	}
	logger.Info("laundryd gracefully stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return err
	}
	appStore := store.NewGormStore(gormDB)

	now := time.Now().UTC()
	for _, seed := range cfg.Machines {
		name := seed.Name
		if name == "" {
			name = parse.MachineName(seed.ID)
		}
		if _, err := appStore.EnsureMachine(ctx, seed.ID, name, now); err != nil {
			return fmt.Errorf("failed to provision machine %s: %w", seed.ID, err)
		}
	}
	logger.Info("machines provisioned", zap.Int("count", len(cfg.Machines)))

	var mailer notification.Mailer = notification.NewLogMailer(logger)
	if cfg.Email.Enabled {
		smtp, err := notification.NewSMTPMailer(cfg.Email)
		if err != nil {
			return err
		}
		mailer = smtp
	} else {
		logger.Warn("email disabled, customer emails are only logged")
	}
	webpushOptions := notification.WebPushOptions(cfg.Push)
	if webpushOptions == nil {
		logger.Warn("VAPID keys not configured, web push disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	notifier := notification.NewDispatcher(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, mailer, webpushOptions, logger)
	notifier.Start(gctx)

	pool := worker.NewPool(cfg.Engine.Shards, cfg.Engine.ShardQueueSize, logger)
	pool.Start(gctx)

	hub := realtime.NewHub(64, logger)
	eng := engine.New(appStore, notifier, hub, logger, engine.WithAdminErrorEmail(cfg.Email.NotifyAdminOnError))
	reconciler := engine.NewReconciler(eng, appStore, pool, cfg.Engine.ReconcileInterval, cfg.Engine.StaleAfter, logger)

	mqttClient := transport.NewClient(cfg.MQTT, logger)
	if err := mqttClient.Connect(gctx); err != nil {
		return err
	}
	router := telemetry.NewRouter(cfg.MQTT, eng, pool, logger)

	operator := command.NewService(appStore, command.NewDispatcher(mqttClient, cfg.MQTT, logger), pool, hub, logger)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Deps{
			Store:    appStore,
			Operator: operator,
			Notifier: notifier,
			Link:     mqttClient,
			Hub:      hub,
			WebPush:  webpushOptions,
		}, cfg.Server, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return router.Run(gctx, mqttClient.Messages())
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping services")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		mqttClient.Close()
		return err
	})

	err = g.Wait()
	pool.Wait()
	if sqlDB, dbErr := gormDB.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	return err
}
