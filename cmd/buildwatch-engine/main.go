package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/buildwatch/internal/api"
	"github.com/platformbuilds/buildwatch/internal/cache"
	"github.com/platformbuilds/buildwatch/internal/config"
	"github.com/platformbuilds/buildwatch/internal/engine"
	"github.com/platformbuilds/buildwatch/internal/inference"
	"github.com/platformbuilds/buildwatch/internal/metrics"
	"github.com/platformbuilds/buildwatch/internal/patterns"
	"github.com/platformbuilds/buildwatch/internal/repo"
	"github.com/platformbuilds/buildwatch/internal/scheduler"
	"github.com/platformbuilds/buildwatch/internal/services"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting buildwatch",
		slog.String("trigger_address", cfg.Server.TriggerAddress),
		slog.String("jenkins", cfg.Jenkins.BaseURL))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	store, err := repo.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open storage", slog.String("path", cfg.Storage.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	jenkins := repo.NewJenkinsClient(cfg.Jenkins.BaseURL, cfg.Jenkins.Username, cfg.Jenkins.APIToken, cfg.Jenkins.Timeout)
	notifier := repo.NewWebhookNotifier(cfg.Actions.NotifyWebhook, cfg.Jenkins.Timeout, logger)
	inferenceClient := inference.NewClient(cfg.Inference.Endpoint, cfg.Inference.Timeout, cfg.Inference.MaxExcerptLines)

	patternStore := patterns.NewStore(logger,
		cfg.Patterns.SeedConfidence,
		cfg.Patterns.LearningRate,
		cfg.Patterns.TTL,
		patterns.WithSnapshotter(store),
	)
	if err := patternStore.Load(); err != nil {
		logger.Error("failed to load patterns", slog.Any("error", err))
		os.Exit(1)
	}

	fetchBackoff := utils.Backoff{
		Base:        cfg.Actions.BackoffBase,
		Cap:         cfg.Actions.BackoffCap,
		MaxAttempts: 3,
	}

	pipeline := engine.NewPipeline(logger, store, jenkins, inferenceClient, patternStore, cacheProvider, engine.PipelineConfig{
		ShortCircuitConfidence: cfg.Patterns.ShortCircuitConfidence,
		MaxExcerptLines:        cfg.Inference.MaxExcerptLines,
		FetchBackoff:           fetchBackoff,
		LogTTL:                 cfg.Cache.LogTTL,
		InflightTTL:            cfg.Cache.InflightTTL,
	})

	actionEngine := engine.NewActionEngine(logger, store, jenkins, notifier, engine.ActionConfig{
		RetryThreshold: cfg.Actions.RetryThreshold,
		MaxRetries:     cfg.Actions.MaxRetries,
		Backoff:        fetchBackoff,
		NotifyChannel:  cfg.Actions.NotifyChannel,
	})

	learningLoop := engine.NewLearningLoop(logger, store, patternStore, engine.LearningConfig{
		Enabled:            cfg.Learning.Enabled,
		ConfirmationWindow: cfg.Learning.ConfirmationWindow,
	})

	monitor := services.NewMonitorService(logger, pipeline, actionEngine, learningLoop, store, patternStore, cfg.Discovery.MaxConcurrentAnalyses)

	registry := scheduler.NewRegistry(logger, store, cfg.Discovery.ExcludePatterns, cfg.Discovery.InactiveAfterMisses)
	if err := registry.Load(); err != nil {
		logger.Error("failed to load job registry", slog.Any("error", err))
		os.Exit(1)
	}
	discovery := scheduler.New(logger, jenkins, registry, store, monitor, scheduler.Config{
		Interval:         cfg.Discovery.Interval,
		AnalyzeAllBuilds: cfg.Discovery.AnalyzeAllBuilds,
		ForceReanalyze:   cfg.Discovery.ForceReanalyze,
	})

	server, err := api.NewServer(cfg.Server, logger, monitor)
	if err != nil {
		logger.Error("failed to create trigger server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := discovery.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", slog.Any("error", err))
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		logger.Info("trigger server listening", slog.String("address", server.Address()))
		return server.Start()
	})

	group.Go(func() error {
		patternStore.RunEviction(groupCtx, cfg.Patterns.EvictionInterval)
		return nil
	})

	<-groupCtx.Done()
	logger.Info("shutdown signal received")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	discovery.Stop()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if err := monitor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool shutdown", slog.Any("error", err))
	}
	learningLoop.Drain()
	if err := patternStore.Flush(); err != nil {
		logger.Warn("pattern flush failed", slog.Any("error", err))
	}

	if err := group.Wait(); err != nil {
		logger.Error("server exited", slog.Any("error", err))
	}
	logger.Info("buildwatch stopped")
}
