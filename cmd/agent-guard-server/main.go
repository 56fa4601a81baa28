package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/triage-ai/palisade/services/agent_guard/internal/api"
	"github.com/triage-ai/palisade/services/agent_guard/internal/config"
	"github.com/triage-ai/palisade/services/agent_guard/internal/decision"
	"github.com/triage-ai/palisade/services/agent_guard/internal/health"
	"github.com/triage-ai/palisade/services/agent_guard/internal/isolation"
	"github.com/triage-ai/palisade/services/agent_guard/internal/metrics"
)

func main() {
	configPath := os.Getenv("AGENT_GUARD_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-guard-server: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	p := cfg.Policy.Policy
	logger.Info("starting agent guard server",
		zap.String("config", configPath),
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.Float64("escalate_threshold", p.EscalateThreshold),
		zap.Float64("flag_threshold", p.FlagThreshold),
		zap.Bool("auto_isolate", p.AutoIsolateOnEscalate),
		zap.String("failure_policy", p.FailurePolicy.String()),
		zap.Duration("isolation_ttl", p.IsolationTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector(nil)
	checker := health.New(cfg.Health.CheckTimeout)
	var closers closeStack
	defer closers.run(logger)

	// SQL store (isolation log, baselines, API keys)
	st, err := openStore(ctx, cfg.Store, checker, &closers, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	// Isolation registry, restored from its backing store
	persister, err := openPersister(ctx, cfg.Isolation, st, checker, &closers, logger)
	if err != nil {
		logger.Fatal("failed to open isolation backend", zap.Error(err))
	}
	regOpts := []isolation.Option{isolation.WithPersistTimeout(cfg.Isolation.PersistTimeout)}
	if persister != nil {
		regOpts = append(regOpts, isolation.WithPersister(persister))
	}
	registry := isolation.NewMemoryRegistry(logger, regOpts...)
	if persister != nil {
		n, err := registry.Load(ctx)
		if err != nil {
			logger.Fatal("failed to restore isolation state", zap.Error(err))
		}
		logger.Info("isolation state restored", zap.Int("isolated", n))
	}
	m.SetIsolated(registry.Count())

	// Embedding and scoring
	embedder, err := buildEmbedder(cfg.Embedding, m, &closers, logger)
	if err != nil {
		logger.Fatal("failed to build embedder", zap.Error(err))
	}
	checker.Register("embedder", func(ctx context.Context) error {
		_, err := embedder.Embed(ctx, "readiness check")
		return err
	})
	scorer, err := buildScorer(cfg.Scoring, logger)
	if err != nil {
		logger.Fatal("failed to build scorer", zap.Error(err))
	}
	baselines, err := loadBaselines(ctx, cfg.Baseline, st, embedder.Dimension(), logger)
	if err != nil {
		logger.Fatal("failed to load baselines", zap.Error(err))
	}

	// Audit trail: ClickHouse or LogWriter fallback
	writer := buildWriter(ctx, cfg.Audit, m, logger)
	defer writer.Close()
	reader := openReader(ctx, cfg.Audit, checker, &closers, logger)

	alerter, wait := buildAlerter(cfg.Alerts, logger)
	defer wait()

	policy := config.NewPolicySource(p)
	svc, err := decision.NewService(decision.Dependencies{
		Embedder:  embedder,
		Scorer:    scorer,
		Registry:  registry,
		Policy:    policy,
		History:   buildHistory(cfg.Scoring),
		Baselines: baselines,
		Writer:    writer,
		Alerter:   alerter,
		Signer:    buildSigner(cfg.Attestation, logger),
		Metrics:   m,
		Logger:    logger,
	}, decision.Options{
		EmbedTimeout: cfg.Embedding.Timeout,
		RetryBackoff: cfg.Isolation.RetryBackoff,
		LearnOnAllow: cfg.Baseline.LearnOnAllow,
	})
	if err != nil {
		logger.Fatal("failed to build decision service", zap.Error(err))
	}

	// TTL sweeper
	sweeper, err := isolation.NewSweeper(registry, cfg.Isolation.SweepSchedule, svc.Expired, logger)
	if err != nil {
		logger.Fatal("invalid sweep schedule", zap.Error(err))
	}
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("failed to start sweeper", zap.Error(err))
	}
	defer sweeper.Stop()

	// Policy hot reload
	if cfg.Policy.HotReload && configPath != "" {
		watcher := config.NewWatcher(configPath, policy, m.RecordReload, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("policy watcher stopped", zap.Error(err))
			}
		}()
	}

	authn, err := buildAuthenticator(cfg, st, logger)
	if err != nil {
		logger.Fatal("invalid auth configuration", zap.Error(err))
	}

	// gRPC health server
	var grpcServer *health.GRPCServer
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for grpc", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
		}
		grpcServer = health.NewGRPCServer(checker, cfg.Health.Interval, logger)
		go grpcServer.Run(ctx)
		go func() {
			logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Server.Serve(lis); err != nil {
				logger.Error("grpc server failed", zap.Error(err))
			}
		}()
	}

	// HTTP API server
	handler, err := api.NewRouter(&api.Dependencies{
		Service:      svc,
		Auth:         authn,
		Store:        st,
		Reader:       reader,
		Health:       checker,
		Metrics:      m,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until shutdown signal
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		logger.Error("http server failed", zap.Error(err))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.Shutdown()
	}

	logger.Info("agent guard server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
