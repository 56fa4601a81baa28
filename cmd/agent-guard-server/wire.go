package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/alert"
	"github.com/triage-ai/palisade/services/agent_guard/internal/attest"
	"github.com/triage-ai/palisade/services/agent_guard/internal/auth"
	"github.com/triage-ai/palisade/services/agent_guard/internal/baseline"
	"github.com/triage-ai/palisade/services/agent_guard/internal/chread"
	"github.com/triage-ai/palisade/services/agent_guard/internal/config"
	"github.com/triage-ai/palisade/services/agent_guard/internal/embed"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine/detectors"
	"github.com/triage-ai/palisade/services/agent_guard/internal/health"
	"github.com/triage-ai/palisade/services/agent_guard/internal/history"
	"github.com/triage-ai/palisade/services/agent_guard/internal/isolation"
	"github.com/triage-ai/palisade/services/agent_guard/internal/isolation/redisstore"
	"github.com/triage-ai/palisade/services/agent_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_guard/internal/storage"
	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

// closeStack runs cleanup functions in reverse order of registration.
type closeStack []struct {
	name string
	fn   func() error
}

func (c *closeStack) push(name string, fn func() error) {
	*c = append(*c, struct {
		name string
		fn   func() error
	}{name, fn})
}

func (c closeStack) run(logger *zap.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			logger.Warn("close failed", zap.String("resource", c[i].name), zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, checker *health.Checker, closers *closeStack, logger *zap.Logger) (*store.Store, error) {
	if cfg.URL == "" {
		logger.Info("no store url set, isolation log and stored keys disabled")
		return nil, nil
	}
	st, err := store.Open(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	closers.push("store", st.Close)
	if cfg.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	checker.Register("store", st.Ping)
	logger.Info("store connected", zap.String("dialect", string(st.Dialect())))
	return st, nil
}

// openPersister selects the registry's write-through backend. A nil
// persister keeps isolation state in memory only.
func openPersister(ctx context.Context, cfg config.IsolationConfig, st *store.Store, checker *health.Checker, closers *closeStack, logger *zap.Logger) (isolation.Persister, error) {
	switch cfg.Backend {
	case "sql":
		if st == nil {
			return nil, fmt.Errorf("isolation backend sql requires store.url")
		}
		return st, nil
	case "redis":
		rs, err := redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		closers.push("redis", rs.Close)
		checker.Register("redis", rs.Ping)
		logger.Info("redis isolation backend connected", zap.String("prefix", cfg.RedisPrefix))
		return rs, nil
	default:
		logger.Warn("isolation state is in memory only and will not survive a restart")
		return nil, nil
	}
}

func buildEmbedder(cfg config.EmbeddingConfig, m *metrics.Collector, closers *closeStack, logger *zap.Logger) (embed.Embedder, error) {
	var inner embed.Embedder
	switch cfg.Backend {
	case "onnx":
		e, err := embed.LoadONNXEmbedder(embed.ONNXConfig{
			ModelDir:      cfg.ONNX.ModelDir,
			SharedLibrary: cfg.ONNX.SharedLibrary,
			SeqLen:        cfg.ONNX.SeqLen,
			Dimension:     cfg.Dimension,
			TokenTypeIDs:  cfg.ONNX.TokenTypeIDs,
		})
		if err != nil {
			return nil, err
		}
		closers.push("onnx", e.Close)
		inner = e
		logger.Info("onnx embedder loaded", zap.String("model_dir", cfg.ONNX.ModelDir), zap.Int("dimension", e.Dimension()))
	default:
		inner = embed.NewHashingEmbedder(cfg.Dimension)
		logger.Info("hashing embedder enabled", zap.Int("dimension", inner.Dimension()))
	}

	if cfg.CacheSize <= 0 {
		return inner, nil
	}
	cached := embed.NewCached(inner, cfg.CacheSize)
	cached.SetCallTimeout(cfg.Timeout)
	cached.OnLookup(func(hit bool) {
		if hit {
			m.CacheHit()
		} else {
			m.CacheMiss()
		}
	})
	return cached, nil
}

func buildScorer(cfg config.ScoringConfig, logger *zap.Logger) (*engine.SignalScorer, error) {
	signals, err := detectors.Build(cfg.Signals, detectors.Options{TrendMinSamples: cfg.TrendMinSamples, Logger: logger})
	if err != nil {
		return nil, err
	}
	scorer := engine.NewSignalScorer(signals, cfg.Timeout, logger)
	logger.Info("signals enabled", zap.Strings("signals", scorer.Signals()), zap.Duration("timeout", cfg.Timeout))
	return scorer, nil
}

func buildHistory(cfg config.ScoringConfig) *history.Window {
	return history.New(cfg.HistorySize)
}

func loadBaselines(ctx context.Context, cfg config.BaselineConfig, st *store.Store, dim int, logger *zap.Logger) (*baseline.Tracker, error) {
	if st == nil {
		return baseline.NewTracker(cfg.Alpha, nil, logger), nil
	}
	tracker := baseline.NewTracker(cfg.Alpha, st, logger)
	n, err := tracker.Load(ctx, dim)
	if err != nil {
		return nil, err
	}
	logger.Info("baselines restored", zap.Int("senders", n))
	return tracker, nil
}

func buildWriter(ctx context.Context, cfg config.AuditConfig, m *metrics.Collector, logger *zap.Logger) storage.EventWriter {
	if cfg.ClickHouseDSN == "" {
		logger.Info("no clickhouse dsn set, using log writer")
		return storage.NewLogWriter(logger)
	}
	w, err := storage.NewClickHouseWriter(ctx, storage.ClickHouseConfig{
		DSN:         cfg.ClickHouseDSN,
		CreateTable: cfg.CreateTable,
		OnDrop:      m.AuditDropped,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
		return storage.NewLogWriter(logger)
	}
	logger.Info("clickhouse writer connected")
	return w
}

func openReader(ctx context.Context, cfg config.AuditConfig, checker *health.Checker, closers *closeStack, logger *zap.Logger) *chread.Reader {
	if cfg.ClickHouseDSN == "" {
		return nil
	}
	r, err := chread.NewReader(ctx, cfg.ClickHouseDSN, logger)
	if err != nil {
		logger.Warn("clickhouse reader connection failed", zap.Error(err))
		return nil
	}
	closers.push("clickhouse reader", r.Close)
	checker.Register("clickhouse", r.Ping)
	logger.Info("clickhouse reader connected")
	return r
}

// buildAlerter returns the alert fan-out and a function that waits for
// in-flight webhook deliveries.
func buildAlerter(cfg config.AlertsConfig, logger *zap.Logger) (alert.Alerter, func()) {
	multi := alert.Multi{alert.NewLogAlerter(logger)}
	wh := alert.NewWebhookDispatcher(cfg.Webhooks, logger)
	if wh == nil {
		return multi, func() {}
	}
	logger.Info("webhook alerts enabled", zap.Int("webhooks", len(cfg.Webhooks)))
	return append(multi, wh), wh.Wait
}

func buildSigner(cfg config.AttestationConfig, logger *zap.Logger) *attest.Signer {
	s := attest.NewSigner([]byte(cfg.SigningKey), cfg.Issuer, cfg.TTL)
	if s != nil {
		logger.Info("verdict attestations enabled", zap.String("issuer", cfg.Issuer))
	}
	return s
}

func buildAuthenticator(cfg config.Config, st *store.Store, logger *zap.Logger) (auth.Authenticator, error) {
	if !cfg.AuthEnabled() {
		logger.Warn("no API keys configured, authentication disabled")
		return auth.Disabled{}, nil
	}
	records, err := cfg.KeyRecords()
	if err != nil {
		return nil, err
	}
	var chain auth.Chain
	if len(records) > 0 {
		static, err := auth.NewStaticKeys(records)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	if cfg.Auth.UseStore {
		if st == nil {
			return nil, fmt.Errorf("auth.use_store requires store.url")
		}
		chain = append(chain, auth.StoreKeys{Store: st})
	}
	logger.Info("api key authentication enabled", zap.Int("static_keys", len(records)), zap.Bool("stored_keys", cfg.Auth.UseStore))
	return auth.NewKeyAuthenticator(chain, cfg.Auth.CacheTTL, logger), nil
}
