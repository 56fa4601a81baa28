package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/auth"
	"github.com/triage-ai/palisade/services/agent_guard/internal/chread"
	"github.com/triage-ai/palisade/services/agent_guard/internal/decision"
	"github.com/triage-ai/palisade/services/agent_guard/internal/health"
	"github.com/triage-ai/palisade/services/agent_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Service      *decision.Service
	Auth         auth.Authenticator // auth.Disabled{} when no keys are configured
	Store        *store.Store       // nil when no SQL store is configured
	Reader       *chread.Reader     // nil if ClickHouse unavailable
	Health       *health.Checker
	Metrics      *metrics.Collector
	Logger       *zap.Logger
	MaxBodyBytes int64
	CORSOrigins  []string

	schemas *schemas
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, fmt.Errorf("NewRouter: decision service is required")
	}
	if deps.Auth == nil {
		deps.Auth = auth.Disabled{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Health == nil {
		deps.Health = health.New(0)
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("NewRouter: %w", err)
	}
	deps.schemas = s

	caller := func(h http.HandlerFunc) http.HandlerFunc { return deps.requireRole(auth.RoleCaller, h) }
	op := func(h http.HandlerFunc) http.HandlerFunc { return deps.requireRole(auth.RoleOperator, h) }

	mux := http.NewServeMux()

	// Decision endpoint
	mux.HandleFunc("POST /v1/intercept", caller(deps.handleIntercept))

	// Isolation registry
	mux.HandleFunc("GET /v1/agents", caller(deps.handleListIsolated))
	mux.HandleFunc("GET /v1/agents/{agent_id}", caller(deps.handleGetAgent))
	mux.HandleFunc("POST /v1/agents/{agent_id}/isolate", op(deps.handleIsolate))
	mux.HandleFunc("POST /v1/agents/{agent_id}/release", op(deps.handleRelease))
	mux.HandleFunc("POST /v1/agents/{agent_id}/baseline", op(deps.handleBaseline))
	mux.HandleFunc("GET /v1/agents/{agent_id}/history", op(deps.handleIsolationHistory))
	mux.HandleFunc("GET /v1/agents/{agent_id}/forensics", op(deps.handleForensics))

	// Decisions and analytics
	mux.HandleFunc("GET /v1/decisions/{decision_id}", op(deps.handleGetDecision))
	mux.HandleFunc("GET /v1/stats", op(deps.handleStats))
	mux.HandleFunc("GET /v1/policy", caller(deps.handlePolicy))

	// Health and metrics
	mux.HandleFunc("GET /healthz", deps.Health.LivenessHandler())
	mux.HandleFunc("GET /readyz", deps.Health.ReadinessHandler())
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return corsMiddleware(requestLogging(mux, deps.Logger), deps.CORSOrigins), nil
}
