package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the decision service.
const ServiceName = "triage.agent_guard.v1.DecisionService"

// GRPCServer serves grpc.health.v1.Health and reflection, mirroring the
// checker's readiness.
type GRPCServer struct {
	Server   *grpc.Server
	health   *grpchealth.Server
	checker  *Checker
	interval time.Duration
	logger   *zap.Logger
}

// NewGRPCServer registers the health and reflection services on a new gRPC server.
// Status starts NOT_SERVING until the first readiness check passes.
func NewGRPCServer(checker *Checker, interval time.Duration, logger *zap.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := grpc.NewServer(opts...)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{Server: s, health: hs, checker: checker, interval: interval, logger: logger}
}

// Refresh runs readiness once and publishes the result.
func (g *GRPCServer) Refresh(ctx context.Context) bool {
	st := g.checker.Readiness(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !st.Ready() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		for name, r := range st.Checks {
			if r.Status != StatusOK {
				g.logger.Warn("readiness check failing", zap.String("check", name), zap.String("message", r.Message))
			}
		}
	}
	g.health.SetServingStatus(ServiceName, status)
	return st.Ready()
}

// Run refreshes the serving status every interval until ctx is done.
func (g *GRPCServer) Run(ctx context.Context) {
	g.Refresh(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and stops the server gracefully.
func (g *GRPCServer) Shutdown() {
	g.health.Shutdown()
	g.Server.GracefulStop()
}
