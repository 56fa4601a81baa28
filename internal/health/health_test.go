package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestReadiness_AllHealthy(t *testing.T) {
	c := New(time.Second)
	c.Register("embedder", func(context.Context) error { return nil })
	c.Register("registry", func(context.Context) error { return nil })

	s := c.Readiness(context.Background())
	if !s.Ready() {
		t.Fatalf("expected ready, got %+v", s)
	}
	if len(s.Checks) != 2 {
		t.Errorf("expected 2 check results, got %d", len(s.Checks))
	}
}

func TestReadiness_FailingCheck(t *testing.T) {
	c := New(time.Second)
	c.Register("embedder", func(context.Context) error { return nil })
	c.Register("registry", func(context.Context) error { return errors.New("connection refused") })

	s := c.Readiness(context.Background())
	if s.Ready() {
		t.Fatal("expected degraded")
	}
	if r := s.Checks["registry"]; r.Status != StatusUnhealthy || r.Message != "connection refused" {
		t.Errorf("unexpected registry result: %+v", r)
	}
}

func TestReadiness_Timeout(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	start := time.Now()
	s := c.Readiness(context.Background())
	if s.Ready() {
		t.Error("timed out check should not be ready")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("readiness did not honour the check timeout")
	}
}

func TestNames(t *testing.T) {
	c := New(0)
	c.Register("b", func(context.Context) error { return nil })
	c.Register("a", func(context.Context) error { return nil })
	if got := c.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
}

func TestHandlers(t *testing.T) {
	c := New(time.Second)
	healthy := true
	c.Register("store", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})

	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readiness healthy = %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness unhealthy = %d, want 503", rec.Code)
	}
}

func TestGRPCServer_MirrorsReadiness(t *testing.T) {
	c := New(time.Second)
	var failing error
	c.Register("registry", func(context.Context) error { return failing })

	gs := NewGRPCServer(c, time.Hour, zap.NewNop())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = gs.Server.Serve(lis) }()
	defer gs.Shutdown()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.Status
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before first refresh = %v, want NOT_SERVING", got)
	}
	if !gs.Refresh(ctx) {
		t.Fatal("expected ready")
	}
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after refresh = %v, want SERVING", got)
	}

	failing = errors.New("redis down")
	gs.Refresh(ctx)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after failure = %v, want NOT_SERVING", got)
	}
}
