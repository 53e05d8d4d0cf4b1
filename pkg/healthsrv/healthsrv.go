// Package healthsrv exposes a gRPC health-check endpoint
// (grpc.health.v1.Health) for container orchestrators that prefer gRPC
// probes over the HTTP /health route in pkg/api (§6).
package healthsrv

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service whose status this probe reports, queried
// with an empty string by most orchestrator health checks but also
// registered under its own name for targeted checks.
const ServiceName = "convoke.scheduler"

// Server wraps grpc.health.v1's reference implementation with a
// background loop that pings the database and flips serving status
// accordingly, the gRPC analog of pkg/api's HTTP /health check.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	db         *sql.DB
}

// New creates a Server that reports SERVING once the database answers
// a ping, and flips to NOT_SERVING if it stops responding.
func New(db *sql.DB) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// NOT_SERVING until the first probe runs.
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpcServer: grpcServer, health: healthServer, db: db}
}

// RunLoop pings the database on interval until ctx is canceled,
// updating both the overall ("") and named service status -- the same
// ticker shape as reaper.Reaper.RunLoop.
func (s *Server) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.PingContext(reqCtx); err != nil {
		slog.Warn("gRPC health probe: database ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks, accepting connections on ln until the gRPC server is
// stopped.
func (s *Server) Serve(ln net.Listener) error {
	return s.grpcServer.Serve(ln)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
