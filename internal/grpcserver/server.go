// Package grpcserver exposes the gRPC health service of the message log.
package grpcserver

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-sync/internal/observability"
)

// ServiceName is the health service key reported for the message log.
const ServiceName = "chat.sync.RoomLog"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server wraps a grpc.Server with health reporting.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	db     Pinger
	logger *slog.Logger
}

// New builds the gRPC server. db may be nil.
func New(db Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, db: db, logger: logger.With("component", "grpc")}
}

// Refresh updates the serving status from the database ping.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			s.logger.Warn("database ping failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
	return status
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and marks the service down.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
