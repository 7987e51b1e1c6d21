package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

// ServiceName is the name the health service reports for this server
const ServiceName = "edu.identity.v1.Identity"

// GRPCServer serves the standard health and reflection services so that
// orchestrators can health-check the identity service over gRPC
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	check  func(context.Context) error
	every  time.Duration
	log    *logger.Logger
}

// NewGRPCServer creates a gRPC server whose health status follows check.
// A nil check always reports SERVING.
func NewGRPCServer(check func(context.Context) error, every time.Duration, log *logger.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if every <= 0 {
		every = 10 * time.Second
	}
	s := &GRPCServer{
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
		check:  check,
		every:  every,
		log:    log,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	return s
}

// Server exposes the underlying grpc.Server for serving and shutdown
func (s *GRPCServer) Server() *grpc.Server {
	return s.server
}

// Poll sets the health status once from check
func (s *GRPCServer) Poll(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.check != nil {
		if err := s.check(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Health check failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch polls until ctx is done, then marks the server NOT_SERVING
func (s *GRPCServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, s.every)
			s.Poll(pollCtx)
			cancel()
		}
	}
}
