// Package grpc exposes the standard gRPC health service for the chat server.
package grpc

import (
	"fmt"
	"net"

	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the chat server.
const ServiceName = "aaeconnect.chat"

// Server wraps a grpc.Server with a health service whose status follows
// the readiness of the chat server.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewServer listens on addr. The health status starts as NOT_SERVING.
func NewServer(addr string, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := grpc.NewServer(
		grpc.UnaryInterceptor(log.UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(log.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{srv: s, health: hs, lis: lis}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// SetServing flips the health status of both the overall server and the
// chat service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	l := log.L()
	l.Info().Str("address", s.Addr()).Msg("grpc server listening")
	if err := s.srv.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Stop marks the server NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
