package health

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name the blob service reports its status under.
const ServiceName = "imgvault.BlobService"

// Server exposes the standard gRPC health checking protocol for the blob
// service on its own listener.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New returns a health Server that reports NOT_SERVING until SetServing is
// called.
func New() *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.SetNotServing()
	return s
}

// Serve accepts health check connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	return s.grpc.Serve(l)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// SetServing reports the blob service as SERVING.
func (s *Server) SetServing() {
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing reports the blob service as NOT_SERVING.
func (s *Server) SetNotServing() {
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}
