package grpcx

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the coordinator service, also reported by health; "" is the server as a whole.
const ServiceName = "coordinator.v1.Coordinator"

type Server struct {
	GRPC   *grpc.Server
	health *health.Server
}

// NewServer builds a gRPC server with the logging/recovery/deadline/auth chain,
// the coordinator service over rooms (skipped when nil) and the standard
// health service. Health starts NOT_SERVING until SetServing(true).
func NewServer(v Verifier, rooms Rooms, opts ...grpc.ServerOption) *Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(), UnaryAuthInterceptor(v)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	s := &Server{
		GRPC:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	if rooms != nil {
		RegisterCoordinatorServer(s.GRPC, NewCoordinator(rooms))
	}
	grpc_health_v1.RegisterHealthServer(s.GRPC, s.health)
	s.SetServing(false)
	return s
}

func (s *Server) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// GracefulStop reports NOT_SERVING to watchers first, then drains calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.GRPC.GracefulStop()
}
