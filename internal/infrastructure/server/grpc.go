package server

import (
	"net"

	"trailstop/internal/core"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall status
const ServiceName = "trailstop.Engine"

// GRPCHealthServer serves the standard grpc.health.v1 protocol for orchestrators
type GRPCHealthServer struct {
	port   string
	logger core.ILogger
	srv    *grpc.Server
	health *health.Server
	ln     net.Listener
}

func NewGRPCHealthServer(port string, logger core.ILogger) *GRPCHealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealthServer{
		port:   port,
		logger: logger.WithField("component", "grpc_health"),
		srv:    srv,
		health: hs,
	}
}

func (s *GRPCHealthServer) Start() error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		s.logger.Info("Starting gRPC health server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("gRPC health server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *GRPCHealthServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// SetServing flips both the overall and the engine service status
func (s *GRPCHealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks the service down and stops accepting calls
func (s *GRPCHealthServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
