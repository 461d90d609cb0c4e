package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the job service.
const ServiceName = "studyjobs.v1.JobService"

// GRPCServer exposes the monitor through the standard gRPC health protocol.
type GRPCServer struct {
	monitor  *Monitor
	port     int
	server   *grpc.Server
	health   *grpchealth.Server
	interval time.Duration
	logger   *slog.Logger
}

func NewGRPCServer(monitor *Monitor, port int) *GRPCServer {
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		monitor:  monitor,
		port:     port,
		server:   srv,
		health:   hs,
		interval: checkInterval,
		logger:   slog.Default().With("component", "grpc_health"),
	}
}

// Start serves until Stop is called, refreshing the serving status from the
// monitor in the background.
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("listen grpc health: %w", err)
	}

	g.Refresh(ctx)
	go func() {
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
	}()

	return g.server.Serve(lis)
}

// Refresh maps the current report onto the gRPC serving status.
// Degraded still serves; only critical stops.
func (g *GRPCServer) Refresh(ctx context.Context) {
	report := g.monitor.CheckHealth(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if report.SystemStatus == StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service as not serving and stops the server.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
