package server

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// SessionService is the health service name mirroring the recording session
const SessionService = "livescribe.Session"

// GRPCHealth serves the standard gRPC health protocol
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewGRPCHealth listens on addr. The session service starts NOT_SERVING.
func NewGRPCHealth(addr string, logger zerolog.Logger) (*GRPCHealth, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    10 * time.Second,
			Timeout: 3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealth{server: srv, health: hs, listener: lis, logger: logger}, nil
}

// Addr returns the bound address
func (g *GRPCHealth) Addr() string {
	return g.listener.Addr().String()
}

// Start serves in the background
func (g *GRPCHealth) Start() {
	go func() {
		g.logger.Info().Str("addr", g.Addr()).Msg("gRPC health server listening")
		if err := g.server.Serve(g.listener); err != nil && err != grpc.ErrServerStopped {
			g.logger.Error().Err(err).Msg("gRPC health server failed")
		}
	}()
}

// SetSessionServing mirrors the session state into the health service
func (g *GRPCHealth) SetSessionServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(SessionService, status)
}

// Stop marks every service NOT_SERVING and drains connections
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
