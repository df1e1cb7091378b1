// ============================================================================
// gRPC Health Probe
// ============================================================================
//
// Package: internal/health
// File: grpc_probe.go
// Purpose: Probe implementation speaking the standard gRPC health-checking
//          protocol (grpc.health.v1) against the backend.
//
// The standard service needs no custom proto: any backend that registers
// grpc_health_v1 can be probed. The client connection is lazy, so the
// probe reports unhealthy until the backend becomes reachable.
//
// ============================================================================

package health

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCProbe dials the backend address and returns a Probe that issues
// grpc.health.v1 Check requests for the given service name (empty string
// checks overall server health). The returned closer releases the client
// connection.
func NewGRPCProbe(address, service string) (Probe, func() error, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create health client for %s: %w", address, err)
	}

	client := grpc_health_v1.NewHealthClient(conn)

	probe := func(ctx context.Context) error {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("backend reported %s", resp.GetStatus())
		}
		return nil
	}

	return probe, conn.Close, nil
}
