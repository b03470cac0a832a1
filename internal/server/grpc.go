// Package server hosts the gateway's ops-plane gRPC endpoint.
package server

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-gateway/internal/observability"
)

// ServiceName is the health-check service key for the gateway.
const ServiceName = "chat-gateway"

type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewGRPCServer builds a server with tracing and metrics interceptors.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// RegisterServices registers the standard health service and marks the
// gateway as serving.
func RegisterServices(s grpc.ServiceRegistrar) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// WatchDatabase flips the gateway's health status with database
// reachability until ctx is done.
func WatchDatabase(ctx context.Context, hs *health.Server, db Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := probe(ctx, db)
			if status != last {
				log.Printf("grpc health status changed service=%s status=%s", ServiceName, status)
				last = status
			}
			hs.SetServingStatus(ServiceName, status)
		}
	}
}

func probe(ctx context.Context, db Pinger) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
