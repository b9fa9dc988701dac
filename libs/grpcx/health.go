package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check is a dependency probe; a nil error means healthy.
type Check func(context.Context) error

// ServeHealth exposes grpc.health.v1 on port. The overall status is re-evaluated
// every interval from checks and flips to NOT_SERVING once ctx is done.
func ServeHealth(ctx context.Context, logger *slog.Logger, port string, interval time.Duration, checks ...Check) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor(), UnaryServerRecoverInterceptor(logger)),
		grpc.ChainStreamInterceptor(StreamServerRequestIDInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", evaluate(ctx, checks))

	go func() {
		logger.Info("grpc health server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
				hs.SetServingStatus("", evaluate(ctx, checks))
			}
		}
	}()
	return nil
}

func evaluate(ctx context.Context, checks []Check) healthpb.HealthCheckResponse_ServingStatus {
	for _, check := range checks {
		if check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()
		if err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}
