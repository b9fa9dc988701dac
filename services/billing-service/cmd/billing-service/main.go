package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/config"
	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/libs/grpcx"
	"github.com/md-rashed-zaman/carebill/libs/httpx"
	otelx "github.com/md-rashed-zaman/carebill/libs/otel"
	"github.com/md-rashed-zaman/carebill/libs/runtime"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/app"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/appconfig"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/reconcile"
	"github.com/md-rashed-zaman/carebill/services/billing-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	logger := runtime.NewLogger(service)

	cfg, err := appconfig.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	if config.Bool("MIGRATE_ON_START", false) {
		if err := db.Migrate(cfg.DatabaseURL, migrations.FS); err != nil {
			logger.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	checks := a.ReadyChecks()
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/", a.Handler().Routes())

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(60*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "billing")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	// Deployments with an external scheduler trigger the passes through billing-jobs instead.
	if cfg.ReconcileEnabled {
		runner := reconcile.NewRunner(a.Scheduler, a.Reaper, logger, time.Hour)
		go runner.Run(ctx, cfg.ReconcileInterval)
	}

	grpcChecks := make([]grpcx.Check, 0, len(checks))
	for _, c := range checks {
		grpcChecks = append(grpcChecks, c.Check)
	}
	if err := grpcx.ServeHealth(ctx, logger, cfg.GRPCPort, 10*time.Second, grpcChecks...); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
