// Package app wires the billing components from configuration. Both the long-running
// service and the one-shot job runner build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/libs/kafkax"
	"github.com/md-rashed-zaman/carebill/libs/ratelimit"
	"github.com/md-rashed-zaman/carebill/libs/runtime"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/appconfig"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/cancellation"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/crm"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/handlers"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/ledger"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/reconcile"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/subscriptions"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/upgrade"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config    appconfig.Config
	Logger    *slog.Logger
	Pool      *db.Pool
	Redis     *redis.Client
	Publisher events.Publisher
	Ledger    *ledger.Repository
	Store     *storage.Repository
	Gateway   gateway.Gateway
	Applier   *payments.Applier
	Scheduler *reconcile.Scheduler
	Reaper    *cancellation.Reaper
	Cancel    *cancellation.Service
	Upgrade   *upgrade.Service
}

func New(ctx context.Context, cfg appconfig.Config, logger *slog.Logger) (*App, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connection: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Pool: pool}
	limiter := ratelimit.Limiter(ratelimit.NewLocal(float64(cfg.CRMRateLimit), cfg.CRMRateLimit))
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		limiter = ratelimit.NewRedis(a.Redis, logger, "carebill:ratelimit:crm", cfg.CRMRateLimit, time.Second, true)
	}

	a.Publisher = events.NewPublisher(cfg.KafkaBrokers, logger)
	a.Ledger = ledger.NewRepository(pool, cfg.ClaimLease)
	a.Store = storage.NewRepository(pool)
	a.Gateway = newGateway(cfg, logger)

	crmClient := crm.NewClient(crm.Config{WebhookURL: cfg.CRMWebhookURL, Timeout: cfg.CRMTimeout}, limiter, logger)
	activator := subscriptions.NewActivator(a.Store, cfg.Location, logger)
	a.Applier = payments.NewApplier(pool, a.Ledger, a.Store, activator, a.Publisher, logger)
	a.Scheduler = reconcile.NewScheduler(a.Ledger, a.Applier, a.Gateway, crmClient, a.Store, catalog, reconcile.Config{
		BatchSize:         cfg.BatchSize,
		StatusGrace:       cfg.StatusGrace,
		PixExpiry:         cfg.PixExpiry,
		Window:            cfg.Window,
		LostWebhookWindow: time.Duration(cfg.LostWebhookHours) * time.Hour,
		CRMMaxAttempts:    cfg.CRMMaxAttempts,
		Currency:          cfg.Currency,
		DealStage:         cfg.CRMDealStage,
	}, logger)
	a.Reaper = cancellation.NewReaper(pool, a.Store, a.Publisher, logger, 0)
	a.Cancel = cancellation.NewService(pool, a.Store, a.Gateway, a.Publisher, cfg.Location, logger)
	a.Upgrade = upgrade.NewService(pool, a.Store, a.Ledger, a.Applier, a.Gateway, a.Publisher, upgrade.Config{
		MinimumCharge: cfg.MinimumCharge,
		Location:      cfg.Location,
	}, logger)
	return a, nil
}

func newGateway(cfg appconfig.Config, logger *slog.Logger) gateway.Gateway {
	if cfg.GatewayProvider == appconfig.ProviderStripe {
		return gateway.NewStripeClient(gateway.StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			Currency:  cfg.Currency,
			Timeout:   cfg.GatewayTimeout,
		}, logger)
	}
	return gateway.NewHTTPClient(gateway.Config{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		Timeout: cfg.GatewayTimeout,
	}, logger)
}

// Handler builds the HTTP API on top of the wired services.
func (a *App) Handler() *handlers.Handler {
	return handlers.New(a.Applier, a.Ledger, a.Cancel, a.Upgrade, a.Logger, handlers.Config{
		GatewayWebhookToken: a.Config.GatewayWebhookToken,
		StripeWebhookSecret: a.Config.StripeWebhookSecret,
	})
}

func (a *App) ReadyChecks() []runtime.ReadyCheck {
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(a.Pool)}}
	if a.Config.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(a.Config.KafkaBrokers)})
	}
	if a.Redis != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: ratelimit.ReadyCheck(a.Redis)})
	}
	return checks
}

func (a *App) Close() {
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn("event publisher close failed", "err", err)
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Pool.Close()
}
