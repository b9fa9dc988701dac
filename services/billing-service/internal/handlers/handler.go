// Package handlers is the thin HTTP surface of the billing service: provider webhooks and
// the two user-initiated subscription flows.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/cancellation"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/upgrade"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Applier interface {
	Apply(ctx context.Context, txnID string, to model.PaymentStatus, source payments.Source) (payments.Outcome, error)
}

type Transactions interface {
	GetByProviderID(ctx context.Context, providerPaymentID string) (model.Transaction, error)
	GetByExternalReference(ctx context.Context, ref string) (model.Transaction, error)
}

type Canceler interface {
	Initiate(ctx context.Context, userID, reason string) cancellation.Result
}

type Upgrader interface {
	Upgrade(ctx context.Context, req upgrade.Request) upgrade.Result
}

type Handler struct {
	applier                Applier
	txns                   Transactions
	canceler               Canceler
	upgrader               Upgrader
	logger                 *slog.Logger
	webhookToken           string
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	GatewayWebhookToken           string
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
}

func New(applier Applier, txns Transactions, canceler Canceler, upgrader Upgrader, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		applier:                applier,
		txns:                   txns,
		canceler:               canceler,
		upgrader:               upgrader,
		logger:                 logger,
		webhookToken:           strings.TrimSpace(cfg.GatewayWebhookToken),
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
	}
}

// Routes returns the billing API. The caller mounts it next to /healthz and /readyz.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Post("/webhooks/gateway", h.GatewayWebhook)
		r.Post("/webhooks/stripe", h.StripeWebhook)
		r.Post("/subscription/cancel", h.CancelSubscription)
		r.Post("/subscription/upgrade", h.UpgradeSubscription)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// userID is set by the upstream API gateway after authentication.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
