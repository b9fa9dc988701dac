package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/httpx"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/ledger"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

type gatewayWebhookRequest struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payment struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		ExternalReference string `json:"externalReference"`
	} `json:"payment"`
}

// GatewayWebhook receives payment notifications from the JSON gateway. The shared token
// header is the only authentication the provider supports.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken == "" {
		http.Error(w, "gateway webhook not configured", http.StatusServiceUnavailable)
		return
	}
	got := r.Header.Get("X-Gateway-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookToken)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req gatewayWebhookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Payment.ID) == "" || strings.TrimSpace(req.Payment.Status) == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	log := h.logger.With(
		"provider", "gateway",
		"provider_event_id", req.ID,
		"event_type", req.Event,
		"provider_payment_id", req.Payment.ID,
		"request_id", httpx.RequestIDFromContext(r.Context()),
	)
	log.Info("billing provider event received", "raw_status", req.Payment.Status)
	h.applyWebhook(r.Context(), w, log, req.Payment.ID, req.Payment.ExternalReference, gateway.MapStatus(req.Payment.Status))
}

// StripeWebhook handles payment intent and refund events. Signature verification is the auth.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.stripeWebhookSecret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	log := h.logger.With(
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", string(evt.Type),
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)
	log.Info("billing provider event received")

	var (
		intentID string
		extRef   string
		status   model.PaymentStatus
	)
	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.processing":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			log.Error("stripe: invalid payment intent payload", "err", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		intentID, extRef, status = pi.ID, pi.Metadata["external_reference"], gateway.IntentStatus(&pi)
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			log.Error("stripe: invalid charge payload", "err", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		// Partial refunds keep the payment approved.
		if ch.PaymentIntent == nil || !ch.Refunded {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
			return
		}
		intentID, extRef, status = ch.PaymentIntent.ID, ch.Metadata["external_reference"], model.StatusRefunded
	case "charge.dispute.closed":
		var d stripe.Dispute
		if err := json.Unmarshal(evt.Data.Raw, &d); err != nil {
			log.Error("stripe: invalid dispute payload", "err", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if d.Status != stripe.DisputeStatusLost || d.PaymentIntent == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
			return
		}
		intentID, status = d.PaymentIntent.ID, model.StatusRefunded
		if d.Charge != nil {
			extRef = d.Charge.Metadata["external_reference"]
		}
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	h.applyWebhook(r.Context(), w, log.With("provider_payment_id", intentID), intentID, extRef, status)
}

// applyWebhook answers 2xx for anything the provider should not retry and 5xx otherwise.
// The sweeps recover whatever a failed delivery leaves behind.
func (h *Handler) applyWebhook(ctx context.Context, w http.ResponseWriter, log *slog.Logger, providerID, extRef string, to model.PaymentStatus) {
	txn, err := h.txns.GetByProviderID(ctx, providerID)
	if errors.Is(err, ledger.ErrNotFound) && extRef != "" {
		txn, err = h.txns.GetByExternalReference(ctx, extRef)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("billing provider event for unknown transaction", "external_reference", extRef)
		writeJSON(w, http.StatusOK, map[string]any{"status": "unknown_transaction"})
		return
	}
	if err != nil {
		log.Error("billing provider event lookup failed", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	out, err := h.applier.Apply(ctx, txn.ID, to, payments.SourceWebhook)
	switch {
	case errors.Is(err, ledger.ErrIllegalTransition):
		log.Warn("billing provider event ignored, forbidden transition", "transaction_id", txn.ID, "local", txn.Status, "remote", to)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	case err != nil:
		log.Error("billing provider event apply failed", "transaction_id", txn.ID, "err", err)
		http.Error(w, "failed to apply payment status", http.StatusInternalServerError)
	case !out.Applied:
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "transaction_id": txn.ID, "to": out.To})
	}
}
