// Package cancellation moves users from an active plan through the grace period to
// canceled. Access is kept until the date the user already paid for.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/storage"
)

type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	StartGracePeriod(ctx context.Context, userID string, paidThrough time.Time, reason string) error
	CancelNow(ctx context.Context, tx pgx.Tx, userID, reason string) error
	CancelActiveSubscriptions(ctx context.Context, tx pgx.Tx, userID string) (int64, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]model.User, error)
	FinalizeCancellation(ctx context.Context, tx pgx.Tx, userID string, now time.Time) (bool, error)
}

// Subscriptions is the slice of the gateway the cancellation flow needs.
type Subscriptions interface {
	GetSubscription(ctx context.Context, id string) (gateway.Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type Service struct {
	tx        db.TxRunner
	store     Store
	gateway   Subscriptions
	publisher events.Publisher
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(tx db.TxRunner, store Store, gw Subscriptions, publisher events.Publisher, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{tx: tx, store: store, gateway: gw, publisher: publisher, loc: loc, logger: logger, now: time.Now}
}

type gracePayload struct {
	UserID           string    `json:"user_id"`
	Plan             string    `json:"plan"`
	AccessValidUntil time.Time `json:"access_valid_until"`
	Reason           string    `json:"reason,omitempty"`
}

type canceledPayload struct {
	UserID    string `json:"user_id"`
	Plan      string `json:"plan"`
	Reason    string `json:"reason,omitempty"`
	Immediate bool   `json:"immediate"`
}

// Initiate stops the recurring charge and schedules the local cancellation for the end of
// the paid period.
func (s *Service) Initiate(ctx context.Context, userID, reason string) Result {
	log := s.logger.With("user_id", userID)
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Message: "user not found"}
	}
	if err != nil {
		log.Error("cancellation: load user failed", "err", err)
		return Result{Message: "could not load subscription, try again later"}
	}

	switch user.SubscriptionStatus {
	case model.SubscriptionGracePeriod:
		return Result{OK: true, Message: graceMessage(user.AccessValidUntil, s.loc)}
	case model.SubscriptionCanceled:
		return Result{Message: "subscription is already canceled"}
	}
	if user.CurrentPlan == "" || user.CurrentPlan == model.PlanNone {
		return Result{Message: "no active subscription"}
	}

	if user.GatewaySubscriptionID == "" {
		log.Warn("cancellation: user has no gateway subscription, canceling immediately", "plan", user.CurrentPlan)
		return s.cancelNow(ctx, log, user, reason)
	}

	sub, err := s.gateway.GetSubscription(ctx, user.GatewaySubscriptionID)
	if err != nil {
		log.Error("cancellation: query subscription failed", "err", err, "transient", gateway.IsTransient(err))
		return Result{Message: "could not reach the payment provider, try again later"}
	}
	if err := s.gateway.CancelSubscription(ctx, user.GatewaySubscriptionID); err != nil {
		log.Error("cancellation: gateway cancel failed", "err", err, "transient", gateway.IsTransient(err))
		return Result{Message: "could not cancel the recurring charge, try again later"}
	}

	paidThrough := s.paidThrough(sub.NextDueDate)
	if !paidThrough.After(s.now()) {
		log.Warn("cancellation: paid period already over, canceling immediately", "next_due_date", sub.NextDueDate)
		return s.cancelNow(ctx, log, user, reason)
	}

	if err := s.store.StartGracePeriod(ctx, user.ID, paidThrough, reason); err != nil {
		log.Error("cancellation: start grace period failed", "err", err, "gateway_subscription_id", user.GatewaySubscriptionID)
		return Result{Message: "recurring charge stopped but the local update failed, contact support"}
	}
	log.Info("cancellation: grace period started", "plan", user.CurrentPlan, "access_valid_until", paidThrough)

	evt, err := events.New(events.SubscriptionGraceStarted, "user", user.ID, gracePayload{
		UserID: user.ID, Plan: user.CurrentPlan, AccessValidUntil: paidThrough, Reason: reason,
	})
	if err == nil {
		events.PublishBestEffort(ctx, s.publisher, s.logger, evt)
	}
	return Result{OK: true, Message: graceMessage(&paidThrough, s.loc)}
}

func (s *Service) cancelNow(ctx context.Context, log *slog.Logger, user model.User, reason string) Result {
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.CancelNow(ctx, tx, user.ID, reason); err != nil {
			return err
		}
		_, err := s.store.CancelActiveSubscriptions(ctx, tx, user.ID)
		return err
	})
	if err != nil {
		log.Error("cancellation: immediate cancel failed", "err", err)
		return Result{Message: "could not cancel subscription, try again later"}
	}

	evt, err := events.New(events.SubscriptionCanceled, "user", user.ID, canceledPayload{
		UserID: user.ID, Plan: user.CurrentPlan, Reason: reason, Immediate: true,
	})
	if err == nil {
		events.PublishBestEffort(ctx, s.publisher, s.logger, evt)
	}
	return Result{OK: true, Message: "subscription canceled"}
}

// paidThrough reads the gateway due date as a calendar day in the billing time zone.
func (s *Service) paidThrough(due time.Time) time.Time {
	if due.IsZero() {
		return time.Time{}
	}
	y, m, d := due.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func graceMessage(until *time.Time, loc *time.Location) string {
	if until == nil {
		return "cancellation scheduled"
	}
	return fmt.Sprintf("cancellation scheduled, access remains until %s", until.In(loc).Format(time.DateOnly))
}
