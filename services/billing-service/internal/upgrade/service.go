// Package upgrade moves a subscriber to a more expensive plan mid-cycle, charging the
// pro-rata difference once before anything else changes.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/storage"
	"github.com/shopspring/decimal"
)

type Ledger interface {
	Insert(ctx context.Context, t *model.Transaction) error
	AttachProviderPayment(ctx context.Context, id, providerPaymentID string) error
}

type Applier interface {
	Apply(ctx context.Context, txnID string, to model.PaymentStatus, source payments.Source) (payments.Outcome, error)
}

type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetPatientByUser(ctx context.Context, tx pgx.Tx, userID string) (model.Patient, bool, error)
	GetActiveSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, patientID string) (model.Subscription, bool, error)
	UpsertActiveSubscription(ctx context.Context, tx pgx.Tx, s model.Subscription) (string, error)
	ActivatePlan(ctx context.Context, tx pgx.Tx, userID, plan string) error
}

type PaymentDetails struct {
	Method    model.PaymentMethod `json:"method" validate:"required,oneof=card"`
	Card      *gateway.CardData   `json:"card,omitempty" validate:"required_without=CardToken"`
	CardToken string              `json:"card_token,omitempty"`
	RemoteIP  string              `json:"-"`
}

type Request struct {
	UserID    string          `json:"-" validate:"required"`
	NewPlanID string          `json:"new_plan_id" validate:"required,max=64"`
	NewValue  decimal.Decimal `json:"new_value"`
	Payment   PaymentDetails  `json:"payment" validate:"required"`
}

type Result struct {
	OK            bool            `json:"ok"`
	Message       string          `json:"message"`
	AmountCharged decimal.Decimal `json:"amount_charged"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

type Config struct {
	MinimumCharge decimal.Decimal
	Location      *time.Location
}

type Service struct {
	tx        db.TxRunner
	store     Store
	ledger    Ledger
	applier   Applier
	gateway   gateway.Gateway
	publisher events.Publisher
	cfg       Config
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(tx db.TxRunner, store Store, ledger Ledger, applier Applier, gw gateway.Gateway, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.MinimumCharge.IsZero() {
		cfg.MinimumCharge = decimal.RequireFromString("5.00")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		tx:        tx,
		store:     store,
		ledger:    ledger,
		applier:   applier,
		gateway:   gw,
		publisher: publisher,
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		now:       time.Now,
	}
}

type upgradedPayload struct {
	UserID        string          `json:"user_id"`
	FromPlan      string          `json:"from_plan"`
	ToPlan        string          `json:"to_plan"`
	NewValue      decimal.Decimal `json:"new_value"`
	AmountCharged decimal.Decimal `json:"amount_charged"`
	DaysRemaining int             `json:"days_remaining"`
	TransactionID string          `json:"transaction_id"`
}

func (s *Service) Upgrade(ctx context.Context, req Request) Result {
	if err := s.validate.Struct(req); err != nil {
		return Result{Message: "invalid upgrade request: " + validationSummary(err)}
	}
	if !req.NewValue.IsPositive() {
		return Result{Message: "invalid upgrade request: new_value must be positive"}
	}
	log := s.logger.With("user_id", req.UserID, "new_plan", req.NewPlanID)

	user, err := s.store.GetUser(ctx, req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Message: "user not found"}
	}
	if err != nil {
		log.Error("upgrade: load user failed", "err", err)
		return Result{Message: "could not load subscription, try again later"}
	}
	if user.GatewaySubscriptionID == "" || user.GatewayCustomerID == "" {
		return Result{Message: "no active subscription to upgrade"}
	}

	sub, err := s.gateway.GetSubscription(ctx, user.GatewaySubscriptionID)
	if err != nil {
		log.Error("upgrade: query subscription failed", "err", err, "transient", gateway.IsTransient(err))
		return Result{Message: "could not reach the payment provider, try again later"}
	}
	if !sub.Active {
		return Result{Message: "subscription is not active"}
	}
	if !req.NewValue.GreaterThan(sub.Value) {
		return Result{Message: fmt.Sprintf("new plan must cost more than the current %s", sub.Value.StringFixed(2))}
	}

	days := DaysUntil(s.now(), sub.NextDueDate, s.cfg.Location)
	amount := ProRata(sub.Value, req.NewValue, days, s.cfg.MinimumCharge)
	log = log.With("amount", amount.StringFixed(2), "days_remaining", days)

	txn := &model.Transaction{
		UserID:        user.ID,
		PlanType:      req.NewPlanID,
		BillingCycle:  model.CycleOneOff,
		Amount:        amount,
		PaymentMethod: req.Payment.Method,
		Status:        model.StatusPending,
		Snapshot: model.Snapshot{
			CustomerName: user.FullName,
			Email:        user.Email,
			Extra: map[string]any{
				"kind":           "upgrade",
				"from_plan":      user.CurrentPlan,
				"from_value":     sub.Value.StringFixed(2),
				"new_value":      req.NewValue.StringFixed(2),
				"days_remaining": days,
			},
		},
	}
	if err := s.ledger.Insert(ctx, txn); err != nil {
		log.Error("upgrade: record transaction failed", "err", err)
		return Result{Message: "could not start the upgrade, try again later"}
	}
	log = log.With("transaction_id", txn.ID, "external_reference", txn.ExternalReference)

	charge, err := s.gateway.CreateCharge(ctx, gateway.ChargeInput{
		CustomerID:        user.GatewayCustomerID,
		Method:            req.Payment.Method,
		Amount:            amount,
		Card:              req.Payment.Card,
		CardToken:         req.Payment.CardToken,
		ExternalReference: txn.ExternalReference,
		Description:       fmt.Sprintf("Upgrade to %s (%d days pro-rata)", req.NewPlanID, days),
		RemoteIP:          req.Payment.RemoteIP,
	})
	if err != nil {
		attrs := []any{"err", err, "transient", gateway.IsTransient(err)}
		if req.Payment.Card != nil {
			attrs = append(attrs, "card", req.Payment.Card)
		}
		log.Warn("upgrade: charge failed", attrs...)
		s.settle(ctx, log, txn.ID, model.StatusRejected)
		return Result{Message: "payment was not approved", TransactionID: txn.ID}
	}
	log = log.With("provider_payment_id", charge.ID)
	if err := s.ledger.AttachProviderPayment(ctx, txn.ID, charge.ID); err != nil {
		log.Error("upgrade: attach provider payment failed", "err", err)
	}

	if charge.Status != model.StatusApproved {
		if charge.Status == model.StatusPending {
			if ok, err := s.gateway.CancelCharge(ctx, charge.ID); err != nil || !ok {
				log.Warn("upgrade: could not cancel unconfirmed charge", "err", err)
				return Result{Message: "payment is still being confirmed, the upgrade was not applied", TransactionID: txn.ID}
			}
			s.settle(ctx, log, txn.ID, model.StatusCancelled)
		} else {
			s.settle(ctx, log, txn.ID, charge.Status)
		}
		log.Info("upgrade: charge not approved", "status", charge.Status, "raw_status", charge.RawStatus)
		return Result{Message: "payment was not approved", TransactionID: txn.ID}
	}
	s.settle(ctx, log, txn.ID, model.StatusApproved)

	if err := s.gateway.UpdateSubscriptionValue(ctx, user.GatewaySubscriptionID, req.NewValue); err != nil {
		log.Error("upgrade: charged but subscription value update failed, manual follow-up required", "err", err)
		return Result{Message: "payment received but the plan change failed, support has been notified", AmountCharged: amount, TransactionID: txn.ID}
	}

	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.ActivatePlan(ctx, tx, user.ID, req.NewPlanID); err != nil {
			return err
		}
		patient, ok, err := s.store.GetPatientByUser(ctx, tx, user.ID)
		if err != nil || !ok {
			return err
		}
		local, ok, err := s.store.GetActiveSubscriptionForUpdate(ctx, tx, patient.ID)
		if err != nil || !ok {
			return err
		}
		local.PlanType = req.NewPlanID
		_, err = s.store.UpsertActiveSubscription(ctx, tx, local)
		return err
	})
	if err != nil {
		log.Error("upgrade: charged but local plan update failed, manual follow-up required", "err", err)
		return Result{Message: "payment received but the plan change failed, support has been notified", AmountCharged: amount, TransactionID: txn.ID}
	}
	log.Info("upgrade: completed", "from_plan", user.CurrentPlan)

	evt, err := events.New(events.SubscriptionUpgraded, "user", user.ID, upgradedPayload{
		UserID:        user.ID,
		FromPlan:      user.CurrentPlan,
		ToPlan:        req.NewPlanID,
		NewValue:      req.NewValue,
		AmountCharged: amount,
		DaysRemaining: days,
		TransactionID: txn.ID,
	})
	if err == nil {
		events.PublishBestEffort(ctx, s.publisher, s.logger, evt)
	}
	return Result{OK: true, Message: "plan upgraded", AmountCharged: amount, TransactionID: txn.ID}
}

func (s *Service) settle(ctx context.Context, log *slog.Logger, txnID string, to model.PaymentStatus) {
	if _, err := s.applier.Apply(context.WithoutCancel(ctx), txnID, to, payments.SourceUpgrade); err != nil {
		log.Error("upgrade: record charge outcome failed", "err", err, "status", to)
	}
}

func validationSummary(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	f := verrs[0]
	return fmt.Sprintf("%s failed %s", f.Namespace(), f.Tag())
}
