// Package payments applies a payment status change and its side effects atomically.
// Sweeps, webhooks and upgrades all go through Applier, so whichever path observes a
// change first wins and the other finds the row already moved.
package payments

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

type Source string

const (
	SourceGatewaySweep     Source = "gateway_sweep"
	SourceLostWebhookSweep Source = "lost_webhook_sweep"
	SourceWebhook          Source = "webhook"
	SourceUpgrade          Source = "upgrade"
)

type Ledger interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Transaction, error)
	TransitionStatus(ctx context.Context, tx pgx.Tx, id string, from, to model.PaymentStatus) (bool, error)
}

type Store interface {
	ConfirmAppointment(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	ReleaseAppointment(ctx context.Context, tx pgx.Tx, id, reason string) (bool, error)
	IncrementCouponUsage(ctx context.Context, tx pgx.Tx, code string) error
}

type Activator interface {
	Activate(ctx context.Context, tx pgx.Tx, txn model.Transaction) (bool, error)
}

type Outcome struct {
	Applied              bool
	From                 model.PaymentStatus
	To                   model.PaymentStatus
	Activated            bool
	AppointmentConfirmed bool
	AppointmentReleased  bool
}

type Applier struct {
	tx        db.TxRunner
	ledger    Ledger
	store     Store
	activator Activator
	publisher events.Publisher
	logger    *slog.Logger
}

func NewApplier(tx db.TxRunner, ledger Ledger, store Store, activator Activator, publisher events.Publisher, logger *slog.Logger) *Applier {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Applier{tx: tx, ledger: ledger, store: store, activator: activator, publisher: publisher, logger: logger}
}

// Apply moves the transaction to status to. A row already in that status is a no-op.
// Forbidden edges surface as ledger.ErrIllegalTransition and mutate nothing.
func (a *Applier) Apply(ctx context.Context, txnID string, to model.PaymentStatus, source Source) (Outcome, error) {
	var out Outcome
	var txn model.Transaction
	err := a.tx.InTx(ctx, func(tx pgx.Tx) error {
		cur, err := a.ledger.GetForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		out = Outcome{From: cur.Status, To: to}
		ok, err := a.ledger.TransitionStatus(ctx, tx, txnID, cur.Status, to)
		if err != nil || !ok {
			return err
		}
		out.Applied = true
		cur.Status = to
		txn = cur

		switch {
		case to == model.StatusApproved:
			if out.Activated, err = a.activator.Activate(ctx, tx, cur); err != nil {
				return err
			}
			if cur.AppointmentID != "" {
				if out.AppointmentConfirmed, err = a.store.ConfirmAppointment(ctx, tx, cur.AppointmentID); err != nil {
					return err
				}
			}
			if cur.CouponCode != "" {
				if err := a.store.IncrementCouponUsage(ctx, tx, cur.CouponCode); err != nil {
					return err
				}
			}
		case to.ReleasesHold():
			if cur.AppointmentID != "" {
				if out.AppointmentReleased, err = a.store.ReleaseAppointment(ctx, tx, cur.AppointmentID, "payment "+string(to)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !out.Applied {
		return out, nil
	}

	a.logger.Info("payment status applied",
		"transaction_id", txn.ID,
		"provider_payment_id", txn.ProviderPaymentID,
		"from", out.From,
		"to", out.To,
		"source", source,
		"activated", out.Activated,
	)
	a.publish(ctx, txn, out, source)
	return out, nil
}

func (a *Applier) publish(ctx context.Context, txn model.Transaction, out Outcome, source Source) {
	var evts []events.Event
	evt, err := events.New(events.TransactionStatusChanged(out.To), "transaction", txn.ID, map[string]any{
		"transaction_id":      txn.ID,
		"external_reference":  txn.ExternalReference,
		"provider_payment_id": txn.ProviderPaymentID,
		"user_id":             txn.UserID,
		"plan_type":           txn.PlanType,
		"billing_cycle":       txn.BillingCycle,
		"amount":              txn.Amount.StringFixed(2),
		"from":                out.From,
		"to":                  out.To,
		"source":              source,
	})
	if err == nil {
		evts = append(evts, evt)
	}
	if out.Activated {
		if evt, err := events.New(events.SubscriptionActivated, "user", txn.UserID, map[string]any{
			"user_id":        txn.UserID,
			"plan_type":      txn.PlanType,
			"billing_cycle":  txn.BillingCycle,
			"transaction_id": txn.ID,
		}); err == nil {
			evts = append(evts, evt)
		}
	}
	events.PublishBestEffort(ctx, a.publisher, a.logger, evts...)
}
