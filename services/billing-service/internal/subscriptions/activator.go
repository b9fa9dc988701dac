package subscriptions

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

// Store is the persistence the activator needs; *storage.Repository implements it.
type Store interface {
	GetPatientByUser(ctx context.Context, tx pgx.Tx, userID string) (model.Patient, bool, error)
	UpsertActiveSubscription(ctx context.Context, tx pgx.Tx, s model.Subscription) (string, error)
	ActivatePlan(ctx context.Context, tx pgx.Tx, userID, plan string) error
}

// Activator turns an approved recurring payment into a subscription and an entitlement.
// Activate runs inside the caller's transaction so it commits together with the status change.
type Activator struct {
	store  Store
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

func NewActivator(store Store, loc *time.Location, logger *slog.Logger) *Activator {
	if loc == nil {
		loc = time.UTC
	}
	return &Activator{store: store, loc: loc, now: time.Now, logger: logger}
}

// Activate is safe to call repeatedly for the same transaction: every call lands on the
// same end state. It reports false when there was nothing to activate.
func (a *Activator) Activate(ctx context.Context, tx pgx.Tx, txn model.Transaction) (bool, error) {
	if txn.Status != model.StatusApproved || !txn.BillingCycle.Recurring() {
		return false, nil
	}
	patient, ok, err := a.store.GetPatientByUser(ctx, tx, txn.UserID)
	if err != nil {
		return false, err
	}
	if !ok {
		a.logger.Warn("activator: user has no patient profile", "transaction_id", txn.ID, "user_id", txn.UserID)
		return false, nil
	}

	today := a.now().In(a.loc)
	subID, err := a.store.UpsertActiveSubscription(ctx, tx, model.Subscription{
		PatientID:       patient.ID,
		PlanType:        txn.PlanType,
		FrequencyMonths: txn.BillingCycle.Months(),
		NextBillingDate: NextBillingDate(today, txn.BillingCycle),
	})
	if err != nil {
		return false, err
	}
	if err := a.store.ActivatePlan(ctx, tx, txn.UserID, txn.PlanType); err != nil {
		return false, err
	}
	a.logger.Info("activator: subscription active", "transaction_id", txn.ID, "user_id", txn.UserID, "subscription_id", subID, "plan", txn.PlanType)
	return true, nil
}

// NextBillingDate counts one cycle forward from today, never from a previous due date,
// so missed cycles do not compound.
func NextBillingDate(today time.Time, cycle model.BillingCycle) time.Time {
	y, m, d := today.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, today.Location()).AddDate(0, cycle.Months(), 0)
}

// LoadLocation resolves the billing timezone, falling back to UTC for unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
