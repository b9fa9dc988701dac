package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/ledger"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

type nilTx struct{}

func (nilTx) InTx(_ context.Context, fn func(pgx.Tx) error) error { return fn(nil) }

type fakeLedger struct {
	rows map[string]model.Transaction
}

func (f *fakeLedger) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (model.Transaction, error) {
	t, ok := f.rows[id]
	if !ok {
		return model.Transaction{}, ledger.ErrNotFound
	}
	return t, nil
}

func (f *fakeLedger) TransitionStatus(_ context.Context, _ pgx.Tx, id string, from, to model.PaymentStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	if !from.CanTransition(to) {
		return false, ledger.ErrIllegalTransition
	}
	t := f.rows[id]
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	f.rows[id] = t
	return true, nil
}

type fakeStore struct {
	appointments map[string]model.AppointmentStatus
	coupons      map[string]int
}

func (f *fakeStore) move(id string, to model.AppointmentStatus) bool {
	if f.appointments[id] != model.AppointmentWaitingPayment {
		return false
	}
	f.appointments[id] = to
	return true
}

func (f *fakeStore) ConfirmAppointment(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	return f.move(id, model.AppointmentScheduled), nil
}

func (f *fakeStore) ReleaseAppointment(_ context.Context, _ pgx.Tx, id, _ string) (bool, error) {
	return f.move(id, model.AppointmentCancelled), nil
}

func (f *fakeStore) IncrementCouponUsage(_ context.Context, _ pgx.Tx, code string) error {
	f.coupons[code]++
	return nil
}

type fakeActivator struct{ calls int }

func (f *fakeActivator) Activate(_ context.Context, _ pgx.Tx, txn model.Transaction) (bool, error) {
	f.calls++
	return txn.BillingCycle.Recurring(), nil
}

type recordingPublisher struct{ types []string }

func (p *recordingPublisher) Publish(_ context.Context, evts ...events.Event) error {
	for _, e := range evts {
		p.types = append(p.types, e.EventType)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	ledger    *fakeLedger
	store     *fakeStore
	activator *fakeActivator
	pub       *recordingPublisher
	applier   *Applier
}

func newFixture(status model.PaymentStatus) *fixture {
	f := &fixture{
		ledger: &fakeLedger{rows: map[string]model.Transaction{
			"txn-1": {
				ID:            "txn-1",
				UserID:        "user-1",
				PlanType:      "basic",
				BillingCycle:  model.CycleMonthly,
				Status:        status,
				AppointmentID: "appt-1",
				CouponCode:    "WELCOME10",
			},
		}},
		store: &fakeStore{
			appointments: map[string]model.AppointmentStatus{"appt-1": model.AppointmentWaitingPayment},
			coupons:      map[string]int{},
		},
		activator: &fakeActivator{},
		pub:       &recordingPublisher{},
	}
	f.applier = NewApplier(nilTx{}, f.ledger, f.store, f.activator, f.pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func TestApplyApproval(t *testing.T) {
	f := newFixture(model.StatusPending)
	out, err := f.applier.Apply(context.Background(), "txn-1", model.StatusApproved, SourceGatewaySweep)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !out.Applied || !out.Activated || !out.AppointmentConfirmed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.store.appointments["appt-1"] != model.AppointmentScheduled {
		t.Fatalf("appointment must be scheduled, got %s", f.store.appointments["appt-1"])
	}
	if f.store.coupons["WELCOME10"] != 1 {
		t.Fatalf("coupon usage must be counted once, got %d", f.store.coupons["WELCOME10"])
	}
	if len(f.pub.types) != 2 || f.pub.types[0] != "billing.transaction.approved.v1" || f.pub.types[1] != events.SubscriptionActivated {
		t.Fatalf("unexpected events %v", f.pub.types)
	}
}

func TestApplyTwiceHasNoSecondEffect(t *testing.T) {
	f := newFixture(model.StatusPending)
	ctx := context.Background()
	if _, err := f.applier.Apply(ctx, "txn-1", model.StatusApproved, SourceWebhook); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	out, err := f.applier.Apply(ctx, "txn-1", model.StatusApproved, SourceGatewaySweep)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if out.Applied {
		t.Fatalf("second apply must be a no-op")
	}
	if f.activator.calls != 1 || f.store.coupons["WELCOME10"] != 1 || len(f.pub.types) != 2 {
		t.Fatalf("side effects repeated: activations=%d coupons=%d events=%v", f.activator.calls, f.store.coupons["WELCOME10"], f.pub.types)
	}
}

func TestApplyRejectionReleasesHold(t *testing.T) {
	for _, to := range []model.PaymentStatus{model.StatusRejected, model.StatusCancelled} {
		f := newFixture(model.StatusPending)
		out, err := f.applier.Apply(context.Background(), "txn-1", to, SourceGatewaySweep)
		if err != nil {
			t.Fatalf("Apply(%s): %v", to, err)
		}
		if !out.AppointmentReleased || f.store.appointments["appt-1"] != model.AppointmentCancelled {
			t.Fatalf("%s must release the slot: %+v", to, out)
		}
		if f.activator.calls != 0 {
			t.Fatalf("%s must not activate", to)
		}
	}
}

func TestApplyNeverRegressesApproved(t *testing.T) {
	f := newFixture(model.StatusApproved)
	_, err := f.applier.Apply(context.Background(), "txn-1", model.StatusPending, SourceLostWebhookSweep)
	if !errors.Is(err, ledger.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if f.ledger.rows["txn-1"].Status != model.StatusApproved {
		t.Fatalf("status regressed to %s", f.ledger.rows["txn-1"].Status)
	}
	if len(f.pub.types) != 0 {
		t.Fatalf("no events expected, got %v", f.pub.types)
	}
}

func TestApplyRefundAfterApproval(t *testing.T) {
	f := newFixture(model.StatusApproved)
	f.store.appointments["appt-1"] = model.AppointmentScheduled
	out, err := f.applier.Apply(context.Background(), "txn-1", model.StatusRefunded, SourceLostWebhookSweep)
	if err != nil || !out.Applied {
		t.Fatalf("refund: out=%+v err=%v", out, err)
	}
	if f.store.appointments["appt-1"] != model.AppointmentScheduled {
		t.Fatalf("only held slots are released")
	}
}

func TestApplyUnknownTransaction(t *testing.T) {
	f := newFixture(model.StatusPending)
	if _, err := f.applier.Apply(context.Background(), "missing", model.StatusApproved, SourceWebhook); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
