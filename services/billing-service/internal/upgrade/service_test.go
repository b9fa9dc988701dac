package upgrade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/storage"
	"github.com/shopspring/decimal"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type nilTx struct{}

func (nilTx) InTx(_ context.Context, fn func(pgx.Tx) error) error { return fn(nil) }

type fakeStore struct {
	user    model.User
	sub     model.Subscription
	upserts []model.Subscription
	failAct bool
}

func (s *fakeStore) GetUser(_ context.Context, id string) (model.User, error) {
	if id != s.user.ID {
		return model.User{}, storage.ErrNotFound
	}
	return s.user, nil
}

func (s *fakeStore) GetPatientByUser(context.Context, pgx.Tx, string) (model.Patient, bool, error) {
	return model.Patient{ID: "p1", UserID: s.user.ID}, true, nil
}

func (s *fakeStore) GetActiveSubscriptionForUpdate(context.Context, pgx.Tx, string) (model.Subscription, bool, error) {
	return s.sub, s.sub.ID != "", nil
}

func (s *fakeStore) UpsertActiveSubscription(_ context.Context, _ pgx.Tx, sub model.Subscription) (string, error) {
	s.upserts = append(s.upserts, sub)
	return sub.ID, nil
}

func (s *fakeStore) ActivatePlan(_ context.Context, _ pgx.Tx, _, plan string) error {
	if s.failAct {
		return errors.New("connection reset")
	}
	s.user.CurrentPlan = plan
	s.user.SubscriptionStatus = model.SubscriptionActive
	return nil
}

type fakeLedger struct {
	rows     map[string]*model.Transaction
	provider map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*model.Transaction{}, provider: map[string]string{}}
}

func (l *fakeLedger) Insert(_ context.Context, t *model.Transaction) error {
	t.ID = uuid.NewString()
	t.ExternalReference = uuid.NewString()
	l.rows[t.ID] = t
	return nil
}

func (l *fakeLedger) AttachProviderPayment(_ context.Context, id, providerID string) error {
	l.provider[id] = providerID
	return nil
}

type fakeApplier struct {
	ledger  *fakeLedger
	applied []model.PaymentStatus
}

func (a *fakeApplier) Apply(_ context.Context, id string, to model.PaymentStatus, _ payments.Source) (payments.Outcome, error) {
	a.applied = append(a.applied, to)
	a.ledger.rows[id].Status = to
	return payments.Outcome{Applied: true, To: to}, nil
}

type fakeGateway struct {
	sub         gateway.Subscription
	chargeErr   error
	chargeState model.PaymentStatus
	updateErr   error
	charges     []gateway.ChargeInput
	updated     []decimal.Decimal
	cancelled   []string
}

func (g *fakeGateway) CreateCustomer(context.Context, gateway.CustomerInput) (gateway.Customer, error) {
	return gateway.Customer{}, nil
}

func (g *fakeGateway) CreateCharge(_ context.Context, in gateway.ChargeInput) (gateway.Charge, error) {
	g.charges = append(g.charges, in)
	if g.chargeErr != nil {
		return gateway.Charge{}, g.chargeErr
	}
	return gateway.Charge{ID: "ch_1", Status: g.chargeState}, nil
}

func (g *fakeGateway) QueryStatus(context.Context, string) (model.PaymentStatus, error) {
	return g.chargeState, nil
}

func (g *fakeGateway) CancelCharge(_ context.Context, id string) (bool, error) {
	g.cancelled = append(g.cancelled, id)
	return true, nil
}

func (g *fakeGateway) GetSubscription(context.Context, string) (gateway.Subscription, error) {
	return g.sub, nil
}

func (g *fakeGateway) CancelSubscription(context.Context, string) error { return nil }

func (g *fakeGateway) UpdateSubscriptionValue(_ context.Context, _ string, v decimal.Decimal) error {
	if g.updateErr != nil {
		return g.updateErr
	}
	g.updated = append(g.updated, v)
	return nil
}

var now = time.Date(2026, 6, 16, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *fakeStore
	ledger  *fakeLedger
	applier *fakeApplier
	gateway *fakeGateway
	svc     *Service
}

func newFixture() *fixture {
	f := &fixture{
		store: &fakeStore{
			user: model.User{
				ID:                    "u1",
				CurrentPlan:           "basic",
				SubscriptionStatus:    model.SubscriptionActive,
				GatewayCustomerID:     "cus_1",
				GatewaySubscriptionID: "sub_1",
			},
			sub: model.Subscription{ID: "s1", PatientID: "p1", PlanType: "basic", FrequencyMonths: 1},
		},
		ledger: newFakeLedger(),
		gateway: &fakeGateway{
			sub:         gateway.Subscription{ID: "sub_1", Active: true, Value: d("50.00"), NextDueDate: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
			chargeState: model.StatusApproved,
		},
	}
	f.applier = &fakeApplier{ledger: f.ledger}
	f.svc = NewService(nilTx{}, f.store, f.ledger, f.applier, f.gateway, events.NopPublisher{}, Config{MinimumCharge: d("5.00")}, discard)
	f.svc.now = func() time.Time { return now }
	return f
}

func request(value string) Request {
	return Request{
		UserID:    "u1",
		NewPlanID: "premium",
		NewValue:  d(value),
		Payment:   PaymentDetails{Method: model.MethodCard, CardToken: "pm_card_visa"},
	}
}

func TestUpgradeChargesProRataOnce(t *testing.T) {
	f := newFixture()
	res := f.svc.Upgrade(context.Background(), request("100.00"))
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if !res.AmountCharged.Equal(d("25.00")) {
		t.Fatalf("expected 25.00, got %s", res.AmountCharged)
	}
	if len(f.gateway.charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(f.gateway.charges))
	}
	charge := f.gateway.charges[0]
	txn := f.ledger.rows[res.TransactionID]
	if charge.ExternalReference != txn.ExternalReference || charge.CustomerID != "cus_1" {
		t.Fatalf("charge not tied to the ledger row: %+v", charge)
	}
	if txn.BillingCycle != model.CycleOneOff || txn.Status != model.StatusApproved {
		t.Fatalf("unexpected ledger row: %s %s", txn.BillingCycle, txn.Status)
	}
	if f.ledger.provider[txn.ID] != "ch_1" {
		t.Fatalf("provider payment id not attached")
	}
	if len(f.gateway.updated) != 1 || !f.gateway.updated[0].Equal(d("100.00")) {
		t.Fatalf("subscription value not updated: %v", f.gateway.updated)
	}
	if f.store.user.CurrentPlan != "premium" {
		t.Fatalf("plan not switched: %s", f.store.user.CurrentPlan)
	}
	if len(f.store.upserts) != 1 || f.store.upserts[0].PlanType != "premium" {
		t.Fatalf("local subscription not moved: %+v", f.store.upserts)
	}
}

func TestUpgradeChargesMinimum(t *testing.T) {
	f := newFixture()
	f.gateway.sub.Value = d("99.00")
	res := f.svc.Upgrade(context.Background(), request("100.00"))
	if !res.OK || !res.AmountCharged.Equal(d("5.00")) {
		t.Fatalf("expected minimum charge, got %+v", res)
	}
}

func TestUpgradeRejectsCheaperOrEqualPlan(t *testing.T) {
	for _, v := range []string{"50.00", "30.00"} {
		f := newFixture()
		res := f.svc.Upgrade(context.Background(), request(v))
		if res.OK {
			t.Fatalf("value %s: expected rejection", v)
		}
		if len(f.gateway.charges) != 0 || len(f.ledger.rows) != 0 {
			t.Fatalf("value %s: nothing should be charged", v)
		}
	}
}

func TestUpgradeRequiresActiveSubscription(t *testing.T) {
	f := newFixture()
	f.gateway.sub.Active = false
	if res := f.svc.Upgrade(context.Background(), request("100.00")); res.OK {
		t.Fatalf("expected failure for inactive subscription")
	}
	f = newFixture()
	f.store.user.GatewaySubscriptionID = ""
	if res := f.svc.Upgrade(context.Background(), request("100.00")); res.OK {
		t.Fatalf("expected failure without subscription")
	}
}

func TestUpgradeValidation(t *testing.T) {
	f := newFixture()
	cases := map[string]Request{
		"missing plan":    {UserID: "u1", NewValue: d("100"), Payment: PaymentDetails{Method: model.MethodCard, CardToken: "tok"}},
		"pix not allowed": {UserID: "u1", NewPlanID: "premium", NewValue: d("100"), Payment: PaymentDetails{Method: model.MethodPix, CardToken: "tok"}},
		"no card":         {UserID: "u1", NewPlanID: "premium", NewValue: d("100"), Payment: PaymentDetails{Method: model.MethodCard}},
		"zero value":      {UserID: "u1", NewPlanID: "premium", Payment: PaymentDetails{Method: model.MethodCard, CardToken: "tok"}},
	}
	for name, req := range cases {
		if res := f.svc.Upgrade(context.Background(), req); res.OK || res.Message == "" {
			t.Fatalf("%s: expected validation failure, got %+v", name, res)
		}
	}
	if len(f.gateway.charges) != 0 {
		t.Fatalf("invalid requests reached the gateway")
	}
}

func TestUpgradeChargeFailureMutatesNothing(t *testing.T) {
	f := newFixture()
	f.gateway.chargeErr = &gateway.Error{Op: "create_charge", Kind: gateway.Definitive, StatusCode: 400, Message: "card declined"}
	res := f.svc.Upgrade(context.Background(), request("100.00"))
	if res.OK {
		t.Fatalf("expected failure")
	}
	if f.store.user.CurrentPlan != "basic" || len(f.gateway.updated) != 0 {
		t.Fatalf("state changed after a failed charge")
	}
	if got := f.ledger.rows[res.TransactionID].Status; got != model.StatusRejected {
		t.Fatalf("expected rejected ledger row, got %s", got)
	}
}

func TestUpgradeChargeFailureLogsMaskedCardOnly(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture()
	f.svc.logger = slog.New(slog.NewJSONHandler(&buf, nil))
	f.gateway.chargeErr = &gateway.Error{Op: "create_charge", Kind: gateway.Definitive, StatusCode: 400, Message: "card declined"}

	f.svc.Upgrade(context.Background(), request("100.00"))
	if strings.Contains(buf.String(), "panicked") || strings.Contains(buf.String(), `"card"`) {
		t.Fatalf("token payment must not log a card: %s", buf.String())
	}

	buf.Reset()
	req := request("100.00")
	req.Payment = PaymentDetails{Method: model.MethodCard, Card: &gateway.CardData{
		HolderName: "Maria Souza", Number: "4111111111111111", ExpiryMonth: "12", ExpiryYear: "2030", CVV: "123", Brand: "VISA",
	}}
	f.svc.Upgrade(context.Background(), req)
	if !strings.Contains(buf.String(), "**** 1111") || strings.Contains(buf.String(), "4111111111111111") {
		t.Fatalf("expected masked card in log: %s", buf.String())
	}
}

func TestUpgradePendingChargeIsCancelled(t *testing.T) {
	f := newFixture()
	f.gateway.chargeState = model.StatusPending
	res := f.svc.Upgrade(context.Background(), request("100.00"))
	if res.OK {
		t.Fatalf("expected failure")
	}
	if len(f.gateway.cancelled) != 1 {
		t.Fatalf("pending charge not cancelled")
	}
	if got := f.ledger.rows[res.TransactionID].Status; got != model.StatusCancelled {
		t.Fatalf("expected cancelled ledger row, got %s", got)
	}
	if f.store.user.CurrentPlan != "basic" {
		t.Fatalf("plan changed without payment")
	}
}

func TestUpgradeSubscriptionUpdateFailureLeavesPlan(t *testing.T) {
	f := newFixture()
	f.gateway.updateErr = &gateway.Error{Op: "update_subscription", Kind: gateway.Transient, StatusCode: 502}
	res := f.svc.Upgrade(context.Background(), request("100.00"))
	if res.OK {
		t.Fatalf("expected failure")
	}
	if !res.AmountCharged.Equal(d("25.00")) {
		t.Fatalf("charged amount should be reported, got %s", res.AmountCharged)
	}
	if f.store.user.CurrentPlan != "basic" {
		t.Fatalf("plan switched despite failed subscription update")
	}
}
