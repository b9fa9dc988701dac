package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/crm"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/ledger"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/subscriptions"
	"github.com/shopspring/decimal"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memRow struct {
	txn         model.Transaction
	statusToken string
	crmToken    string
}

// memLedger mirrors the claim semantics of the Postgres ledger in memory.
type memLedger struct {
	mu    sync.Mutex
	clock *clock
	rows  map[string]*memRow
}

func newMemLedger(c *clock) *memLedger {
	return &memLedger{clock: c, rows: map[string]*memRow{}}
}

func (m *memLedger) add(t model.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ExternalReference == "" {
		t.ExternalReference = uuid.NewString()
	}
	if t.CRMSyncStatus == "" {
		t.CRMSyncStatus = model.CRMSyncPending
	}
	m.rows[t.ID] = &memRow{txn: t}
}

func (m *memLedger) get(id string) model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].txn
}

func (m *memLedger) matches(r *memRow, f ledger.Filter) bool {
	t := r.txn
	age := t.Age(m.clock.Now())
	switch f := f.(type) {
	case ledger.PendingForStatusCheck:
		okStatus := t.Status == model.StatusPending || (f.IncludeApproved && t.Status == model.StatusApproved)
		return okStatus && r.statusToken == "" && t.ProviderPaymentID != "" &&
			age >= f.MinAge && (f.Window == 0 || age <= f.Window)
	case ledger.CRMSync:
		okCRM := t.CRMSyncStatus == model.CRMSyncPending || (!f.PendingOnly && t.CRMSyncStatus == model.CRMSyncFailed)
		return t.Status == model.StatusApproved && okCRM && r.crmToken == "" &&
			(f.MaxAttempts == 0 || t.CRMSyncAttempts < f.MaxAttempts)
	}
	return false
}

func (m *memLedger) sorted() []*memRow {
	out := make([]*memRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].txn.CreatedAt.Before(out[j].txn.CreatedAt) })
	return out
}

func (m *memLedger) ClaimBatch(_ context.Context, f ledger.Filter, limit int) ([]ledger.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := uuid.NewString()
	var out []ledger.Claim
	for _, r := range m.sorted() {
		if len(out) >= limit {
			break
		}
		if !m.matches(r, f) {
			continue
		}
		if f.Lane() == ledger.LaneCRM {
			r.crmToken = token
			r.txn.CRMSyncAttempts++
			now := m.clock.Now()
			r.txn.LastCRMSyncAt = &now
		} else {
			r.statusToken = token
		}
		out = append(out, ledger.Claim{Transaction: r.txn, Token: token, Lane: f.Lane()})
	}
	return out, nil
}

func (m *memLedger) ListCandidates(_ context.Context, f ledger.Filter, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for _, r := range m.sorted() {
		if len(out) < limit && m.matches(r, f) {
			out = append(out, r.txn)
		}
	}
	return out, nil
}

func (m *memLedger) ReleaseStatusClaim(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.statusToken != token {
		return ledger.ErrClaimLost
	}
	r.statusToken = ""
	return nil
}

func (m *memLedger) MarkCRMSynced(_ context.Context, id, token, dealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.crmToken != token {
		return ledger.ErrClaimLost
	}
	r.crmToken = ""
	r.txn.CRMSyncStatus = model.CRMSyncSynced
	r.txn.CRMDealID = dealID
	return nil
}

func (m *memLedger) MarkCRMFailed(_ context.Context, id, token, dealID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.crmToken != token {
		return ledger.ErrClaimLost
	}
	r.crmToken = ""
	r.txn.CRMSyncStatus = model.CRMSyncFailed
	if dealID != "" {
		r.txn.CRMDealID = dealID
	}
	return nil
}

func (m *memLedger) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return model.Transaction{}, ledger.ErrNotFound
	}
	return r.txn, nil
}

func (m *memLedger) TransitionStatus(_ context.Context, _ pgx.Tx, id string, from, to model.PaymentStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	if !from.CanTransition(to) {
		return false, ledger.ErrIllegalTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.txn.Status != from {
		return false, nil
	}
	r.txn.Status = to
	return true, nil
}

type nilTx struct{}

func (nilTx) InTx(_ context.Context, fn func(pgx.Tx) error) error { return fn(nil) }

// memStore backs users, patients, subscriptions and appointments.
type memStore struct {
	mu           sync.Mutex
	users        map[string]model.User
	patients     map[string]string
	subs         map[string]model.Subscription
	appointments map[string]model.AppointmentStatus
	coupons      map[string]int
	contactRace  string
}

func newMemStore() *memStore {
	return &memStore{
		users:        map[string]model.User{},
		patients:     map[string]string{},
		subs:         map[string]model.Subscription{},
		appointments: map[string]model.AppointmentStatus{},
		coupons:      map[string]int{},
	}
}

func (s *memStore) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, errors.New("user not found")
	}
	return u, nil
}

// SetCRMContactID keeps an existing id. contactRace, when set, is stored first to stand in
// for a concurrent sweep that won the write.
func (s *memStore) SetCRMContactID(_ context.Context, userID, contactID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	if u.CRMContactID == "" && s.contactRace != "" {
		u.CRMContactID = s.contactRace
	}
	if u.CRMContactID == "" {
		u.CRMContactID = contactID
	}
	s.users[userID] = u
	return u.CRMContactID, nil
}

func (s *memStore) GetPatientByUser(_ context.Context, _ pgx.Tx, userID string) (model.Patient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.patients[userID]
	return model.Patient{ID: id, UserID: userID}, ok, nil
}

func (s *memStore) UpsertActiveSubscription(_ context.Context, _ pgx.Tx, sub model.Subscription) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = "sub-" + sub.PatientID
	sub.Status = model.SubscriptionRecordActive
	s.subs[sub.PatientID] = sub
	return sub.ID, nil
}

func (s *memStore) ActivatePlan(_ context.Context, _ pgx.Tx, userID, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.CurrentPlan = plan
	u.SubscriptionStatus = model.SubscriptionActive
	s.users[userID] = u
	return nil
}

func (s *memStore) moveAppointment(id string, to model.AppointmentStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appointments[id] != model.AppointmentWaitingPayment {
		return false
	}
	s.appointments[id] = to
	return true
}

func (s *memStore) ConfirmAppointment(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	return s.moveAppointment(id, model.AppointmentScheduled), nil
}

func (s *memStore) ReleaseAppointment(_ context.Context, _ pgx.Tx, id, _ string) (bool, error) {
	return s.moveAppointment(id, model.AppointmentCancelled), nil
}

func (s *memStore) IncrementCouponUsage(_ context.Context, _ pgx.Tx, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[code]++
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	statuses  map[string]model.PaymentStatus
	cancelled []string
	queries   int
	panicOn   string
}

func (g *fakeGateway) QueryStatus(_ context.Context, id string) (model.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if id == g.panicOn {
		panic("unexpected provider payload")
	}
	s, ok := g.statuses[id]
	if !ok {
		return "", &gateway.Error{Op: "query_status", Kind: gateway.Transient, StatusCode: 503}
	}
	return s, nil
}

func (g *fakeGateway) CancelCharge(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statuses[id] != model.StatusPending {
		return false, nil
	}
	g.statuses[id] = model.StatusCancelled
	g.cancelled = append(g.cancelled, id)
	return true, nil
}

func (g *fakeGateway) CreateCustomer(context.Context, gateway.CustomerInput) (gateway.Customer, error) {
	return gateway.Customer{}, errors.New("not used")
}

func (g *fakeGateway) CreateCharge(context.Context, gateway.ChargeInput) (gateway.Charge, error) {
	return gateway.Charge{}, errors.New("not used")
}

func (g *fakeGateway) GetSubscription(context.Context, string) (gateway.Subscription, error) {
	return gateway.Subscription{}, errors.New("not used")
}

func (g *fakeGateway) CancelSubscription(context.Context, string) error {
	return errors.New("not used")
}

func (g *fakeGateway) UpdateSubscriptionValue(context.Context, string, decimal.Decimal) error {
	return errors.New("not used")
}

type fakeCRM struct {
	mu       sync.Mutex
	fail     bool
	nextID   int
	contacts map[string]crm.Contact
	deals    map[string]crm.Deal
	rows     map[string][]crm.ProductRow
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{contacts: map[string]crm.Contact{}, deals: map[string]crm.Deal{}, rows: map[string][]crm.ProductRow{}}
}

func (c *fakeCRM) id() string {
	c.nextID++
	return fmt.Sprint(c.nextID)
}

func (c *fakeCRM) CreateContact(_ context.Context, ct crm.Contact) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return "", &crm.Error{Method: "crm.contact.add", StatusCode: 503, Transient: true}
	}
	id := c.id()
	c.contacts[id] = ct
	return id, nil
}

func (c *fakeCRM) UpdateContact(_ context.Context, id string, ct crm.Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return &crm.Error{Method: "crm.contact.update", StatusCode: 503, Transient: true}
	}
	c.contacts[id] = ct
	return nil
}

func (c *fakeCRM) FindDeal(_ context.Context, _, originID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.deals {
		if d.OriginID == originID {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (c *fakeCRM) CreateDeal(_ context.Context, d crm.Deal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.id()
	c.deals[id] = d
	return id, nil
}

func (c *fakeCRM) UpdateDeal(_ context.Context, id string, d crm.Deal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deals[id] = d
	return nil
}

func (c *fakeCRM) ReplaceProductRows(_ context.Context, dealID string, rows []crm.ProductRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[dealID] = rows
	return nil
}

type harness struct {
	clock     *clock
	ledger    *memLedger
	store     *memStore
	gateway   *fakeGateway
	crm       *fakeCRM
	scheduler *Scheduler
}

func newHarness() *harness {
	c := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:   c,
		ledger:  newMemLedger(c),
		store:   newMemStore(),
		gateway: &fakeGateway{statuses: map[string]model.PaymentStatus{}},
		crm:     newFakeCRM(),
	}
	activator := subscriptions.NewActivator(h.store, time.UTC, discard)
	applier := payments.NewApplier(nilTx{}, h.ledger, h.store, activator, events.NopPublisher{}, discard)
	catalog, _ := crm.ParseCatalog(`{"basic": "100"}`, "900")
	h.scheduler = NewScheduler(h.ledger, applier, h.gateway, h.crm, h.store, catalog, Config{}, discard)
	h.scheduler.now = c.Now
	return h
}

// addPix creates a pending PIX transaction created at the current clock time.
func (h *harness) addPix(id string, amount string) model.Transaction {
	t := model.Transaction{
		ID:                id,
		ProviderPaymentID: "pay_" + id,
		UserID:            "user-1",
		PlanType:          "basic",
		BillingCycle:      model.CycleMonthly,
		Amount:            decimal.RequireFromString(amount),
		PaymentMethod:     model.MethodPix,
		Status:            model.StatusPending,
		CreatedAt:         h.clock.Now(),
	}
	h.ledger.add(t)
	h.gateway.statuses[t.ProviderPaymentID] = model.StatusPending
	return t
}
