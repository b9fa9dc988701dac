package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeClient implements Gateway on PaymentIntents. The external reference doubles as
// the idempotency key so a retried create never produces a second charge.
type StripeClient struct {
	api      *client.API
	currency string
	timeout  time.Duration
	logger   *slog.Logger
}

type StripeConfig struct {
	SecretKey string
	Currency  string
	Timeout   time.Duration
	// Backends overrides the API endpoint, used against a local stub.
	Backends *stripe.Backends
}

func NewStripeClient(cfg StripeConfig, logger *slog.Logger) *StripeClient {
	if logger == nil {
		logger = slog.Default()
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "brl"
	}
	api := &client.API{}
	api.Init(strings.TrimSpace(cfg.SecretKey), cfg.Backends)
	return &StripeClient{
		api:      api,
		currency: currency,
		timeout:  Config{Timeout: cfg.Timeout}.timeout(),
		logger:   logger,
	}
}

func (c *StripeClient) CreateCustomer(ctx context.Context, in CustomerInput) (cust Customer, err error) {
	ctx, cancel, done := c.begin(ctx, "create_customer")
	defer cancel()
	defer func() { done(err) }()

	params := &stripe.CustomerParams{
		Name:  stripe.String(in.Name),
		Email: stripe.String(in.Email),
	}
	if in.Phone != "" {
		params.Phone = stripe.String(in.Phone)
	}
	params.Context = ctx
	if in.ExternalReference != "" {
		params.SetIdempotencyKey("customer-" + in.ExternalReference)
		params.AddMetadata("external_reference", in.ExternalReference)
	}
	sc, err := c.api.Customers.New(params)
	if err != nil {
		return Customer{}, stripeError("create_customer", err)
	}
	return Customer{ID: sc.ID}, nil
}

func (c *StripeClient) CreateCharge(ctx context.Context, in ChargeInput) (ch Charge, err error) {
	ctx, cancel, done := c.begin(ctx, "create_charge")
	defer cancel()
	defer func() { done(err) }()

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(model.AmountToCents(in.Amount)),
		Currency:    stripe.String(c.currency),
		Customer:    stripe.String(in.CustomerID),
		Description: stripe.String(in.Description),
		Confirm:     stripe.Bool(true),
	}
	switch in.Method {
	case model.MethodCard:
		if in.CardToken == "" {
			return Charge{}, &Error{Op: "create_charge", Kind: Definitive, Message: "card charges require a tokenized payment method", Err: errUnsupported}
		}
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
		params.PaymentMethod = stripe.String(in.CardToken)
	default:
		params.PaymentMethodTypes = stripe.StringSlice([]string{"pix"})
		params.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{Type: stripe.String("pix")}
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.ExternalReference)
	params.AddMetadata("external_reference", in.ExternalReference)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return Charge{}, stripeError("create_charge", err)
	}
	return Charge{ID: pi.ID, Status: IntentStatus(pi), RawStatus: string(pi.Status)}, nil
}

func (c *StripeClient) QueryStatus(ctx context.Context, providerPaymentID string) (status model.PaymentStatus, err error) {
	ctx, cancel, done := c.begin(ctx, "query_status")
	defer cancel()
	defer func() { done(err) }()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := c.api.PaymentIntents.Get(providerPaymentID, params)
	if err != nil {
		return "", stripeError("query_status", err)
	}
	return IntentStatus(pi), nil
}

func (c *StripeClient) CancelCharge(ctx context.Context, providerPaymentID string) (ok bool, err error) {
	ctx, cancel, done := c.begin(ctx, "cancel_charge")
	defer cancel()
	defer func() { done(err) }()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Cancel(providerPaymentID, params)
	if err != nil {
		return false, stripeError("cancel_charge", err)
	}
	return pi.Status == stripe.PaymentIntentStatusCanceled, nil
}

func (c *StripeClient) GetSubscription(ctx context.Context, id string) (sub Subscription, err error) {
	ctx, cancel, done := c.begin(ctx, "get_subscription")
	defer cancel()
	defer func() { done(err) }()

	s, err := c.getSubscription(ctx, id)
	if err != nil {
		return Subscription{}, stripeError("get_subscription", err)
	}
	sub = Subscription{
		ID:     s.ID,
		Status: string(s.Status),
		Active: s.Status == stripe.SubscriptionStatusActive || s.Status == stripe.SubscriptionStatusTrialing,
		Value:  decimal.Zero,
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item.Price == nil {
				continue
			}
			qty := item.Quantity
			if qty <= 0 {
				qty = 1
			}
			sub.Value = sub.Value.Add(model.CentsToAmount(item.Price.UnitAmount * qty))
		}
	}
	if s.CurrentPeriodEnd > 0 {
		sub.NextDueDate = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	return sub, nil
}

func (c *StripeClient) CancelSubscription(ctx context.Context, id string) (err error) {
	ctx, cancel, done := c.begin(ctx, "cancel_subscription")
	defer cancel()
	defer func() { done(err) }()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Cancel(id, params); err != nil {
		return stripeError("cancel_subscription", err)
	}
	return nil
}

// UpdateSubscriptionValue swaps the first item's price for an inline price with the new
// amount. Future cycles bill the new value; no proration is generated here.
func (c *StripeClient) UpdateSubscriptionValue(ctx context.Context, id string, value decimal.Decimal) (err error) {
	ctx, cancel, done := c.begin(ctx, "update_subscription")
	defer cancel()
	defer func() { done(err) }()

	s, err := c.getSubscription(ctx, id)
	if err != nil {
		return stripeError("update_subscription", err)
	}
	if s.Items == nil || len(s.Items.Data) == 0 || s.Items.Data[0].Price == nil {
		return &Error{Op: "update_subscription", Kind: Definitive, Message: "subscription has no priced item"}
	}
	item := s.Items.Data[0]
	priceData := &stripe.SubscriptionItemPriceDataParams{
		Currency:   stripe.String(string(item.Price.Currency)),
		UnitAmount: stripe.Int64(model.AmountToCents(value)),
	}
	if item.Price.Product != nil {
		priceData.Product = stripe.String(item.Price.Product.ID)
	}
	if item.Price.Recurring != nil {
		priceData.Recurring = &stripe.SubscriptionItemPriceDataRecurringParams{
			Interval:      stripe.String(string(item.Price.Recurring.Interval)),
			IntervalCount: stripe.Int64(item.Price.Recurring.IntervalCount),
		}
	}
	params := &stripe.SubscriptionParams{
		Items:             []*stripe.SubscriptionItemsParams{{ID: stripe.String(item.ID), PriceData: priceData}},
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Update(id, params); err != nil {
		return stripeError("update_subscription", err)
	}
	return nil
}

func (c *StripeClient) getSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price.product")
	return c.api.Subscriptions.Get(id, params)
}

func (c *StripeClient) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, func(err error) {
		metrics.GatewayCalls.WithLabelValues(op, metrics.Outcome(err)).Inc()
		if err != nil {
			c.logger.Debug("gateway: stripe call failed", "op", op, "err", err)
		}
	}
}

// IntentStatus refines the table lookup with facts only visible on the intent itself.
func IntentStatus(pi *stripe.PaymentIntent) model.PaymentStatus {
	if pi.Status == stripe.PaymentIntentStatusSucceeded && pi.LatestCharge != nil &&
		(pi.LatestCharge.Refunded || pi.LatestCharge.Disputed) {
		return model.StatusRefunded
	}
	if pi.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && pi.LastPaymentError != nil {
		return model.StatusRejected
	}
	return MapStatus(string(pi.Status))
}

func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		kind := classify(se.HTTPStatusCode)
		if se.HTTPStatusCode == 0 {
			kind = Transient
		}
		return &Error{Op: op, Kind: kind, StatusCode: se.HTTPStatusCode, Message: se.Msg, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Op: op, Kind: Transient, StatusCode: http.StatusRequestTimeout, Message: "timeout", Err: err}
	}
	return &Error{Op: op, Kind: Transient, Message: "request failed", Err: err}
}

var _ Gateway = (*StripeClient)(nil)
