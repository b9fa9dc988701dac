// Package gateway talks to the payment provider. Every call is bounded by a timeout and
// every failure is returned as a *Error tagged Transient or Definitive.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/shopspring/decimal"
)

type Gateway interface {
	CreateCustomer(ctx context.Context, in CustomerInput) (Customer, error)
	CreateCharge(ctx context.Context, in ChargeInput) (Charge, error)
	QueryStatus(ctx context.Context, providerPaymentID string) (model.PaymentStatus, error)
	CancelCharge(ctx context.Context, providerPaymentID string) (bool, error)
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	UpdateSubscriptionValue(ctx context.Context, id string, value decimal.Decimal) error
}

type CustomerInput struct {
	Name              string
	Email             string
	Phone             string
	CPF               string
	ExternalReference string
}

type Customer struct {
	ID string
}

// CardData is raw card input. It only ever leaves the process in a gateway request body;
// logging it through slog yields the masked summary.
type CardData struct {
	HolderName  string `json:"holder_name"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	CVV         string `json:"cvv"`
	Brand       string `json:"brand,omitempty"`
}

func (c CardData) LogValue() slog.Value {
	return slog.StringValue(c.Summary())
}

func (c CardData) String() string {
	return c.Summary()
}

// Summary is the only representation of a card allowed in logs.
func (c CardData) Summary() string {
	parts := []string{MaskCard(c.Number)}
	if c.Brand != "" {
		parts = append(parts, strings.ToLower(c.Brand))
	}
	if initials := holderInitials(c.HolderName); initials != "" {
		parts = append(parts, initials)
	}
	return strings.Join(parts, " ")
}

type ChargeInput struct {
	CustomerID string
	Method     model.PaymentMethod
	Amount     decimal.Decimal
	Card       *CardData
	// CardToken is a provider-side tokenized card, used instead of raw card data.
	CardToken         string
	ExternalReference string
	Description       string
	RemoteIP          string
}

type Charge struct {
	ID         string
	Status     model.PaymentStatus
	RawStatus  string
	InvoiceURL string
}

type Subscription struct {
	ID          string
	Status      string
	Active      bool
	Value       decimal.Decimal
	NextDueDate time.Time
}

// Config is shared by both client flavours.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 15 * time.Second
	}
	return c.Timeout
}
