package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one money-movement attempt. Rows are never deleted.
type Transaction struct {
	ID                string
	ExternalReference string
	ProviderPaymentID string
	UserID            string
	PlanType          string
	BillingCycle      BillingCycle
	Amount            decimal.Decimal
	PaymentMethod     PaymentMethod
	Status            PaymentStatus
	CRMSyncStatus     CRMSyncStatus
	CRMSyncAttempts   int
	LastCRMSyncAt     *time.Time
	CRMDealID         string
	AppointmentID     string
	CouponCode        string
	Snapshot          Snapshot
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (t Transaction) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Snapshot is captured at checkout so reconciliation never depends on live lookups.
type Snapshot struct {
	CustomerName  string         `json:"customer_name,omitempty"`
	Email         string         `json:"email,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	CPF           string         `json:"cpf,omitempty"`
	Address       Address        `json:"address"`
	LineItems     []LineItem     `json:"line_items,omitempty"`
	Questionnaire map[string]any `json:"questionnaire,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type Address struct {
	Street     string `json:"street,omitempty"`
	Number     string `json:"number,omitempty"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

func (a Address) Empty() bool {
	return a == Address{}
}

type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CentsToAmount and AmountToCents convert between the database representation
// (integer cents) and decimal currency amounts.
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}
