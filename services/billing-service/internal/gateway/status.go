package gateway

import (
	"strings"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

// providerStatus maps every known provider code to a canonical status. Codes from the
// JSON provider are upper-case; Stripe PaymentIntent statuses are normalized the same way.
var providerStatus = map[string]model.PaymentStatus{
	"PENDING":                model.StatusPending,
	"AWAITING_RISK_ANALYSIS": model.StatusPending,
	"AUTHORIZED":             model.StatusPending,
	"OVERDUE":                model.StatusPending,
	"RECEIVED":               model.StatusApproved,
	"CONFIRMED":              model.StatusApproved,
	"RECEIVED_IN_CASH":       model.StatusApproved,
	"REFUSED":                model.StatusRejected,
	"FAILED":                 model.StatusRejected,
	"DELETED":                model.StatusCancelled,
	"CANCELLED":              model.StatusCancelled,
	"EXPIRED":                model.StatusCancelled,
	"REFUNDED":               model.StatusRefunded,
	"REFUND_IN_PROGRESS":     model.StatusRefunded,
	// A refund or chargeback that can still be denied keeps the payment approved.
	"REFUND_REQUESTED":             model.StatusApproved,
	"CHARGEBACK_REQUESTED":         model.StatusApproved,
	"CHARGEBACK_DISPUTE":           model.StatusApproved,
	"AWAITING_CHARGEBACK_REVERSAL": model.StatusApproved,
	"DUNNING_REQUESTED":            model.StatusPending,
	"DUNNING_RECEIVED":             model.StatusApproved,

	"REQUIRES_PAYMENT_METHOD": model.StatusPending,
	"REQUIRES_CONFIRMATION":   model.StatusPending,
	"REQUIRES_ACTION":         model.StatusPending,
	"PROCESSING":              model.StatusPending,
	"REQUIRES_CAPTURE":        model.StatusPending,
	"SUCCEEDED":               model.StatusApproved,
	"CANCELED":                model.StatusCancelled,
}

// MapStatus never approves on an unknown code: anything unmapped stays pending.
func MapStatus(code string) model.PaymentStatus {
	if s, ok := providerStatus[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return s
	}
	return model.StatusPending
}
