package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

// Event is the envelope published to Kafka. The topic name equals EventType.
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	OccurredAt    time.Time
	Payload       []byte
}

const (
	SubscriptionActivated    = "billing.subscription.activated.v1"
	SubscriptionGraceStarted = "billing.subscription.grace_started.v1"
	SubscriptionCanceled     = "billing.subscription.canceled.v1"
	SubscriptionUpgraded     = "billing.subscription.upgraded.v1"
)

func TransactionStatusChanged(status model.PaymentStatus) string {
	return fmt.Sprintf("billing.transaction.%s.v1", status)
}

func New(eventType, aggregateType, aggregateID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}
