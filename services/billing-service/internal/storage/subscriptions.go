package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

func (r *Repository) GetPatientByUser(ctx context.Context, tx pgx.Tx, userID string) (model.Patient, bool, error) {
	var p model.Patient
	err := tx.QueryRow(ctx, `SELECT id::text, user_id::text FROM patients WHERE user_id = $1`, userID).Scan(&p.ID, &p.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Patient{}, false, nil
		}
		return model.Patient{}, false, err
	}
	return p, true, nil
}

func (r *Repository) GetActiveSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, patientID string) (model.Subscription, bool, error) {
	var s model.Subscription
	err := tx.QueryRow(ctx, `
		SELECT id::text, patient_id::text, plan_type, frequency_months, next_billing_date, status, updated_at
		FROM subscriptions
		WHERE patient_id = $1 AND status = 'active'
		FOR UPDATE
	`, patientID).Scan(&s.ID, &s.PatientID, &s.PlanType, &s.FrequencyMonths, &s.NextBillingDate, &s.Status, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, false, nil
		}
		return model.Subscription{}, false, err
	}
	return s, true, nil
}

// UpsertActiveSubscription creates the patient's active subscription or moves the existing
// one forward. The partial unique index guarantees a single active row per patient.
func (r *Repository) UpsertActiveSubscription(ctx context.Context, tx pgx.Tx, s model.Subscription) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO subscriptions (patient_id, plan_type, frequency_months, next_billing_date, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (patient_id) WHERE status = 'active'
		DO UPDATE SET plan_type = EXCLUDED.plan_type,
		              frequency_months = EXCLUDED.frequency_months,
		              next_billing_date = EXCLUDED.next_billing_date,
		              updated_at = now()
		RETURNING id::text
	`, s.PatientID, s.PlanType, s.FrequencyMonths, s.NextBillingDate).Scan(&id)
	return id, err
}

func (r *Repository) CancelActiveSubscriptions(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions s
		SET status = 'canceled', updated_at = now()
		FROM patients p
		WHERE s.patient_id = p.id AND p.user_id = $1 AND s.status = 'active'
	`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
