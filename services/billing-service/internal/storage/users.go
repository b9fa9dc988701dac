package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

const userColumns = `
	id::text, email, full_name, current_plan, subscription_status,
	access_valid_until, scheduled_cancellation_date,
	COALESCE(cancellation_reason, ''), COALESCE(scheduled_plan, ''),
	COALESCE(crm_contact_id, ''), COALESCE(gateway_customer_id, ''), COALESCE(gateway_subscription_id, ''),
	updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	var status string
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.CurrentPlan, &status,
		&u.AccessValidUntil, &u.ScheduledCancellationDate,
		&u.CancellationReason, &u.ScheduledPlan,
		&u.CRMContactID, &u.GatewayCustomerID, &u.GatewaySubscriptionID,
		&u.UpdatedAt)
	if err != nil {
		return model.User{}, notFound(err)
	}
	u.SubscriptionStatus = model.SubscriptionStatus(status)
	return u, nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (model.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// ActivatePlan is the single write path for granting a plan: it sets the plan, marks the
// user active and clears any pending cancellation.
func (r *Repository) ActivatePlan(ctx context.Context, tx pgx.Tx, userID, plan string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET current_plan = $2,
		    subscription_status = 'active',
		    access_valid_until = NULL,
		    scheduled_cancellation_date = NULL,
		    cancellation_reason = NULL,
		    scheduled_plan = NULL,
		    updated_at = now()
		WHERE id = $1
	`, userID, plan)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCRMContactID stores contactID unless the user already has one and returns the id
// that ends up stored.
func (r *Repository) SetCRMContactID(ctx context.Context, userID, contactID string) (string, error) {
	var stored string
	err := r.pool.QueryRow(ctx, `
		UPDATE users
		SET crm_contact_id = COALESCE(NULLIF(crm_contact_id, ''), $2), updated_at = now()
		WHERE id = $1
		RETURNING crm_contact_id
	`, userID, contactID).Scan(&stored)
	if err != nil {
		return "", notFound(err)
	}
	return stored, nil
}

// StartGracePeriod keeps access until paidThrough and schedules the cancellation for the same instant.
func (r *Repository) StartGracePeriod(ctx context.Context, userID string, paidThrough time.Time, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET subscription_status = 'grace_period',
		    access_valid_until = $2,
		    scheduled_cancellation_date = $2,
		    cancellation_reason = $3,
		    updated_at = now()
		WHERE id = $1
	`, userID, paidThrough, nullIfEmpty(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelNow revokes access immediately.
func (r *Repository) CancelNow(ctx context.Context, tx pgx.Tx, userID, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET subscription_status = 'canceled',
		    current_plan = 'none',
		    access_valid_until = NULL,
		    scheduled_cancellation_date = NULL,
		    cancellation_reason = COALESCE($2, cancellation_reason),
		    updated_at = now()
		WHERE id = $1
	`, userID, nullIfEmpty(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGraceExpired returns users whose grace period ended at or before now.
func (r *Repository) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]model.User, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE subscription_status = 'grace_period' AND scheduled_cancellation_date <= $1
		ORDER BY scheduled_cancellation_date
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// FinalizeCancellation flips a due grace-period user to canceled. It returns false when
// the user is no longer due, for example after reactivating in the meantime.
func (r *Repository) FinalizeCancellation(ctx context.Context, tx pgx.Tx, userID string, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET subscription_status = 'canceled',
		    current_plan = 'none',
		    scheduled_plan = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND subscription_status = 'grace_period'
		  AND scheduled_cancellation_date <= $2
	`, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
