package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"usage_meter/internal/models"
)

// TeamRepository reads team billing metadata and member counts. The
// metering subsystem never writes usage here; the only write is the
// observability timestamp on the team row.
type TeamRepository struct {
	db *DB
}

// NewTeamRepository creates a new team repository
func NewTeamRepository(db *DB) *TeamRepository {
	return &TeamRepository{db: db}
}

// GetBillingProfile returns the plan metadata the reconciler branches on.
// Profiles are cached briefly; seat reconciliation tolerates plan metadata
// that is a few minutes stale.
func (r *TeamRepository) GetBillingProfile(ctx context.Context, teamID uuid.UUID) (*models.BillingProfile, error) {
	cacheKey := "profile:" + teamID.String()
	if cached, found := r.db.planCache.Get(cacheKey); found {
		return cached.(*models.BillingProfile), nil
	}

	query := `
		SELECT t.id AS team_id,
		       COALESCE(t.billing_customer_id, '') AS billing_customer_id,
		       s.plan_generation,
		       s.included_seats,
		       s.minimum_seats,
		       COALESCE(s.seat_subscription_item_id, '') AS seat_subscription_item_id,
		       COALESCE(s.seat_meter, '') AS seat_meter,
		       t.last_usage_reported_at
		FROM teams t
		JOIN subscriptions s ON s.team_id = t.id
		WHERE t.id = $1
		  AND s.status IN ('active', 'trialing')
		ORDER BY s.created_at DESC
		LIMIT 1
	`

	var profile models.BillingProfile
	err := r.db.conn.GetContext(ctx, &profile, query, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBillingPlan
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing profile: %w", err)
	}

	if !profile.Generation.IsValid() {
		return nil, fmt.Errorf("team %s has unknown plan generation %q", teamID, profile.Generation)
	}

	r.db.planCache.Set(cacheKey, &profile)
	return &profile, nil
}

// CustomerIDForTeam resolves a team to its billing-provider customer id.
// An empty id means the team has no billing customer attached (free tier).
func (r *TeamRepository) CustomerIDForTeam(ctx context.Context, teamID uuid.UUID) (string, error) {
	query := `SELECT COALESCE(billing_customer_id, '') FROM teams WHERE id = $1`

	var customerID string
	err := r.db.conn.GetContext(ctx, &customerID, query, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTeamNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve billing customer: %w", err)
	}

	return customerID, nil
}

// CountBillableMembers counts active team members, excluding internal house
// accounts that are never charged.
func (r *TeamRepository) CountBillableMembers(ctx context.Context, teamID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM team_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.team_id = $1
		  AND m.status = 'active'
		  AND u.is_internal = FALSE
	`

	var count int64
	if err := r.db.conn.GetContext(ctx, &count, query, teamID); err != nil {
		return 0, fmt.Errorf("failed to count billable members: %w", err)
	}

	return count, nil
}

// UpdateLastReportedAt stamps the team row with the last confirmed report
// time. Best-effort observability only; the authoritative timestamp lives
// in the coordination store.
func (r *TeamRepository) UpdateLastReportedAt(ctx context.Context, teamID uuid.UUID, at time.Time) error {
	query := `UPDATE teams SET last_usage_reported_at = $2 WHERE id = $1`

	if _, err := r.db.conn.ExecContext(ctx, query, teamID, at); err != nil {
		return fmt.Errorf("failed to update last reported time: %w", err)
	}
	return nil
}
