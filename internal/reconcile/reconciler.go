package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"usage_meter/internal/audit"
	"usage_meter/internal/metering"
	"usage_meter/internal/models"
	"usage_meter/internal/provider"
	"usage_meter/internal/utils"
)

// ProfileStore supplies the plan metadata and member counts seat
// reconciliation runs on.
type ProfileStore interface {
	GetBillingProfile(ctx context.Context, teamID uuid.UUID) (*models.BillingProfile, error)
	CountBillableMembers(ctx context.Context, teamID uuid.UUID) (int64, error)
	UpdateLastReportedAt(ctx context.Context, teamID uuid.UUID, at time.Time) error
}

// Options describes what triggered a reconciliation pass.
type Options struct {
	// SeatAdded is set when a member just joined the team. Metered plans
	// report the single added seat as a usage event; seat removals are
	// never reported.
	SeatAdded bool

	// MonthlyReporting is set by the billing-cycle job. Metered plans
	// report the current overage above the included allotment.
	MonthlyReporting bool
}

// Reconciler pushes a team's seat state to the billing provider, branching
// on the plan generation: older plans carry an absolute quantity on the
// subscription item, newer plans bill overage through usage events.
type Reconciler struct {
	store    ProfileStore
	provider provider.MeteringProvider
	engine   *metering.Engine
	audit    audit.Sink
	logger   *utils.Logger

	now func() time.Time
}

// NewReconciler creates a seat reconciler.
func NewReconciler(store ProfileStore, p provider.MeteringProvider, engine *metering.Engine, auditSink audit.Sink) *Reconciler {
	if auditSink == nil {
		auditSink = audit.NewNoopSink()
	}
	return &Reconciler{
		store:    store,
		provider: p,
		engine:   engine,
		audit:    auditSink,
		logger:   utils.NewLogger("reconcile"),
		now:      time.Now,
	}
}

// ReconcileSeats brings the billing provider in line with the team's current
// billable membership. Internal house accounts never count toward seats.
func (r *Reconciler) ReconcileSeats(ctx context.Context, teamID uuid.UUID, opts Options) error {
	profile, err := r.store.GetBillingProfile(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to load billing profile for team %s: %w", teamID, err)
	}
	if profile.CustomerID == "" {
		// No billing customer attached: nothing to reconcile.
		return nil
	}

	switch profile.Generation {
	case models.PlanGenerationFlat:
		return r.reconcileFlat(ctx, teamID, profile)
	case models.PlanGenerationMetered:
		return r.reconcileMetered(ctx, teamID, profile, opts)
	default:
		return fmt.Errorf("team %s has unknown plan generation %q", teamID, profile.Generation)
	}
}

// reconcileFlat sets the absolute seat quantity on the subscription item.
// The quantity never drops below the plan's contractual minimum, so seat
// removals below it change nothing on the invoice.
func (r *Reconciler) reconcileFlat(ctx context.Context, teamID uuid.UUID, profile *models.BillingProfile) error {
	if profile.SeatItemID == "" {
		return fmt.Errorf("team %s is on a flat plan but has no seat subscription item", teamID)
	}

	actual, err := r.store.CountBillableMembers(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to count billable members for team %s: %w", teamID, err)
	}

	quantity := actual
	if quantity < profile.MinimumSeats {
		quantity = profile.MinimumSeats
	}

	if err := r.provider.SetSubscriptionQuantity(ctx, profile.SeatItemID, quantity); err != nil {
		return fmt.Errorf("failed to set seat quantity for team %s: %w", teamID, err)
	}

	now := r.now().UTC()
	if err := r.audit.Record(&audit.ReportRecord{
		Timestamp:  now,
		CustomerID: profile.CustomerID,
		Value:      quantity,
		Kind:       "quantity_set",
	}); err != nil {
		r.logger.Warn("Failed to record audit entry", "team_id", teamID, "error", err)
	}
	r.touchLastReported(ctx, teamID, now)

	r.logger.Info("Seat quantity set",
		"team_id", teamID,
		"customer_id", profile.CustomerID,
		"actual_seats", actual,
		"billed_seats", quantity)
	return nil
}

// reconcileMetered reports seat changes as usage events. Additions report a
// single seat immediately; the monthly pass reports the overage above the
// included allotment. Removals are intentionally silent, customers are not
// credited mid-cycle.
func (r *Reconciler) reconcileMetered(ctx context.Context, teamID uuid.UUID, profile *models.BillingProfile, opts Options) error {
	if profile.SeatMeter == "" {
		return fmt.Errorf("team %s is on a metered plan but has no seat meter", teamID)
	}

	if opts.SeatAdded {
		err := r.engine.RecordUsage(ctx, profile.CustomerID, profile.SeatMeter, 1, metering.WithFlushThreshold(1))
		if err != nil {
			return fmt.Errorf("failed to record added seat for team %s: %w", teamID, err)
		}
		r.logger.Info("Seat addition recorded",
			"team_id", teamID, "customer_id", profile.CustomerID)
	}

	if opts.MonthlyReporting {
		actual, err := r.store.CountBillableMembers(ctx, teamID)
		if err != nil {
			return fmt.Errorf("failed to count billable members for team %s: %w", teamID, err)
		}

		overage := actual - profile.IncludedSeats
		if overage <= 0 {
			r.logger.Info("No seat overage to report",
				"team_id", teamID, "actual_seats", actual, "included_seats", profile.IncludedSeats)
			return nil
		}

		err = r.engine.RecordUsage(ctx, profile.CustomerID, profile.SeatMeter, overage, metering.WithFlushThreshold(1))
		if err != nil {
			return fmt.Errorf("failed to record seat overage for team %s: %w", teamID, err)
		}
		r.touchLastReported(ctx, teamID, r.now().UTC())

		r.logger.Info("Seat overage recorded",
			"team_id", teamID,
			"customer_id", profile.CustomerID,
			"actual_seats", actual,
			"included_seats", profile.IncludedSeats,
			"overage", overage)
	}

	return nil
}

// touchLastReported stamps the team row for observability. Failures only
// warn; the coordination store keeps the authoritative timestamp.
func (r *Reconciler) touchLastReported(ctx context.Context, teamID uuid.UUID, at time.Time) {
	if err := r.store.UpdateLastReportedAt(ctx, teamID, at); err != nil {
		r.logger.Warn("Failed to update last reported time", "team_id", teamID, "error", err)
	}
}
