package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanGeneration distinguishes how a plan bills seats. The branch is an
// explicit tag rather than field sniffing so the reconciler can switch
// exhaustively.
type PlanGeneration string

const (
	// PlanGenerationFlat bills an absolute seat quantity on the
	// subscription item (older plans).
	PlanGenerationFlat PlanGeneration = "flat"

	// PlanGenerationMetered bills seat overage through usage events
	// (newer plans).
	PlanGenerationMetered PlanGeneration = "metered"
)

// IsValid reports whether the tag is a known plan generation.
func (g PlanGeneration) IsValid() bool {
	return g == PlanGenerationFlat || g == PlanGenerationMetered
}

// BillingProfile is the slice of team and plan metadata the metering engine
// needs: who to bill, under which plan generation, and with which seat
// allotments.
type BillingProfile struct {
	TeamID         uuid.UUID      `db:"team_id"`
	CustomerID     string         `db:"billing_customer_id"`
	Generation     PlanGeneration `db:"plan_generation"`
	IncludedSeats  int64          `db:"included_seats"`
	MinimumSeats   int64          `db:"minimum_seats"`
	SeatItemID     string         `db:"seat_subscription_item_id"` // flat plans
	SeatMeter      string         `db:"seat_meter"`                // metered plans
	LastReportedAt *time.Time     `db:"last_usage_reported_at"`
}
