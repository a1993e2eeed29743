package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"usage_meter/internal/metering"
	"usage_meter/internal/reconcile"
	"usage_meter/internal/storage"
	"usage_meter/internal/utils"
)

// UsageRecorder buffers usage for a team's billing customer.
type UsageRecorder interface {
	RecordTaskUsage(ctx context.Context, teamID uuid.UUID, meter string, amount int64, opts ...metering.RecordOption) error
}

// SeatReconciler pushes a team's seat state to the billing provider.
type SeatReconciler interface {
	ReconcileSeats(ctx context.Context, teamID uuid.UUID, opts reconcile.Options) error
}

type recordUsageRequest struct {
	TeamID uuid.UUID `json:"team_id"`
	Meter  string    `json:"meter"`
	Amount int64     `json:"amount"`
}

// handleRecordUsage accepts a usage increment from an internal service.
// Responds once the amount is safely buffered; the provider report itself
// may happen later.
func (d *Dependencies) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TeamID == uuid.Nil {
		utils.RespondWithError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	if req.Meter == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "meter is required")
		return
	}
	if req.Amount < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}

	err := d.Usage.RecordTaskUsage(r.Context(), req.TeamID, req.Meter, req.Amount)
	if errors.Is(err, storage.ErrTeamNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Team not found")
		return
	}
	if err != nil {
		d.logger.Error("Failed to record usage", "team_id", req.TeamID, "meter", req.Meter, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to record usage")
		return
	}

	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "buffered"})
}

type reconcileSeatsRequest struct {
	TeamID           uuid.UUID `json:"team_id"`
	SeatAdded        bool      `json:"seat_added"`
	MonthlyReporting bool      `json:"monthly_reporting"`
}

// handleReconcileSeats triggers seat reconciliation for a team, either
// because membership changed or as part of the monthly billing pass.
func (d *Dependencies) handleReconcileSeats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req reconcileSeatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TeamID == uuid.Nil {
		utils.RespondWithError(w, http.StatusBadRequest, "team_id is required")
		return
	}

	err := d.Seats.ReconcileSeats(r.Context(), req.TeamID, reconcile.Options{
		SeatAdded:        req.SeatAdded,
		MonthlyReporting: req.MonthlyReporting,
	})
	if errors.Is(err, storage.ErrNoBillingPlan) {
		utils.RespondWithError(w, http.StatusNotFound, "No active billing plan for team")
		return
	}
	if err != nil {
		d.logger.Error("Failed to reconcile seats", "team_id", req.TeamID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to reconcile seats")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}
