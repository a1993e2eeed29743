package metering

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TeamDirectory resolves a team to its billing-provider customer id.
type TeamDirectory interface {
	CustomerIDForTeam(ctx context.Context, teamID uuid.UUID) (string, error)
}

// Service is the engine's team-facing entry point: callers in the rest of
// the system know teams, not billing customer ids.
type Service struct {
	engine *Engine
	teams  TeamDirectory
}

// NewService creates the team-facing recording service.
func NewService(engine *Engine, teams TeamDirectory) *Service {
	return &Service{engine: engine, teams: teams}
}

// RecordTaskUsage buffers task or token usage for a team's billing customer.
// Returns once the amount is safely buffered; reporting happens
// asynchronously or synchronously depending on the flush conditions.
func (s *Service) RecordTaskUsage(ctx context.Context, teamID uuid.UUID, meter string, amount int64, opts ...RecordOption) error {
	if amount < 0 {
		return fmt.Errorf("usage amount must not be negative, got %d", amount)
	}

	customerID, err := s.teams.CustomerIDForTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to resolve billing customer for team %s: %w", teamID, err)
	}
	if customerID == "" {
		// No billing customer attached (free tier, internal team): nothing to meter.
		return nil
	}

	return s.engine.RecordUsage(ctx, customerID, meter, amount, opts...)
}
