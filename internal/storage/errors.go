package storage

import "errors"

var (
	// ErrTeamNotFound means the team id does not exist in the store.
	ErrTeamNotFound = errors.New("team not found")

	// ErrNoBillingPlan means the team exists but carries no active
	// subscription with a billing-relevant plan item.
	ErrNoBillingPlan = errors.New("no active billing plan for team")
)
