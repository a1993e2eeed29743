package provider

import (
	"context"
	"time"
)

// Event is a single additive usage event for the billing provider's meters.
type Event struct {
	CustomerID string
	Meter      string
	Value      int64
	Timestamp  time.Time
}

// MeteringProvider is the external metered-billing API. Implementations must
// return a nil error only on confirmed acceptance; the caller treats any
// error as "nothing was recorded" and keeps the usage buffered.
type MeteringProvider interface {
	// SendEvent submits one additive usage event.
	SendEvent(ctx context.Context, ev Event) error

	// SetSubscriptionQuantity sets the absolute quantity on a subscription
	// item. Used for flat-quantity seat plans; idempotent by construction.
	SetSubscriptionQuantity(ctx context.Context, subscriptionItemID string, quantity int64) error
}

// NoopProvider accepts and discards all events. Used when billing is
// disabled (local development, self-hosted deployments).
type NoopProvider struct{}

func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (p *NoopProvider) SendEvent(ctx context.Context, ev Event) error {
	return nil
}

func (p *NoopProvider) SetSubscriptionQuantity(ctx context.Context, subscriptionItemID string, quantity int64) error {
	return nil
}
