package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/subscriptionitem"
)

// StripeProvider reports usage to Stripe billing meters and subscription items.
type StripeProvider struct{}

// NewStripeProvider sets the Stripe key once at initialization rather than
// per-call to avoid a race when multiple goroutines set the global.
func NewStripeProvider(secretKey string) *StripeProvider {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	return &StripeProvider{}
}

// SendEvent submits one billing meter event. The event identifier is derived
// from customer, meter, value and an hourly timestamp bucket so that a retry
// after a lost success response within the same bucket dedupes provider-side.
// A retry in a later bucket is still a distinct event.
func (p *StripeProvider) SendEvent(ctx context.Context, ev Event) error {
	identifier := fmt.Sprintf("%s_%s_%d_%d",
		ev.CustomerID,
		ev.Meter,
		ev.Value,
		ev.Timestamp.UTC().Truncate(time.Hour).Unix(),
	)

	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(ev.Meter),
		Identifier: stripe.String(identifier),
		Payload: map[string]string{
			"stripe_customer_id": ev.CustomerID,
			"value":              fmt.Sprintf("%d", ev.Value),
		},
		Timestamp: stripe.Int64(ev.Timestamp.Unix()),
	}
	params.Context = ctx

	if _, err := meterevent.New(params); err != nil {
		return fmt.Errorf("stripe meter event failed: %w", err)
	}
	return nil
}

// SetSubscriptionQuantity sets the absolute seat quantity on a subscription item.
func (p *StripeProvider) SetSubscriptionQuantity(ctx context.Context, subscriptionItemID string, quantity int64) error {
	params := &stripe.SubscriptionItemParams{
		Quantity: stripe.Int64(quantity),
	}
	params.Context = ctx

	if _, err := subscriptionitem.Update(subscriptionItemID, params); err != nil {
		return fmt.Errorf("stripe subscription item update failed: %w", err)
	}
	return nil
}
