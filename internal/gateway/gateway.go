// Package gateway reads authoritative subscription state from Stripe.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// ErrNotFound means Stripe does not know the subscription reference.
var ErrNotFound = errors.New("subscription not found at provider")

// Gateway is the read side of the payment provider used by renewals.
type Gateway interface {
	SubscriptionPeriodEnd(ctx context.Context, subscriptionRef string) (time.Time, error)
}

type StripeGateway struct {
	backend stripe.Backend
	key     string
}

// NewStripeGateway builds a gateway with its own backend so that calls carry
// the given timeout and never retry inside a webhook delivery. An empty apiURL
// uses the public API.
func NewStripeGateway(key, apiURL string, timeout time.Duration) *StripeGateway {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if apiURL != "" {
		cfg.URL = stripe.String(apiURL)
	}
	return &StripeGateway{
		backend: stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		key:     key,
	}
}

// subscriptionPeriod holds the fields read from a subscription. Newer API
// versions moved current_period_end from the subscription onto its items.
type subscriptionPeriod struct {
	stripe.APIResource
	ID               string `json:"id"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p *subscriptionPeriod) periodEnd() int64 {
	end := p.CurrentPeriodEnd
	for _, item := range p.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

func (g *StripeGateway) SubscriptionPeriodEnd(ctx context.Context, subscriptionRef string) (time.Time, error) {
	if subscriptionRef == "" {
		return time.Time{}, errors.New("empty subscription reference")
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var sub subscriptionPeriod
	err := g.backend.Call(http.MethodGet, "/v1/subscriptions/"+subscriptionRef, g.key, params, &sub)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return time.Time{}, fmt.Errorf("%s: %w", subscriptionRef, ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("retrieve subscription %s: %w", subscriptionRef, err)
	}

	end := sub.periodEnd()
	if end == 0 {
		return time.Time{}, fmt.Errorf("subscription %s has no current period end", subscriptionRef)
	}
	return time.Unix(end, 0).UTC(), nil
}
