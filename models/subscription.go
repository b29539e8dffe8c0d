package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

const ProviderStripe = "stripe"

// Subscription is created once per purchase. ProviderSubscriptionRef is empty
// for one-time passes.
type Subscription struct {
	ID                      string
	UserID                  string
	PlanID                  string
	Status                  SubscriptionStatus
	StartedAt               time.Time
	CurrentPeriodEnd        time.Time
	Provider                string
	ProviderCustomerRef     string
	ProviderSubscriptionRef string
	ProviderSessionRef      string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

type SubscriptionPatch struct {
	Status           *SubscriptionStatus
	CurrentPeriodEnd *time.Time
}

func (p SubscriptionPatch) Apply(s *Subscription, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = p.CurrentPeriodEnd.UTC()
	}
	s.UpdatedAt = now
}

func (p SubscriptionPatch) IsEmpty() bool {
	return p.Status == nil && p.CurrentPeriodEnd == nil
}
