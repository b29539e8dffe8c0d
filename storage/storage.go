package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petanque-manager.app/cloud/models"
)

// ErrDuplicate is returned when a write would violate a uniqueness constraint:
// a second subscription for the same checkout session, a reused license key, or
// a second active license for one subscription.
var ErrDuplicate = errors.New("duplicate record")

// Storage is the Billing Record Store. Lookups of a single record return
// (nil, nil) when nothing matches. Updates apply a patch to every row matching
// the filter and return the rows as they are after the update.
type Storage interface {
	FindPlanByID(ctx context.Context, id string) (*models.Plan, error)
	FindPlanByCode(ctx context.Context, code string) (*models.Plan, error)
	SavePlan(ctx context.Context, plan *models.Plan) error

	ResolveOrCreateUser(ctx context.Context, email string) (*models.User, error)

	SelectSubscriptions(ctx context.Context, filter Filter) ([]*models.Subscription, error)
	InsertSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscriptions(ctx context.Context, filter Filter, patch models.SubscriptionPatch) ([]*models.Subscription, error)

	SelectLicenses(ctx context.Context, filter Filter) ([]*models.LicenseKey, error)
	InsertLicense(ctx context.Context, license *models.LicenseKey) error
	UpdateLicenses(ctx context.Context, filter Filter, patch models.LicensePatch) ([]*models.LicenseKey, error)

	// IssueSubscription stores a new subscription together with its license,
	// atomically where the backend supports it.
	IssueSubscription(ctx context.Context, sub *models.Subscription, license *models.LicenseKey) error

	// EventProcessed reports whether a provider event id has been recorded.
	EventProcessed(ctx context.Context, id string) (bool, error)
	// RecordEvent marks a provider event id as handled once its effects are
	// stored. It returns false when the id was already recorded.
	RecordEvent(ctx context.Context, id, kind string) (bool, error)

	Close() error
}

// Filter fields. They match the column names of the hosted schema.
const (
	FieldID                      = "id"
	FieldUserID                  = "user_id"
	FieldStatus                  = "status"
	FieldProviderSubscriptionRef = "provider_subscription_id"
	FieldProviderSessionRef      = "provider_session_id"
	FieldSubscriptionID          = "subscription_id"
	FieldCurrentPeriodEnd        = "current_period_end"
	FieldExpiresAt               = "expires_at"
	FieldKey                     = "license_key"
)

type Op int

const (
	OpEq Op = iota
	OpAtOrBefore
)

// Condition is one predicate. Equality compares Value, ordering compares Time.
type Condition struct {
	Field string
	Op    Op
	Value string
	Time  time.Time
}

// Filter is a conjunction of conditions.
type Filter []Condition

func Eq(field, value string) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

func AtOrBefore(field string, t time.Time) Condition {
	return Condition{Field: field, Op: OpAtOrBefore, Time: t.UTC()}
}

func Where(conds ...Condition) Filter {
	return Filter(conds)
}

func (f Filter) String() string {
	s := ""
	for i, c := range f {
		if i > 0 {
			s += " AND "
		}
		switch c.Op {
		case OpEq:
			s += fmt.Sprintf("%s = %q", c.Field, c.Value)
		case OpAtOrBefore:
			s += fmt.Sprintf("%s <= %s", c.Field, c.Time.Format(time.RFC3339))
		}
	}
	return s
}

var (
	subscriptionFields = map[string]bool{
		FieldID: true, FieldUserID: true, FieldStatus: true,
		FieldProviderSubscriptionRef: true, FieldProviderSessionRef: true,
		FieldCurrentPeriodEnd: true,
	}
	licenseFields = map[string]bool{
		FieldID: true, FieldUserID: true, FieldStatus: true,
		FieldSubscriptionID: true, FieldKey: true, FieldExpiresAt: true,
	}
	timeFields = map[string]bool{
		FieldCurrentPeriodEnd: true,
		FieldExpiresAt:        true,
	}
)

func (f Filter) validate(allowed map[string]bool) error {
	if len(f) == 0 {
		return errors.New("empty filter")
	}
	for _, c := range f {
		if !allowed[c.Field] {
			return fmt.Errorf("unknown filter field %q", c.Field)
		}
		if (c.Op == OpAtOrBefore) != timeFields[c.Field] {
			return fmt.Errorf("operator not supported on field %q", c.Field)
		}
	}
	return nil
}

func (f Filter) validateSubscription() error {
	return f.validate(subscriptionFields)
}

func (f Filter) validateLicense() error {
	return f.validate(licenseFields)
}
