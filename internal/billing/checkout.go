package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"petanque-manager.app/cloud/internal/expiry"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/models"
	"petanque-manager.app/cloud/storage"
)

// Checkout session metadata keys set when the session is created.
const (
	MetaPlanCode      = "plan_code"
	MetaPlanID        = "plan_id"
	MetaBillingPeriod = "billing_period"
	MetaIncludedSeats = "included_seats"
	MetaUserID        = "user_id"
)

type purchaseTerms struct {
	planID   string
	planCode string
	cadence  models.Cadence
	seats    int
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, ev *CheckoutCompleted) (Outcome, error) {
	session := ev.Session
	fields := map[string]interface{}{
		"event_id":   ev.ID,
		"session_id": session.ID,
		"mode":       session.Mode,
	}

	email := session.Email()
	if email == "" {
		return "", fmt.Errorf("checkout session %s: %w", session.ID, ErrMissingEmail)
	}
	if session.ID == "" {
		return "", fmt.Errorf("%w: checkout session without id", ErrValidation)
	}

	// A different event for the same session already created the subscription.
	existing, err := d.store.SelectSubscriptions(ctx, storage.Where(storage.Eq(storage.FieldProviderSessionRef, session.ID)))
	if err != nil {
		return "", transient("select subscriptions", err)
	}
	if len(existing) > 0 {
		return d.completeExisting(ctx, existing[0], fields)
	}

	terms, err := d.resolveTerms(ctx, session.Metadata)
	if err != nil {
		return "", err
	}

	userID, err := d.resolveUser(ctx, session, email)
	if err != nil {
		return "", err
	}

	now := d.clock.Now().UTC()
	periodEnd, err := expiry.PeriodEnd(terms.cadence, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sub := &models.Subscription{
		UserID:                  userID,
		PlanID:                  terms.planID,
		Status:                  models.SubscriptionActive,
		StartedAt:               now,
		CurrentPeriodEnd:        periodEnd,
		Provider:                models.ProviderStripe,
		ProviderCustomerRef:     string(session.Customer),
		ProviderSubscriptionRef: session.SubscriptionRef(),
		ProviderSessionRef:      session.ID,
	}
	license, err := d.newLicense(userID, terms.seats, licenseLabel(terms.planCode), sub)
	if err != nil {
		return "", transient("issue license", err)
	}

	if err := d.store.IssueSubscription(ctx, sub, license); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return "", transient("issue subscription", err)
		}
		// Lost a race with a concurrent delivery of the same checkout.
		existing, selErr := d.store.SelectSubscriptions(ctx, storage.Where(storage.Eq(storage.FieldProviderSessionRef, session.ID)))
		if selErr != nil {
			return "", transient("select subscriptions", selErr)
		}
		if len(existing) == 0 {
			return "", transient("issue subscription", err)
		}
		return d.completeExisting(ctx, existing[0], fields)
	}

	metrics.LicenseTransitionsTotal.WithLabelValues(metrics.TransitionIssued).Inc()
	fields["user_id"] = userID
	fields["subscription_id"] = sub.ID
	fields["provider_subscription_id"] = sub.ProviderSubscriptionRef
	fields["plan_code"] = terms.planCode
	fields["license_id"] = license.ID
	fields["expires_at"] = periodEnd
	logger.Info("Subscription and license issued", fields)
	return OutcomeProcessed, nil
}

func (d *Dispatcher) completeExisting(ctx context.Context, sub *models.Subscription, fields map[string]interface{}) (Outcome, error) {
	fields["subscription_id"] = sub.ID
	issued, err := d.ensureLicense(ctx, sub)
	if err != nil {
		return "", err
	}
	if issued {
		logger.Info("Checkout already recorded, issued its missing license", fields)
		return OutcomeProcessed, nil
	}
	logger.Info("Checkout already recorded", fields)
	return OutcomeDuplicate, nil
}

// resolveUser prefers an explicit user id from the session, then the purchaser
// email.
func (d *Dispatcher) resolveUser(ctx context.Context, session CheckoutSession, email string) (string, error) {
	if id := strings.TrimSpace(session.Metadata[MetaUserID]); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id, nil
	}
	user, err := d.store.ResolveOrCreateUser(ctx, email)
	if err != nil {
		return "", transient("resolve user", err)
	}
	return user.ID, nil
}

// resolveTerms reads cadence and seat count from the metadata and falls back
// to the plan catalog, then to a monthly single-seat license.
func (d *Dispatcher) resolveTerms(ctx context.Context, meta map[string]string) (purchaseTerms, error) {
	terms := purchaseTerms{
		planID:   strings.TrimSpace(meta[MetaPlanID]),
		planCode: strings.TrimSpace(meta[MetaPlanCode]),
	}

	period := strings.TrimSpace(meta[MetaBillingPeriod])
	if period != "" {
		cadence, err := models.ParseCadence(period)
		if err != nil {
			logger.Warn("Ignoring unknown billing period in checkout metadata", map[string]interface{}{
				"billing_period": period,
				"plan_code":      terms.planCode,
			})
		} else {
			terms.cadence = cadence
		}
	}
	if seats, err := strconv.Atoi(strings.TrimSpace(meta[MetaIncludedSeats])); err == nil && seats > 0 {
		terms.seats = seats
	}

	if terms.cadence == "" || terms.seats == 0 || terms.planID == "" {
		plan, err := d.lookupPlan(ctx, terms.planID, terms.planCode)
		if err != nil {
			return terms, err
		}
		if plan != nil {
			if terms.planID == "" {
				terms.planID = plan.ID
			}
			if terms.planCode == "" {
				terms.planCode = plan.Code
			}
			if terms.cadence == "" {
				terms.cadence = plan.BillingPeriod
			}
			if terms.seats == 0 {
				terms.seats = plan.IncludedSeats
			}
		}
	}

	if terms.cadence == "" {
		terms.cadence = models.CadenceMonthly
	}
	if terms.seats <= 0 {
		terms.seats = defaultSeats
	}
	return terms, nil
}

func (d *Dispatcher) lookupPlan(ctx context.Context, id, code string) (*models.Plan, error) {
	if id != "" {
		plan, err := d.store.FindPlanByID(ctx, id)
		if err != nil {
			return nil, transient("find plan", err)
		}
		if plan != nil {
			return plan, nil
		}
	}
	if code != "" {
		plan, err := d.store.FindPlanByCode(ctx, code)
		if err != nil {
			return nil, transient("find plan", err)
		}
		return plan, nil
	}
	return nil, nil
}
