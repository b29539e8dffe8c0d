package billing

import (
	"context"
	"errors"
	"fmt"

	"petanque-manager.app/cloud/internal/gateway"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/models"
	"petanque-manager.app/cloud/storage"
)

// handleInvoicePaid moves the period end of a renewed subscription and its
// active license to the value Stripe reports. Dates only move forward and
// cancelled subscriptions are left alone.
func (d *Dispatcher) handleInvoicePaid(ctx context.Context, ev *InvoicePaid) (Outcome, error) {
	invoice := ev.Invoice
	ref := invoice.SubscriptionRef()
	fields := map[string]interface{}{
		"event_id":                 ev.ID,
		"invoice_id":               invoice.ID,
		"billing_reason":           invoice.BillingReason,
		"provider_subscription_id": ref,
	}

	if invoice.BillingReason == BillingReasonSubscriptionCreate {
		logger.Info("First invoice of a subscription, covered by checkout", fields)
		return OutcomeSkipped, nil
	}
	if ref == "" {
		logger.Info("Invoice without subscription, nothing to renew", fields)
		return OutcomeSkipped, nil
	}

	subs, err := d.store.SelectSubscriptions(ctx, storage.Where(storage.Eq(storage.FieldProviderSubscriptionRef, ref)))
	if err != nil {
		return "", transient("select subscriptions", err)
	}
	if len(subs) == 0 {
		return "", fmt.Errorf("renewal of %s: %w", ref, ErrNotFound)
	}
	if !anyActive(subs) {
		logger.Info("Renewal for a cancelled subscription ignored", fields)
		return OutcomeSkipped, nil
	}

	periodEnd, err := d.gateway.SubscriptionPeriodEnd(ctx, ref)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", fmt.Errorf("renewal of %s: %w", ref, err)
		}
		return "", transient("fetch period end", err)
	}
	fields["period_end"] = periodEnd

	updated, err := d.store.UpdateSubscriptions(ctx, storage.Where(
		storage.Eq(storage.FieldProviderSubscriptionRef, ref),
		storage.Eq(storage.FieldStatus, string(models.SubscriptionActive)),
		storage.AtOrBefore(storage.FieldCurrentPeriodEnd, periodEnd),
	), models.SubscriptionPatch{CurrentPeriodEnd: &periodEnd})
	if err != nil {
		return "", transient("update subscriptions", err)
	}
	if len(updated) == 0 {
		logger.Warn("Stale renewal, stored period end is later", fields)
		return OutcomeStale, nil
	}

	extended := 0
	for _, sub := range updated {
		licenses, err := d.store.UpdateLicenses(ctx, storage.Where(
			storage.Eq(storage.FieldSubscriptionID, sub.ID),
			storage.Eq(storage.FieldStatus, string(models.LicenseActive)),
			storage.AtOrBefore(storage.FieldExpiresAt, periodEnd),
		), models.LicensePatch{ExpiresAt: &periodEnd})
		if err != nil {
			return "", transient("update licenses", err)
		}
		extended += len(licenses)
	}

	metrics.LicenseTransitionsTotal.WithLabelValues(metrics.TransitionExtended).Add(float64(extended))
	fields["subscriptions"] = len(updated)
	fields["licenses"] = extended
	logger.Info("Subscription renewed", fields)
	return OutcomeProcessed, nil
}

func anyActive(subs []*models.Subscription) bool {
	for _, sub := range subs {
		if sub.IsActive() {
			return true
		}
	}
	return false
}
