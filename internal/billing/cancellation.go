package billing

import (
	"context"
	"fmt"

	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/models"
	"petanque-manager.app/cloud/storage"
)

// handleSubscriptionDeleted cancels the subscription and revokes its active
// license. Revocation runs even when the subscription is already cancelled so
// that a delivery interrupted between the two writes completes on retry.
func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, ev *SubscriptionDeleted) (Outcome, error) {
	ref := ev.Subscription.ID
	fields := map[string]interface{}{
		"event_id":                 ev.ID,
		"provider_subscription_id": ref,
	}
	if ref == "" {
		return "", fmt.Errorf("%w: deleted subscription without id", ErrValidation)
	}

	subs, err := d.store.SelectSubscriptions(ctx, storage.Where(storage.Eq(storage.FieldProviderSubscriptionRef, ref)))
	if err != nil {
		return "", transient("select subscriptions", err)
	}
	if len(subs) == 0 {
		return "", fmt.Errorf("cancellation of %s: %w", ref, ErrNotFound)
	}

	cancelled := models.SubscriptionCancelled
	updated, err := d.store.UpdateSubscriptions(ctx, storage.Where(
		storage.Eq(storage.FieldProviderSubscriptionRef, ref),
		storage.Eq(storage.FieldStatus, string(models.SubscriptionActive)),
	), models.SubscriptionPatch{Status: &cancelled})
	if err != nil {
		return "", transient("update subscriptions", err)
	}

	revoked := models.LicenseRevoked
	revokedCount := 0
	for _, sub := range subs {
		licenses, err := d.store.UpdateLicenses(ctx, storage.Where(
			storage.Eq(storage.FieldSubscriptionID, sub.ID),
			storage.Eq(storage.FieldStatus, string(models.LicenseActive)),
		), models.LicensePatch{Status: &revoked})
		if err != nil {
			return "", transient("update licenses", err)
		}
		revokedCount += len(licenses)
	}

	fields["subscriptions"] = len(updated)
	fields["licenses"] = revokedCount
	if len(updated) == 0 && revokedCount == 0 {
		logger.Info("Subscription already cancelled", fields)
		return OutcomeUnchanged, nil
	}

	metrics.LicenseTransitionsTotal.WithLabelValues(metrics.TransitionRevoked).Add(float64(revokedCount))
	logger.Info("Subscription cancelled", fields)
	return OutcomeProcessed, nil
}
