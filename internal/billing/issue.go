package billing

import (
	"context"
	"errors"
	"fmt"

	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/models"
	"petanque-manager.app/cloud/storage"
)

const defaultSeats = 1

// issuer creates license keys for subscriptions. Checkout handling and the
// repair job share it.
type issuer struct {
	store  storage.Storage
	clock  Clock
	newKey func() (string, error)
}

func licenseLabel(planCode string) string {
	if planCode == "" {
		return "License"
	}
	return "License " + planCode
}

func (i *issuer) newLicense(userID string, seats int, label string, sub *models.Subscription) (*models.LicenseKey, error) {
	key, err := i.newKey()
	if err != nil {
		return nil, fmt.Errorf("generate license key: %w", err)
	}
	if seats <= 0 {
		seats = defaultSeats
	}
	return &models.LicenseKey{
		SubscriptionID: sub.ID,
		UserID:         userID,
		Key:            key,
		Status:         models.LicenseActive,
		Label:          label,
		MaxDevices:     seats,
		CreatedAt:      i.clock.Now().UTC(),
		ExpiresAt:      sub.CurrentPeriodEnd,
	}, nil
}

// ensureLicense issues a license for an active subscription that has never had
// one. It reports whether a license was created.
func (i *issuer) ensureLicense(ctx context.Context, sub *models.Subscription) (bool, error) {
	if !sub.IsActive() {
		return false, nil
	}

	existing, err := i.store.SelectLicenses(ctx, storage.Where(storage.Eq(storage.FieldSubscriptionID, sub.ID)))
	if err != nil {
		return false, transient("select licenses", err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	seats, code := defaultSeats, ""
	if sub.PlanID != "" {
		plan, err := i.store.FindPlanByID(ctx, sub.PlanID)
		if err != nil {
			return false, transient("find plan", err)
		}
		if plan != nil {
			seats, code = plan.IncludedSeats, plan.Code
		}
	}

	license, err := i.newLicense(sub.UserID, seats, licenseLabel(code), sub)
	if err != nil {
		return false, transient("issue license", err)
	}
	if err := i.store.InsertLicense(ctx, license); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return false, nil
		}
		return false, transient("insert license", err)
	}

	metrics.LicenseTransitionsTotal.WithLabelValues(metrics.TransitionIssued).Inc()
	logger.Info("Issued missing license", map[string]interface{}{
		"subscription_id": sub.ID,
		"license_id":      license.ID,
		"expires_at":      license.ExpiresAt,
	})
	return true, nil
}
