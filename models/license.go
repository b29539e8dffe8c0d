package models

import "time"

type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "active"
	LicenseRevoked LicenseStatus = "revoked"
)

// LicenseKey is the artifact delivered to the end user. It is owned by exactly
// one subscription and is never deleted, only revoked.
type LicenseKey struct {
	ID             string
	SubscriptionID string
	UserID         string
	Key            string
	Status         LicenseStatus
	Label          string
	MaxDevices     int
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

func (l *LicenseKey) IsActive() bool {
	return l.Status == LicenseActive
}

// LicensePatch lists the columns an update may touch. Nil fields are left alone.
type LicensePatch struct {
	Status    *LicenseStatus
	ExpiresAt *time.Time
}

func (p LicensePatch) Apply(l *LicenseKey, now time.Time) {
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.ExpiresAt != nil {
		l.ExpiresAt = p.ExpiresAt.UTC()
	}
	l.UpdatedAt = now
}

func (p LicensePatch) IsEmpty() bool {
	return p.Status == nil && p.ExpiresAt == nil
}
