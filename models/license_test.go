package models

import (
	"testing"
	"time"
)

func TestLicensePatch_Apply(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	license := LicenseKey{
		ID:        "lic-1",
		Status:    LicenseActive,
		ExpiresAt: created.AddDate(0, 1, 0),
		UpdatedAt: created,
	}

	newExpiry := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	now := created.Add(time.Hour)
	LicensePatch{ExpiresAt: &newExpiry}.Apply(&license, now)

	if !license.ExpiresAt.Equal(newExpiry) {
		t.Errorf("Expected expiry %v, got %v", newExpiry, license.ExpiresAt)
	}
	if license.ExpiresAt.Location() != time.UTC {
		t.Errorf("Expected expiry stored in UTC, got %v", license.ExpiresAt.Location())
	}
	if license.Status != LicenseActive {
		t.Errorf("Expected status untouched, got %s", license.Status)
	}
	if !license.UpdatedAt.Equal(now) {
		t.Errorf("Expected UpdatedAt %v, got %v", now, license.UpdatedAt)
	}

	revoked := LicenseRevoked
	LicensePatch{Status: &revoked}.Apply(&license, now)
	if license.IsActive() {
		t.Errorf("Expected license to be revoked")
	}
	if !license.ExpiresAt.Equal(newExpiry) {
		t.Errorf("Revocation must not move expiry, got %v", license.ExpiresAt)
	}
}

func TestLicensePatch_IsEmpty(t *testing.T) {
	if !(LicensePatch{}).IsEmpty() {
		t.Errorf("Expected zero patch to be empty")
	}
	status := LicenseRevoked
	if (LicensePatch{Status: &status}).IsEmpty() {
		t.Errorf("Expected patch with status to be non-empty")
	}
}

func TestSubscriptionPatch_Apply(t *testing.T) {
	sub := Subscription{ID: "sub-1", Status: SubscriptionActive}
	cancelled := SubscriptionCancelled
	SubscriptionPatch{Status: &cancelled}.Apply(&sub, time.Now())

	if sub.IsActive() {
		t.Errorf("Expected subscription to be cancelled")
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		t.Errorf("Expected period end untouched, got %v", sub.CurrentPeriodEnd)
	}
}

func TestParseCadence(t *testing.T) {
	tests := []struct {
		input    string
		expected Cadence
		wantErr  bool
	}{
		{"pass", CadencePass, false},
		{"one_time", CadencePass, false},
		{"month", CadenceMonthly, false},
		{" Monthly ", CadenceMonthly, false},
		{"year", CadenceYearly, false},
		{"yearly", CadenceYearly, false},
		{"weekly", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCadence(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestCadence_IsRecurring(t *testing.T) {
	if CadencePass.IsRecurring() {
		t.Errorf("Pass must not be recurring")
	}
	if !CadenceMonthly.IsRecurring() || !CadenceYearly.IsRecurring() {
		t.Errorf("Monthly and yearly must be recurring")
	}
}
