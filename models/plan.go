package models

import (
	"fmt"
	"strings"
)

// Cadence is the billing period classification of a plan. The string values
// match what checkout metadata and the plan catalog carry on the wire.
type Cadence string

const (
	CadencePass    Cadence = "pass"
	CadenceMonthly Cadence = "month"
	CadenceYearly  Cadence = "year"
)

// ParseCadence accepts the catalog values and a few common spellings.
func ParseCadence(s string) (Cadence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "one_time", "one-time", "onetime":
		return CadencePass, nil
	case "month", "monthly":
		return CadenceMonthly, nil
	case "year", "yearly", "annual":
		return CadenceYearly, nil
	default:
		return "", fmt.Errorf("unknown billing period %q", s)
	}
}

// IsRecurring reports whether the provider renews purchases of this cadence.
func (c Cadence) IsRecurring() bool {
	return c == CadenceMonthly || c == CadenceYearly
}

// Plan is a read-only catalog entry.
type Plan struct {
	ID               string
	Code             string
	Name             string
	BillingPeriod    Cadence
	IncludedSeats    int
	ProviderPriceRef string
	Active           bool
}
