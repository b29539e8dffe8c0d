// Package testutil builds Stripe event payloads, signed webhook requests and
// collaborator fakes shared by the package tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stripe/stripe-go/v82/webhook"
	"petanque-manager.app/cloud/models"
	"petanque-manager.app/cloud/storage"
)

const (
	WebhookSecret = "whsec_test_secret"
	WebhookPath   = "/api/stripe/webhook"
)

var eventSeq atomic.Int64

// EventID returns a fresh event id.
func EventID() string {
	return "evt_test_" + strconv.FormatInt(eventSeq.Add(1), 10)
}

// CreateStripeEventPayload wraps object in a Stripe event envelope.
func CreateStripeEventPayload(id, eventType string, object interface{}) []byte {
	event := map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	}

	payload, _ := json.Marshal(event)
	return payload
}

// CheckoutSessionOptions describes a completed checkout.
type CheckoutSessionOptions struct {
	SessionID       string
	Email           string
	DetailsEmail    string
	Mode            string
	SubscriptionRef string
	CustomerRef     string
	ClientReference string
	Metadata        map[string]string
}

func CreateCheckoutSession(opts CheckoutSessionOptions) map[string]interface{} {
	mode := opts.Mode
	if mode == "" {
		mode = "subscription"
	}
	session := map[string]interface{}{
		"id":             opts.SessionID,
		"object":         "checkout.session",
		"mode":           mode,
		"payment_status": "paid",
		"status":         "complete",
		"metadata":       opts.Metadata,
	}
	if opts.Email != "" {
		session["customer_email"] = opts.Email
	}
	if opts.DetailsEmail != "" {
		session["customer_details"] = map[string]interface{}{"email": opts.DetailsEmail}
	}
	if opts.CustomerRef != "" {
		session["customer"] = opts.CustomerRef
	}
	if opts.SubscriptionRef != "" {
		session["subscription"] = opts.SubscriptionRef
	}
	if opts.ClientReference != "" {
		session["client_reference_id"] = opts.ClientReference
	}
	return session
}

func CheckoutCompletedPayload(eventID string, opts CheckoutSessionOptions) []byte {
	return CreateStripeEventPayload(eventID, "checkout.session.completed", CreateCheckoutSession(opts))
}

func InvoicePaidPayload(eventID, subscriptionRef, billingReason string) []byte {
	invoice := map[string]interface{}{
		"id":             "in_" + eventID,
		"object":         "invoice",
		"billing_reason": billingReason,
		"status":         "paid",
	}
	if subscriptionRef != "" {
		invoice["subscription"] = subscriptionRef
	}
	return CreateStripeEventPayload(eventID, "invoice.paid", invoice)
}

func SubscriptionDeletedPayload(eventID, subscriptionRef string) []byte {
	return CreateStripeEventPayload(eventID, "customer.subscription.deleted", map[string]interface{}{
		"id":     subscriptionRef,
		"object": "subscription",
		"status": "canceled",
	})
}

// SignPayload returns a Stripe-Signature header value for payload signed now.
func SignPayload(payload []byte, secret string) string {
	return SignPayloadAt(payload, secret, time.Now())
}

func SignPayloadAt(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Header
}

// NewWebhookRequest builds a signed webhook request.
func NewWebhookRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", SignPayload(payload, secret))
	return req
}

// DecodeJSON decodes a recorded response body.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

// MockGateway is a testify mock of the remote billing gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) SubscriptionPeriodEnd(ctx context.Context, subscriptionRef string) (time.Time, error) {
	args := m.Called(ctx, subscriptionRef)
	return args.Get(0).(time.Time), args.Error(1)
}

// SeedPlan stores a catalog plan.
func SeedPlan(t *testing.T, store storage.Storage, code string, cadence models.Cadence, seats int) *models.Plan {
	t.Helper()
	plan := &models.Plan{Code: code, Name: code, BillingPeriod: cadence, IncludedSeats: seats, Active: true}
	if err := store.SavePlan(context.Background(), plan); err != nil {
		t.Fatalf("Failed to save plan: %v", err)
	}
	return plan
}

// FlakyStorage fails selected operations of the wrapped store until healed.
type FlakyStorage struct {
	storage.Storage
	FailIssue   atomic.Bool
	FailUpdates atomic.Bool
	FailRecord  atomic.Bool
}

func (f *FlakyStorage) RecordEvent(ctx context.Context, id, kind string) (bool, error) {
	if f.FailRecord.Load() {
		return false, context.DeadlineExceeded
	}
	return f.Storage.RecordEvent(ctx, id, kind)
}

func (f *FlakyStorage) IssueSubscription(ctx context.Context, sub *models.Subscription, license *models.LicenseKey) error {
	if f.FailIssue.Load() {
		return context.DeadlineExceeded
	}
	return f.Storage.IssueSubscription(ctx, sub, license)
}

func (f *FlakyStorage) UpdateLicenses(ctx context.Context, filter storage.Filter, patch models.LicensePatch) ([]*models.LicenseKey, error) {
	if f.FailUpdates.Load() {
		return nil, context.DeadlineExceeded
	}
	return f.Storage.UpdateLicenses(ctx, filter, patch)
}
