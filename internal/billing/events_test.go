package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"petanque-manager.app/cloud/internal/testutil"
)

func TestParseEvent_Variants(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		check   func(t *testing.T, ev Event)
	}{
		{
			name:    "checkout completed",
			payload: testutil.CheckoutCompletedPayload("evt_1", monthlyCheckout("cs_1", "sub_1")),
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*CheckoutCompleted)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "cs_1", e.Session.ID)
				assert.Equal(t, "a@b.com", e.Session.Email())
				assert.Equal(t, "sub_1", e.Session.SubscriptionRef())
				assert.Equal(t, "2", e.Session.Metadata[MetaIncludedSeats])
			},
		},
		{
			name:    "invoice paid",
			payload: testutil.InvoicePaidPayload("evt_2", "sub_1", "subscription_cycle"),
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*InvoicePaid)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "sub_1", e.Invoice.SubscriptionRef())
				assert.Equal(t, "subscription_cycle", e.Invoice.BillingReason)
			},
		},
		{
			name:    "subscription deleted",
			payload: testutil.SubscriptionDeletedPayload("evt_3", "sub_1"),
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*SubscriptionDeleted)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "sub_1", e.Subscription.ID)
			},
		},
		{
			name:    "anything else",
			payload: testutil.CreateStripeEventPayload("evt_4", "charge.refunded", map[string]interface{}{"id": "ch_1"}),
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(*Unhandled)
				assert.True(t, ok, "got %T", ev)
				assert.Equal(t, "charge.refunded", ev.EventType())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent(tt.payload)
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestExpandableID(t *testing.T) {
	tests := []struct {
		input    string
		expected ExpandableID
	}{
		{`"sub_1"`, "sub_1"},
		{`{"id":"sub_2","object":"subscription"}`, "sub_2"},
		{`null`, ""},
	}

	for _, tt := range tests {
		var id ExpandableID
		require.NoError(t, json.Unmarshal([]byte(tt.input), &id))
		assert.Equal(t, tt.expected, id, "input %s", tt.input)
	}

	var id ExpandableID
	assert.Error(t, json.Unmarshal([]byte(`42`), &id))
}

func TestCheckoutSession_ExpandedReferences(t *testing.T) {
	payload := testutil.CreateStripeEventPayload("evt_1", "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"mode":         "subscription",
		"customer":     map[string]interface{}{"id": "cus_9", "object": "customer"},
		"subscription": map[string]interface{}{"id": "sub_9", "object": "subscription"},
		"customer_details": map[string]interface{}{
			"email": " buyer@b.com ",
		},
	})

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	session := ev.(*CheckoutCompleted).Session
	assert.Equal(t, ExpandableID("cus_9"), session.Customer)
	assert.Equal(t, "sub_9", session.SubscriptionRef())
	assert.Equal(t, "buyer@b.com", session.Email())
}

func TestCheckoutSession_PaymentModeHasNoSubscription(t *testing.T) {
	session := CheckoutSession{Mode: "payment", Subscription: "sub_1"}
	assert.Empty(t, session.SubscriptionRef())
}

func TestInvoice_SubscriptionFromParent(t *testing.T) {
	payload := testutil.CreateStripeEventPayload("evt_1", "invoice.paid", map[string]interface{}{
		"id":             "in_1",
		"billing_reason": "subscription_cycle",
		"parent": map[string]interface{}{
			"type": "subscription_details",
			"subscription_details": map[string]interface{}{
				"subscription": "sub_parent",
			},
		},
	})

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "sub_parent", ev.(*InvoicePaid).Invoice.SubscriptionRef())
}
