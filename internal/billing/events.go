package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// BillingReasonSubscriptionCreate marks the first invoice of a subscription,
// which checkout completion already covers.
const BillingReasonSubscriptionCreate = "subscription_create"

const ModeSubscription = "subscription"

// Event is a verified provider event. The set of implementations is closed:
// CheckoutCompleted, InvoicePaid, SubscriptionDeleted and Unhandled.
type Event interface {
	EventID() string
	EventType() string
	event()
}

type envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e envelope) EventID() string   { return e.ID }
func (e envelope) EventType() string { return e.Type }
func (envelope) event()              {}

type CheckoutCompleted struct {
	envelope
	Session CheckoutSession
}

type InvoicePaid struct {
	envelope
	Invoice Invoice
}

type SubscriptionDeleted struct {
	envelope
	Subscription ProviderSubscription
}

// Unhandled is any event kind the pipeline intentionally ignores.
type Unhandled struct {
	envelope
}

// ExpandableID is a provider reference that arrives either as an id string or
// as an expanded object carrying an id.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	CustomerEmail     string            `json:"customer_email"`
	Customer          ExpandableID      `json:"customer"`
	Subscription      ExpandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Email returns the purchaser email, preferring the one given at checkout.
func (s CheckoutSession) Email() string {
	if email := strings.TrimSpace(s.CustomerEmail); email != "" {
		return email
	}
	if s.CustomerDetails != nil {
		return strings.TrimSpace(s.CustomerDetails.Email)
	}
	return ""
}

// SubscriptionRef is set only for subscription-mode checkouts.
func (s CheckoutSession) SubscriptionRef() string {
	if s.Mode != ModeSubscription {
		return ""
	}
	return string(s.Subscription)
}

type Invoice struct {
	ID            string       `json:"id"`
	BillingReason string       `json:"billing_reason"`
	Subscription  ExpandableID `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionRef reads the subscription from the invoice, falling back to the
// parent details used by newer API versions.
func (i Invoice) SubscriptionRef() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

type ProviderSubscription struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	Customer ExpandableID `json:"customer"`
}

// ParseEvent decodes a verified payload into one of the Event variants.
func ParseEvent(payload []byte) (Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	env := envelope{ID: raw.ID, Type: string(raw.Type), Created: time.Unix(raw.Created, 0).UTC()}

	var ev Event
	var obj interface{}
	switch raw.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		e := &CheckoutCompleted{envelope: env}
		ev, obj = e, &e.Session
	case stripe.EventTypeInvoicePaid:
		e := &InvoicePaid{envelope: env}
		ev, obj = e, &e.Invoice
	case stripe.EventTypeCustomerSubscriptionDeleted:
		e := &SubscriptionDeleted{envelope: env}
		ev, obj = e, &e.Subscription
	default:
		return &Unhandled{envelope: env}, nil
	}

	if err := decodeObject(raw, obj); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeObject(raw stripe.Event, v interface{}) error {
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, raw.ID)
	}
	if err := json.Unmarshal(raw.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, raw.ID, err)
	}
	return nil
}
