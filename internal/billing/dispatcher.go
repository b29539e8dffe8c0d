// Package billing turns verified Stripe events into subscription and license
// state. Each event kind has exactly one handler; every store and gateway call
// runs under a per-event deadline.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petanque-manager.app/cloud/internal/gateway"
	"petanque-manager.app/cloud/internal/licensekey"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/storage"
)

const DefaultTimeout = 10 * time.Second

// Outcome is how an event ended up being handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome
}

type Options struct {
	Clock Clock
	// Timeout bounds the handling of one event, store and gateway calls included.
	Timeout time.Duration
	// NewKey generates license keys. Defaults to licensekey.Generate.
	NewKey func() (string, error)
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.NewKey == nil {
		o.NewKey = licensekey.Generate
	}
	return o
}

type Dispatcher struct {
	issuer
	gateway gateway.Gateway
	timeout time.Duration
}

func NewDispatcher(store storage.Storage, gw gateway.Gateway, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		issuer:  issuer{store: store, clock: opts.Clock, newKey: opts.NewKey},
		gateway: gw,
		timeout: opts.Timeout,
	}
}

// Dispatch parses a verified payload and runs the matching handler. A nil
// error means the event should be acknowledged; a non-nil error is transient
// and asks the provider to redeliver.
//
// The event id is recorded only after the handler reaches a final outcome, so
// a failed or interrupted delivery is always handled again. Handlers are safe
// to repeat: checkouts are keyed by session and updates match by filter.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (Result, error) {
	ev, err := ParseEvent(payload)
	if err != nil {
		// Redelivery carries the same bytes, so this is terminal.
		logger.Warn("Acknowledging malformed event", map[string]interface{}{
			"error": err.Error(),
		})
		metrics.EventOutcomesTotal.WithLabelValues(string(OutcomeInvalid)).Inc()
		return Result{Outcome: OutcomeInvalid}, nil
	}
	res := Result{EventID: ev.EventID(), EventType: ev.EventType()}

	if _, ok := ev.(*Unhandled); ok {
		logger.Info("Unhandled event type", map[string]interface{}{
			"event_id":   res.EventID,
			"event_type": res.EventType,
		})
		res.Outcome = OutcomeIgnored
		metrics.EventOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	processed, err := d.store.EventProcessed(ctx, res.EventID)
	if err != nil {
		res.Outcome = OutcomeFailed
		metrics.EventOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, transient("look up event", err)
	}
	if processed {
		logger.Info("Event already processed", map[string]interface{}{
			"event_id":   res.EventID,
			"event_type": res.EventType,
		})
		res.Outcome = OutcomeDuplicate
		metrics.EventOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	res.Outcome, err = d.handle(ctx, ev)
	if err != nil {
		res.Outcome, err = d.settle(res, err)
	}
	if err == nil {
		d.record(ctx, res)
	}
	metrics.EventOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

// record marks a settled event as processed. A failure here only costs a
// repeat run of an idempotent handler on redelivery, so it is logged and the
// event is still acknowledged.
func (d *Dispatcher) record(ctx context.Context, res Result) {
	if _, err := d.store.RecordEvent(ctx, res.EventID, res.EventType); err != nil {
		logger.Error("Failed to record processed event", map[string]interface{}{
			"event_id":   res.EventID,
			"event_type": res.EventType,
			"outcome":    string(res.Outcome),
			"error":      err.Error(),
		})
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case *CheckoutCompleted:
		return d.handleCheckoutCompleted(ctx, e)
	case *InvoicePaid:
		return d.handleInvoicePaid(ctx, e)
	case *SubscriptionDeleted:
		return d.handleSubscriptionDeleted(ctx, e)
	default:
		return OutcomeIgnored, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.EventType())
	}
}

// settle turns a handler error into an outcome. Terminal kinds are logged and
// acknowledged. Anything else is returned as transient and left unrecorded.
func (d *Dispatcher) settle(res Result, err error) (Outcome, error) {
	fields := map[string]interface{}{
		"event_id":   res.EventID,
		"event_type": res.EventType,
		"error":      err.Error(),
	}

	switch KindOf(err) {
	case KindValidation, KindMalformed:
		logger.Error("Event rejected as invalid", fields)
		return OutcomeInvalid, nil
	case KindNotFound:
		logger.Warn("No matching subscription", fields)
		return OutcomeNotFound, nil
	case KindUnhandled:
		logger.Info("Unhandled event type", fields)
		return OutcomeIgnored, nil
	case KindDuplicate:
		logger.Info("Duplicate delivery", fields)
		return OutcomeDuplicate, nil
	default:
		logger.Error("Event handling failed, awaiting redelivery", fields)
		if !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return OutcomeFailed, err
	}
}
