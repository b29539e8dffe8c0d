package billing

import (
	"errors"
	"fmt"

	"petanque-manager.app/cloud/internal/gateway"
	"petanque-manager.app/cloud/storage"
)

var (
	ErrAuthentication = errors.New("authentication failure")
	ErrMalformedEvent = errors.New("malformed event")
	ErrValidation     = errors.New("validation failure")
	ErrNotFound       = errors.New("no matching subscription")
	ErrTransient      = errors.New("transient failure")
	ErrUnhandledEvent = errors.New("unhandled event kind")
	ErrDuplicate      = errors.New("duplicate event")

	ErrMissingEmail = fmt.Errorf("%w: no purchaser email", ErrValidation)
)

// Kind classifies an error for the delivery layer. Only KindTransient asks the
// provider to redeliver; everything else is acknowledged. Authentication
// failures never reach the dispatcher, the endpoint rejects them first.
type Kind int

const (
	KindTransient Kind = iota
	KindAuthentication
	KindMalformed
	KindValidation
	KindNotFound
	KindUnhandled
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindMalformed:
		return "malformed"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnhandled:
		return "unhandled"
	case KindDuplicate:
		return "duplicate"
	default:
		return "transient"
	}
}

// Retryable reports whether redelivering the event could change the outcome.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// KindOf classifies err. An error explicitly marked transient stays transient,
// and anything not recognised is transient too.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrMalformedEvent):
		return KindMalformed
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnhandledEvent):
		return KindUnhandled
	case errors.Is(err, ErrDuplicate), errors.Is(err, storage.ErrDuplicate):
		return KindDuplicate
	default:
		return KindTransient
	}
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
