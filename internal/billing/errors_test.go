package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"petanque-manager.app/cloud/internal/gateway"
	"petanque-manager.app/cloud/storage"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"authentication", ErrAuthentication, KindAuthentication, false},
		{"malformed", fmt.Errorf("%w: bad json", ErrMalformedEvent), KindMalformed, false},
		{"missing email", fmt.Errorf("session cs_1: %w", ErrMissingEmail), KindValidation, false},
		{"not found", fmt.Errorf("renewal: %w", ErrNotFound), KindNotFound, false},
		{"provider not found", fmt.Errorf("renewal: %w", gateway.ErrNotFound), KindNotFound, false},
		{"unhandled", ErrUnhandledEvent, KindUnhandled, false},
		{"store duplicate", fmt.Errorf("insert: %w", storage.ErrDuplicate), KindDuplicate, false},
		{"explicit transient", transient("insert", storage.ErrDuplicate), KindTransient, true},
		{"timeout", context.DeadlineExceeded, KindTransient, true},
		{"unclassified", errors.New("boom"), KindTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := KindOf(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.retryable, kind.Retryable())
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "validation", KindValidation.String())
}
