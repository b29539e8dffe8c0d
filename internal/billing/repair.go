package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/models"
	"petanque-manager.app/cloud/storage"
)

// Repairer issues licenses for active subscriptions that lost theirs, which
// happens when a process dies between the two writes of an issuance.
type Repairer struct {
	issuer
	timeout time.Duration

	lastRun      *atomic.Time
	lastRepaired *atomic.Int64
	lastError    *atomic.String
}

// RepairStatus describes the most recent run.
type RepairStatus struct {
	LastRun  time.Time `json:"last_run"`
	Repaired int64     `json:"repaired"`
	Error    string    `json:"error,omitempty"`
}

func NewRepairer(store storage.Storage, opts Options) *Repairer {
	opts = opts.withDefaults()
	return &Repairer{
		issuer:       issuer{store: store, clock: opts.Clock, newKey: opts.NewKey},
		timeout:      opts.Timeout,
		lastRun:      atomic.NewTime(time.Time{}),
		lastRepaired: atomic.NewInt64(0),
		lastError:    atomic.NewString(""),
	}
}

// Run scans every active subscription once. Failures for individual
// subscriptions do not stop the scan and are returned together.
func (r *Repairer) Run(ctx context.Context) (int, error) {
	start := r.clock.Now().UTC()
	repaired, err := r.run(ctx)

	r.lastRun.Store(start)
	r.lastRepaired.Store(int64(repaired))
	if err != nil {
		r.lastError.Store(err.Error())
	} else {
		r.lastError.Store("")
	}
	return repaired, err
}

func (r *Repairer) run(ctx context.Context) (int, error) {
	subs, err := r.store.SelectSubscriptions(ctx, storage.Where(storage.Eq(storage.FieldStatus, string(models.SubscriptionActive))))
	if err != nil {
		return 0, fmt.Errorf("select active subscriptions: %w", err)
	}

	var result *multierror.Error
	repaired := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}

		subCtx, cancel := context.WithTimeout(ctx, r.timeout)
		issued, err := r.ensureLicense(subCtx, sub)
		cancel()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		if issued {
			repaired++
			metrics.RepairedSubscriptionsTotal.Inc()
		}
	}

	logger.Info("License repair finished", map[string]interface{}{
		"scanned":  len(subs),
		"repaired": repaired,
		"failures": len(result.WrappedErrors()),
	})
	return repaired, result.ErrorOrNil()
}

func (r *Repairer) Status() RepairStatus {
	return RepairStatus{
		LastRun:  r.lastRun.Load(),
		Repaired: r.lastRepaired.Load(),
		Error:    r.lastError.Load(),
	}
}
