package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reconciler periodically asks the gateway about orders whose payment
// callback never arrived and applies the answer through ProcessPayment.
type Reconciler struct {
	service  *Service
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewReconciler creates a payment reconciler.
func NewReconciler(service *Service, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		service:  service,
		interval: time.Minute,
		grace:    2 * time.Minute,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the polling period.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithGrace sets how long a pushed payment is left alone before polling.
func (r *Reconciler) WithGrace(d time.Duration) *Reconciler {
	if d >= 0 {
		r.grace = d
	}
	return r
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the reconciler to stop. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in payment reconciler", "panic", fmt.Sprint(p))
		}
	}()
	r.Reconcile(ctx)
}

// Reconcile runs one pass and returns how many orders changed state.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	cutoff := r.service.now().Add(-r.grace)
	awaiting, err := r.service.store.ListAwaitingPayment(ctx, cutoff, r.batch)
	if err != nil {
		r.logger.Warn("failed to list orders awaiting payment", "error", err)
		return 0
	}

	settled := 0
	for _, o := range awaiting {
		if ctx.Err() != nil {
			return settled
		}
		notice, err := r.service.gateway.VerifyPayment(ctx, o.PaymentRef)
		if err != nil {
			r.logger.Warn("payment status lookup failed",
				"orderId", o.ID, "reference", o.PaymentRef, "error", err)
			continue
		}
		if notice.Status == PaymentPending {
			continue
		}
		notice.OrderID = o.ID
		if notice.Reference == "" {
			notice.Reference = o.PaymentRef
		}

		outcome, err := r.service.ProcessPayment(ctx, notice)
		if err != nil {
			r.logger.Warn("failed to apply reconciled payment",
				"orderId", o.ID, "outcome", outcome, "error", err)
			continue
		}
		if outcome == OutcomePaid || outcome == OutcomeFailed {
			settled++
			r.logger.Info("reconciled payment", "orderId", o.ID, "outcome", outcome)
		}
	}
	return settled
}
