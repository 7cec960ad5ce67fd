// Package worker runs background jobs of the ledger service.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// StatusSource reports the gateway's view of a payment.
type StatusSource interface {
	GetPaymentStatus(ctx context.Context, paymentID string) (models.PaymentEvent, error)
}

// ReconcilerConfig tunes the polling loop.
type ReconcilerConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	Workers   int
}

func (c ReconcilerConfig) normalized() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MinAge <= 0 {
		c.MinAge = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	return c
}

// Reconciler is the fallback path for lost or delayed webhooks: it asks the
// gateway about top-ups that have been pending for too long and feeds the
// answer to the ledger.
type Reconciler struct {
	engine  *ledger.Engine
	store   storage.Store
	gateway StatusSource
	cfg     ReconcilerConfig
	logger  logging.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// cursor is the last transaction id examined. Cycles page forward from
	// it and wrap to the start once a page comes back short, so payments
	// that never settle cannot keep newer ones out of the batch.
	cursorMu sync.Mutex
	cursor   int64
}

// NewReconciler constructs a Reconciler. m may be nil.
func NewReconciler(engine *ledger.Engine, store storage.Store, gateway StatusSource, cfg ReconcilerConfig, logger logging.Logger, m *metrics.Collector) *Reconciler {
	return &Reconciler{
		engine:  engine,
		store:   store,
		gateway: gateway,
		cfg:     cfg.normalized(),
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start polls every Interval until ctx is done. Blocking.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.WithField("interval", r.cfg.Interval.String()).Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.WithError(err).Error("reconcile cycle failed")
			}
		}
	}
}

// Summary counts what one cycle did.
type Summary struct {
	Examined int `json:"examined"`
	Credited int `json:"credited"`
	Canceled int `json:"canceled"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// RunOnce reconciles the next batch of stale pending top-ups. Failures of
// single payments are logged and counted; only a failure to list the batch is
// returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	r.cursorMu.Lock()
	after := r.cursor
	r.cursorMu.Unlock()

	stale, err := r.store.ListPendingTopUps(ctx, r.now().Add(-r.cfg.MinAge), after, r.cfg.BatchSize)
	if err != nil {
		r.metrics.ReconcileRun("error")
		return Summary{}, err
	}

	next := int64(0)
	if len(stale) == r.cfg.BatchSize {
		next = stale[len(stale)-1].ID
	}
	r.cursorMu.Lock()
	r.cursor = next
	r.cursorMu.Unlock()

	if len(stale) == 0 {
		r.metrics.ReconcileRun("empty")
		return Summary{}, nil
	}
	r.logger.WithField("count", len(stale)).Info("reconciling stale pending top-ups")

	var (
		mu      sync.Mutex
		summary = Summary{Examined: len(stale)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, txn := range stale {
		if txn.PaymentID == nil {
			continue
		}
		paymentID := *txn.PaymentID
		g.Go(func() error {
			outcome := r.syncPayment(gctx, paymentID)
			r.metrics.ReconciledPayment(outcome)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "credited":
				summary.Credited++
			case "canceled":
				summary.Canceled++
			case "pending":
				summary.Pending++
			default:
				summary.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.ReconcileRun("ok")
	r.logger.WithFields(logging.Fields{
		"examined": summary.Examined,
		"credited": summary.Credited,
		"canceled": summary.Canceled,
		"pending":  summary.Pending,
		"failed":   summary.Failed,
	}).Info("reconcile cycle completed")
	return summary, nil
}

// Sweep runs cycles from the start of the pending set until every stale
// pending top-up has been polled once.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	r.cursorMu.Lock()
	r.cursor = 0
	r.cursorMu.Unlock()

	var total Summary
	for {
		s, err := r.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		total.Examined += s.Examined
		total.Credited += s.Credited
		total.Canceled += s.Canceled
		total.Pending += s.Pending
		total.Failed += s.Failed

		r.cursorMu.Lock()
		done := r.cursor == 0
		r.cursorMu.Unlock()
		if done {
			return total, nil
		}
	}
}

func (r *Reconciler) syncPayment(ctx context.Context, paymentID string) string {
	log := r.logger.WithField("payment_id", paymentID)
	event, err := r.gateway.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		log.WithError(err).Warn("gateway status check failed")
		return "error"
	}
	event.PaymentID = paymentID
	if event.Kind == "" {
		event.Kind = "poll"
	}

	outcome, err := r.engine.ReconcilePayment(ctx, event)
	if err != nil {
		log.WithError(err).Error("reconcile payment failed")
		return "error"
	}
	switch outcome {
	case ledger.OutcomeCredited, ledger.OutcomeDuplicate:
		return "credited"
	case ledger.OutcomeCanceled:
		return "canceled"
	}
	return "pending"
}
