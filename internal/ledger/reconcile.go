package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// Outcome describes what ReconcilePayment did with an event.
type Outcome string

const (
	// OutcomeCredited means the pending top-up was settled and the balance credited.
	OutcomeCredited Outcome = "credited"
	// OutcomeDuplicate means the success had already been applied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeCanceled means the pending top-up was closed without a balance change.
	OutcomeCanceled Outcome = "canceled"
	// OutcomeIgnored means the event carried no final state, or arrived after the
	// transaction was already closed.
	OutcomeIgnored Outcome = "ignored"
)

// ReconcilePayment applies a normalized gateway event to the pending top-up
// it references. Delivering the same event any number of times, by webhook or
// by poll, credits the balance at most once.
func (e *Engine) ReconcilePayment(ctx context.Context, ev models.PaymentEvent) (Outcome, error) {
	// Concurrent deliveries of the same state share one execution. The status
	// is part of the key so a poll still reporting pending never swallows a
	// success that arrives at the same moment. The shared execution must not
	// die with whichever caller happened to start it.
	key := ev.PaymentID + "|" + string(ev.Status) + "|" + strconv.FormatBool(ev.Paid)
	v, err, _ := e.flight.Do(key, func() (any, error) {
		return e.reconcile(context.WithoutCancel(ctx), ev)
	})
	e.observe("reconcile", err)
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func (e *Engine) reconcile(ctx context.Context, ev models.PaymentEvent) (Outcome, error) {
	log := e.logger.WithFields(logging.Fields{
		"payment_id": ev.PaymentID,
		"status":     ev.Status,
		"paid":       ev.Paid,
		"amount":     ev.Amount,
	})
	if ev.PaymentID == "" {
		return "", fmt.Errorf("empty payment id: %w", apperr.ErrUnknownPayment)
	}

	txn, err := e.store.GetTransactionByPaymentID(ctx, ev.PaymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("no transaction for payment")
			return "", fmt.Errorf("payment %s: %w", ev.PaymentID, apperr.ErrUnknownPayment)
		}
		return "", err
	}
	log = log.WithFields(logging.Fields{"user_id": txn.UserID, "transaction_id": txn.ID})

	switch {
	case ev.Succeeded():
		if txn.Status == models.TxSucceeded {
			log.Debug("payment already credited")
			return OutcomeDuplicate, nil
		}
		if txn.Status != models.TxPending {
			log.WithField("local_status", txn.Status).Error("gateway reports success for a closed transaction")
			return "", fmt.Errorf("payment %s is %s: %w", ev.PaymentID, txn.Status, apperr.ErrPaymentNotPending)
		}
		res, err := e.credit(ctx, txn.UserID, ev.Amount, ev.PaymentID, ev.PaymentID)
		if err != nil {
			if errors.Is(err, apperr.ErrAmountMismatch) {
				log.WithField("expected", txn.Amount).Error("payment amount mismatch")
			}
			return "", err
		}
		if res.Duplicate {
			return OutcomeDuplicate, nil
		}
		return OutcomeCredited, nil

	case ev.Canceled():
		closed := false
		err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.LockUser(ctx, txn.UserID); err != nil {
				return unknownUser(err, txn.UserID)
			}
			locked, err := tx.LockTransactionByPaymentID(ctx, ev.PaymentID)
			if err != nil {
				return err
			}
			if locked.Status != models.TxPending {
				return nil
			}
			closed = true
			return tx.SettleTransaction(ctx, locked.ID, models.TxCanceled, nil, e.now())
		})
		if err != nil {
			return "", err
		}
		if !closed {
			return OutcomeIgnored, nil
		}
		log.Info("payment canceled")
		return OutcomeCanceled, nil
	}

	log.Debug("payment not final yet")
	return OutcomeIgnored, nil
}
