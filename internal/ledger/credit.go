package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// CreditResult is the transaction a credit produced. Duplicate is set when
// the idempotency key had already been applied and nothing changed.
type CreditResult struct {
	Transaction models.Transaction `json:"transaction"`
	Duplicate   bool               `json:"duplicate"`
}

// CreditBalance adds amount to a user's balance exactly once per
// idempotency key. When externalRef names a pending top-up of the same user
// that row is promoted to succeeded; otherwise a new succeeded top-up is
// written. A key that was already applied returns the original transaction
// with Duplicate set.
func (e *Engine) CreditBalance(ctx context.Context, userID, amount int64, externalRef, idempotencyKey string) (CreditResult, error) {
	res, err := e.credit(ctx, userID, amount, externalRef, idempotencyKey)
	e.observe("credit", err)
	return res, err
}

func (e *Engine) credit(ctx context.Context, userID, amount int64, externalRef, idempotencyKey string) (CreditResult, error) {
	if amount <= 0 {
		return CreditResult{}, fmt.Errorf("credit of %d: %w", amount, apperr.ErrInvalidAmount)
	}
	externalRef = strings.TrimSpace(externalRef)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return CreditResult{}, errors.New("idempotency key is required")
	}

	var res CreditResult
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		res, err = e.creditTx(ctx, tx, userID, amount, externalRef, idempotencyKey)
		return err
	})
	if err != nil {
		return CreditResult{}, err
	}

	fields := logging.Fields{
		"user_id":        userID,
		"amount":         amount,
		"transaction_id": res.Transaction.ID,
		"payment_id":     externalRef,
	}
	if res.Duplicate {
		e.logger.WithFields(fields).Info("credit already applied")
	} else {
		e.logger.WithFields(fields).Info("balance credited")
	}
	return res, nil
}

// creditTx runs inside a unit of work. The user row is locked before the
// payment row.
func (e *Engine) creditTx(ctx context.Context, tx storage.Tx, userID, amount int64, externalRef, key string) (CreditResult, error) {
	if _, err := tx.LockUser(ctx, userID); err != nil {
		return CreditResult{}, unknownUser(err, userID)
	}

	existing, err := tx.GetTransactionByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if existing.UserID != userID || existing.Status != models.TxSucceeded {
			return CreditResult{}, fmt.Errorf("key %q held by transaction %d: %w", key, existing.ID, apperr.ErrDuplicateEvent)
		}
		return CreditResult{Transaction: existing, Duplicate: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return CreditResult{}, err
	}

	now := e.now()
	if externalRef != "" {
		pending, err := tx.LockTransactionByPaymentID(ctx, externalRef)
		switch {
		case err == nil:
			if pending.UserID != userID {
				return CreditResult{}, fmt.Errorf("payment %s belongs to user %d: %w", externalRef, pending.UserID, apperr.ErrUnknownPayment)
			}
			if pending.Status != models.TxPending {
				return CreditResult{}, fmt.Errorf("payment %s is %s: %w", externalRef, pending.Status, apperr.ErrPaymentNotPending)
			}
			if pending.Amount != amount {
				return CreditResult{}, fmt.Errorf("payment %s: expected %d, got %d: %w", externalRef, pending.Amount, amount, apperr.ErrAmountMismatch)
			}
			if err := tx.SettleTransaction(ctx, pending.ID, models.TxSucceeded, &key, now); err != nil {
				return CreditResult{}, err
			}
			if _, err := tx.AddBalance(ctx, userID, amount); err != nil {
				return CreditResult{}, err
			}
			pending.Status = models.TxSucceeded
			pending.IdempotencyKey = &key
			pending.ReconciledAt = &now
			return CreditResult{Transaction: pending}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return CreditResult{}, err
		}
	}

	created, err := tx.InsertTransaction(ctx, models.Transaction{
		UserID:         userID,
		Kind:           models.KindTopUp,
		Amount:         amount,
		PaymentID:      models.StringPtr(externalRef),
		IdempotencyKey: &key,
		Status:         models.TxSucceeded,
		CreatedAt:      now,
		ReconciledAt:   &now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return CreditResult{}, fmt.Errorf("credit %q: %w", key, apperr.ErrDuplicateEvent)
		}
		return CreditResult{}, err
	}
	if _, err := tx.AddBalance(ctx, userID, amount); err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Transaction: created}, nil
}

// RecordPendingTopUp stores the pending top-up for a payment intent the
// gateway has just created. It must be persisted before the user is sent to
// the confirmation page so that the webhook can find it.
func (e *Engine) RecordPendingTopUp(ctx context.Context, userID, amount int64, paymentID string) (models.Transaction, error) {
	if amount <= 0 {
		return models.Transaction{}, fmt.Errorf("top-up of %d: %w", amount, apperr.ErrInvalidAmount)
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return models.Transaction{}, errors.New("payment id is required")
	}

	var created models.Transaction
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return unknownUser(err, userID)
		}
		var err error
		created, err = tx.InsertTransaction(ctx, models.Transaction{
			UserID:    userID,
			Kind:      models.KindTopUp,
			Amount:    amount,
			PaymentID: &paymentID,
			Status:    models.TxPending,
			CreatedAt: e.now(),
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("payment %s already recorded: %w", paymentID, apperr.ErrDuplicateEvent)
		}
		return err
	})
	e.observe("record_pending", err)
	if err != nil {
		return models.Transaction{}, err
	}
	e.logger.WithFields(logging.Fields{
		"user_id":        userID,
		"amount":         amount,
		"payment_id":     paymentID,
		"transaction_id": created.ID,
	}).Info("pending top-up recorded")
	return created, nil
}

// AdjustBalance applies an administrator correction. delta may be negative
// but never takes the balance below zero. Repeating a key is a no-op.
func (e *Engine) AdjustBalance(ctx context.Context, adminID, userID, delta int64, idempotencyKey string) (CreditResult, error) {
	res, err := e.adjust(ctx, adminID, userID, delta, strings.TrimSpace(idempotencyKey))
	e.observe("adjust", err)
	return res, err
}

func (e *Engine) adjust(ctx context.Context, adminID, userID, delta int64, key string) (CreditResult, error) {
	if delta == 0 {
		return CreditResult{}, fmt.Errorf("adjustment of 0: %w", apperr.ErrInvalidAmount)
	}
	if key == "" {
		return CreditResult{}, errors.New("idempotency key is required")
	}

	var res CreditResult
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		admin, err := tx.GetUser(ctx, adminID)
		if err != nil {
			return unknownUser(err, adminID)
		}
		if !admin.IsAdministrator() {
			return fmt.Errorf("user %d: %w", adminID, apperr.ErrNotAdministrator)
		}
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return unknownUser(err, userID)
		}

		existing, err := tx.GetTransactionByIdempotencyKey(ctx, key)
		if err == nil {
			if existing.UserID != userID || existing.Kind != models.KindAdjustment {
				return fmt.Errorf("key %q held by transaction %d: %w", key, existing.ID, apperr.ErrDuplicateEvent)
			}
			res = CreditResult{Transaction: existing, Duplicate: true}
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if _, err := tx.AddBalance(ctx, userID, delta); err != nil {
			if errors.Is(err, storage.ErrNegativeBalance) {
				return fmt.Errorf("adjust user %d by %d: %w", userID, delta, apperr.ErrInsufficientBalance)
			}
			return err
		}
		now := e.now()
		created, err := tx.InsertTransaction(ctx, models.Transaction{
			UserID:         userID,
			Kind:           models.KindAdjustment,
			Amount:         delta,
			IdempotencyKey: &key,
			Status:         models.TxSucceeded,
			CreatedAt:      now,
			ReconciledAt:   &now,
		})
		if err != nil {
			return err
		}
		res = CreditResult{Transaction: created}
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}
	if !res.Duplicate {
		e.logger.WithFields(logging.Fields{
			"admin_id":       adminID,
			"user_id":        userID,
			"amount":         delta,
			"transaction_id": res.Transaction.ID,
		}).Warn("balance adjusted by administrator")
	}
	return res, nil
}
