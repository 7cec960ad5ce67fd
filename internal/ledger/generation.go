package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// DebitForGeneration charges cost and opens a requested Generation linked to
// the debit. The balance check and the debit happen under the user row lock.
func (e *Engine) DebitForGeneration(ctx context.Context, userID, cost int64) (models.Generation, error) {
	gen, err := e.debit(ctx, userID, cost)
	e.observe("debit", err)
	return gen, err
}

func (e *Engine) debit(ctx context.Context, userID, cost int64) (models.Generation, error) {
	if cost <= 0 {
		return models.Generation{}, fmt.Errorf("generation cost %d: %w", cost, apperr.ErrInvalidAmount)
	}

	var gen models.Generation
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return unknownUser(err, userID)
		}
		if user.CompanyID != nil {
			company, err := tx.GetCompany(ctx, *user.CompanyID)
			if err != nil {
				return unknownCompany(err, *user.CompanyID)
			}
			if !company.Active {
				return fmt.Errorf("company %d: %w", company.ID, apperr.ErrCompanyInactive)
			}
		}
		if user.Balance < cost {
			return fmt.Errorf("balance %d below cost %d: %w", user.Balance, cost, apperr.ErrInsufficientBalance)
		}

		now := e.now()
		debit, err := tx.InsertTransaction(ctx, models.Transaction{
			UserID:       userID,
			Kind:         models.KindDebit,
			Amount:       -cost,
			Status:       models.TxSucceeded,
			CreatedAt:    now,
			ReconciledAt: &now,
		})
		if err != nil {
			return err
		}
		if _, err := tx.AddBalance(ctx, userID, -cost); err != nil {
			if errors.Is(err, storage.ErrNegativeBalance) {
				return fmt.Errorf("debit %d: %w", cost, apperr.ErrInsufficientBalance)
			}
			return err
		}
		gen, err = tx.InsertGeneration(ctx, models.Generation{
			UserID:        userID,
			TransactionID: debit.ID,
			Cost:          cost,
			Status:        models.GenerationRequested,
			RequestedAt:   now,
		})
		return err
	})
	if err != nil {
		return models.Generation{}, err
	}
	e.logger.WithFields(logging.Fields{
		"user_id":        userID,
		"amount":         -cost,
		"generation_id":  gen.ID,
		"transaction_id": gen.TransactionID,
	}).Info("generation debited")
	return gen, nil
}

// CompleteGeneration closes a requested Generation. Failures are refunded
// according to the engine's RefundPolicy; the refund uses a key derived from
// the generation so it can never be applied twice.
func (e *Engine) CompleteGeneration(ctx context.Context, generationID int64, result models.GenerationResult) (models.Generation, error) {
	gen, err := e.complete(ctx, generationID, result)
	e.observe("complete_generation", err)
	return gen, err
}

func (e *Engine) complete(ctx context.Context, generationID int64, result models.GenerationResult) (models.Generation, error) {
	switch result {
	case models.ResultSucceeded, models.ResultProviderFailed, models.ResultPostProcessFailed:
	default:
		return models.Generation{}, fmt.Errorf("unknown generation result %q", result)
	}

	current, err := e.store.GetGeneration(ctx, generationID)
	if err != nil {
		return models.Generation{}, unknownGeneration(err, generationID)
	}

	refunded := false
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockUser(ctx, current.UserID); err != nil {
			return unknownUser(err, current.UserID)
		}
		gen, err := tx.LockGeneration(ctx, generationID)
		if err != nil {
			return unknownGeneration(err, generationID)
		}
		if gen.Status != models.GenerationRequested {
			current = gen
			return fmt.Errorf("generation %d is %s: %w", gen.ID, gen.Status, apperr.ErrGenerationFinalized)
		}

		now := e.now()
		if result == models.ResultSucceeded {
			if err := tx.FinishGeneration(ctx, gen.ID, models.GenerationCompleted, "", now); err != nil {
				return err
			}
			gen.Status = models.GenerationCompleted
			gen.CompletedAt = &now
			current = gen
			return nil
		}

		if e.refunds(result) {
			key := refundKey(gen.ID)
			if _, err := tx.InsertTransaction(ctx, models.Transaction{
				UserID:         gen.UserID,
				Kind:           models.KindRefund,
				Amount:         gen.Cost,
				IdempotencyKey: &key,
				Status:         models.TxSucceeded,
				CreatedAt:      now,
				ReconciledAt:   &now,
			}); err != nil {
				return err
			}
			if _, err := tx.AddBalance(ctx, gen.UserID, gen.Cost); err != nil {
				return err
			}
			refunded = true
		}
		if err := tx.FinishGeneration(ctx, gen.ID, models.GenerationFailed, string(result), now); err != nil {
			return err
		}
		gen.Status = models.GenerationFailed
		gen.FailureCause = string(result)
		gen.CompletedAt = &now
		current = gen
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrGenerationFinalized) {
			return current, err
		}
		return models.Generation{}, err
	}

	fields := logging.Fields{
		"user_id":       current.UserID,
		"generation_id": current.ID,
		"status":        current.Status,
	}
	switch {
	case refunded:
		fields["amount"] = current.Cost
		e.logger.WithFields(fields).Info("generation failed, cost refunded")
	case current.Status == models.GenerationFailed:
		e.logger.WithFields(fields).WithField("cause", current.FailureCause).Warn("generation failed without refund")
	default:
		e.logger.WithFields(fields).Info("generation completed")
	}
	return current, nil
}

func (e *Engine) refunds(result models.GenerationResult) bool {
	switch result {
	case models.ResultProviderFailed:
		return true
	case models.ResultPostProcessFailed:
		return e.policy != RefundProviderOnly
	}
	return false
}

func refundKey(generationID int64) string {
	return fmt.Sprintf("generation-refund:%d", generationID)
}

func unknownGeneration(err error, generationID int64) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("generation %d: %w", generationID, apperr.ErrUnknownGeneration)
	}
	return err
}
