// Package topup is the front-end boundary for buying credit: it lists the
// fixed denominations and opens gateway payments for them.
package topup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/gateway"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
)

// PaymentCreator opens payment intents on the gateway.
type PaymentCreator interface {
	CreatePaymentIntent(ctx context.Context, amount int64, description, returnURL string, metadata map[string]string) (gateway.PaymentIntent, error)
	Currency() string
}

// Service coordinates the gateway and the ledger for a top-up.
type Service struct {
	ledger   *ledger.Engine
	payments PaymentCreator
	options  []models.TopUpOption
	logger   logging.Logger
}

// NewService builds the option list from amounts (in order) and the
// per-generation cost used to label them.
func NewService(engine *ledger.Engine, payments PaymentCreator, amounts []int64, generationCost int64, logger logging.Logger) *Service {
	return &Service{
		ledger:   engine,
		payments: payments,
		options:  BuildOptions(amounts, generationCost, payments.Currency()),
		logger:   logger,
	}
}

// BuildOptions labels each amount with how many generations it buys.
func BuildOptions(amounts []int64, generationCost int64, currency string) []models.TopUpOption {
	options := make([]models.TopUpOption, 0, len(amounts))
	for _, amount := range amounts {
		if amount <= 0 {
			continue
		}
		var generations int64
		if generationCost > 0 {
			generations = amount / generationCost
		}
		options = append(options, models.TopUpOption{
			Amount:      amount,
			Generations: generations,
			Label:       fmt.Sprintf("%d %s (%d generations)", amount, currency, generations),
		})
	}
	return options
}

// ListTopUpOptions returns the denominations in display order.
func (s *Service) ListTopUpOptions() []models.TopUpOption {
	out := make([]models.TopUpOption, len(s.options))
	copy(out, s.options)
	return out
}

// Result is what the front-end needs to send the user to the gateway.
type Result struct {
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
	TransactionID   int64  `json:"transaction_id"`
	Amount          int64  `json:"amount"`
}

// RequestTopUp opens a gateway payment for one of the offered amounts and
// records the pending top-up before handing back the confirmation URL.
func (s *Service) RequestTopUp(ctx context.Context, userID, amount int64) (Result, error) {
	if !s.offered(amount) {
		return Result{}, fmt.Errorf("top-up of %d is not offered: %w", amount, apperr.ErrInvalidAmount)
	}
	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return Result{}, err
	}

	intent, err := s.payments.CreatePaymentIntent(ctx, amount,
		fmt.Sprintf("Balance top-up: %d %s", amount, s.payments.Currency()), "",
		map[string]string{"user_id": strconv.FormatInt(userID, 10)})
	if err != nil {
		s.logger.WithFields(logging.Fields{"user_id": userID, "amount": amount}).WithError(err).Error("create payment intent failed")
		return Result{}, err
	}

	txn, err := s.ledger.RecordPendingTopUp(ctx, userID, amount, intent.PaymentID)
	if err != nil {
		// The gateway payment exists but nothing local references it, so any
		// webhook for it will be dropped as unknown.
		s.logger.WithFields(logging.Fields{
			"user_id":    userID,
			"amount":     amount,
			"payment_id": intent.PaymentID,
		}).WithError(err).Error("record pending top-up failed")
		return Result{}, err
	}

	return Result{
		PaymentID:       intent.PaymentID,
		ConfirmationURL: intent.ConfirmationURL,
		TransactionID:   txn.ID,
		Amount:          amount,
	}, nil
}

func (s *Service) offered(amount int64) bool {
	for _, opt := range s.options {
		if opt.Amount == amount {
			return true
		}
	}
	return false
}
