// Package generation runs a paid generation end to end: debit, provider
// call, optional post-processing, then completion or refund.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
)

// ErrEmptyPrompt rejects a request before anything is charged.
var ErrEmptyPrompt = errors.New("prompt is required")

// PostProcessor transforms a provider result, e.g. resizing the image.
type PostProcessor func(ctx context.Context, res Result) (Result, error)

// Service charges for and performs generations.
type Service struct {
	ledger   *ledger.Engine
	provider Provider
	cost     int64
	post     PostProcessor
	logger   logging.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithPostProcessor runs p after a successful provider call.
func WithPostProcessor(p PostProcessor) Option {
	return func(s *Service) { s.post = p }
}

// NewService constructs a Service that charges cost per generation.
func NewService(engine *ledger.Engine, provider Provider, cost int64, logger logging.Logger, opts ...Option) *Service {
	s := &Service{ledger: engine, provider: provider, cost: cost, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cost is the fixed price of one generation.
func (s *Service) Cost() int64 { return s.cost }

// Outcome is a finished generation and, on success, its result.
type Outcome struct {
	Generation models.Generation `json:"generation"`
	Result     *Result           `json:"result,omitempty"`
}

// RequestGeneration debits the user and calls the provider. A provider or
// post-processing failure finalizes the generation as failed (refunding per
// the ledger's policy) and is returned together with the failed generation.
func (s *Service) RequestGeneration(ctx context.Context, userID int64, prompt string) (Outcome, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Outcome{}, ErrEmptyPrompt
	}

	gen, err := s.ledger.DebitForGeneration(ctx, userID, s.cost)
	if err != nil {
		return Outcome{}, err
	}
	log := s.logger.WithFields(logging.Fields{"user_id": userID, "generation_id": gen.ID})

	// The debit is committed; finishing it must not depend on the caller
	// staying connected.
	finishCtx := context.WithoutCancel(ctx)

	res, err := s.provider.Invoke(ctx, Request{GenerationID: gen.ID, UserID: userID, Prompt: prompt})
	if err != nil {
		log.WithError(err).Warn("provider call failed")
		return s.fail(finishCtx, gen, models.ResultProviderFailed, err)
	}
	if s.post != nil {
		res, err = s.post(ctx, res)
		if err != nil {
			log.WithError(err).Warn("post-processing failed")
			return s.fail(finishCtx, gen, models.ResultPostProcessFailed, fmt.Errorf("post-process: %w", err))
		}
	}

	done, err := s.ledger.CompleteGeneration(finishCtx, gen.ID, models.ResultSucceeded)
	if err != nil {
		return Outcome{Generation: gen}, err
	}
	return Outcome{Generation: done, Result: &res}, nil
}

func (s *Service) fail(ctx context.Context, gen models.Generation, result models.GenerationResult, cause error) (Outcome, error) {
	done, err := s.ledger.CompleteGeneration(ctx, gen.ID, result)
	if err != nil {
		s.logger.WithField("generation_id", gen.ID).WithError(err).Error("finalize failed generation")
		return Outcome{Generation: gen}, errors.Join(cause, err)
	}
	return Outcome{Generation: done}, cause
}
