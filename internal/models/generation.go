package models

import "time"

// GenerationStatus tracks one paid unit of service.
type GenerationStatus string

const (
	GenerationRequested GenerationStatus = "requested"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// Valid reports whether s is a known generation status.
func (s GenerationStatus) Valid() bool {
	switch s {
	case GenerationRequested, GenerationCompleted, GenerationFailed:
		return true
	}
	return false
}

// GenerationResult is the outcome reported when a generation finishes.
type GenerationResult string

const (
	ResultSucceeded         GenerationResult = "succeeded"
	ResultProviderFailed    GenerationResult = "provider-failed"
	ResultPostProcessFailed GenerationResult = "postprocess-failed"
)

// Generation records one paid call. TransactionID points at the debit that paid for it.
type Generation struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	TransactionID int64            `json:"transaction_id"`
	Cost          int64            `json:"cost"`
	Status        GenerationStatus `json:"status"`
	FailureCause  string           `json:"failure_cause,omitempty"`
	RequestedAt   time.Time        `json:"requested_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
