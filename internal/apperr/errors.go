// Package apperr holds the sentinel errors shared by the ledger, payment and
// access workflows. Transport layers map them to status codes.
package apperr

import "errors"

var (
	// Ledger
	ErrUnknownUser         = errors.New("unknown user")
	ErrUnknownPayment      = errors.New("unknown payment")
	ErrUnknownGeneration   = errors.New("unknown generation")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEvent      = errors.New("event already applied")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAmountMismatch      = errors.New("payment amount does not match pending transaction")
	ErrPaymentNotPending   = errors.New("payment transaction is not pending")
	ErrGenerationFinalized = errors.New("generation already completed")

	// Access requests
	ErrUnknownAccessRequest = errors.New("unknown access request")
	ErrAlreadyReviewed      = errors.New("access request already reviewed")
	ErrNotAdministrator     = errors.New("operation requires an administrator")

	// Companies
	ErrUnknownCompany  = errors.New("unknown company")
	ErrCompanyInactive = errors.New("company is deactivated")

	// External collaborators
	ErrProvider = errors.New("generation provider failed")
	ErrGateway  = errors.New("payment gateway error")

	// Migration
	ErrImportConsistency = errors.New("legacy import consistency violation")
)
