package models

import "time"

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindTopUp      TransactionKind = "top-up"
	KindDebit      TransactionKind = "debit"
	KindRefund     TransactionKind = "refund"
	KindAdjustment TransactionKind = "adjustment"
)

// Valid reports whether k is a known transaction kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindTopUp, KindDebit, KindRefund, KindAdjustment:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxSucceeded TransactionStatus = "succeeded"
	TxFailed    TransactionStatus = "failed"
	TxCanceled  TransactionStatus = "canceled"
)

// Valid reports whether s is a known transaction status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxSucceeded, TxFailed, TxCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) Terminal() bool {
	return s != TxPending
}

// Transaction is an immutable balance-affecting ledger entry. Amount is signed:
// positive credits the user, negative debits them. Only the status and
// reconciliation fields of a pending top-up ever change after insert.
type Transaction struct {
	ID             int64             `json:"id"`
	UserID         int64             `json:"user_id"`
	Kind           TransactionKind   `json:"kind"`
	Amount         int64             `json:"amount"`
	PaymentID      *string           `json:"payment_id,omitempty"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ReconciledAt   *time.Time        `json:"reconciled_at,omitempty"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
