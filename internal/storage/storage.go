package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hongminglow/credit-ledger/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// Reader holds lookups that are valid both inside and outside a unit of work.
type Reader interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	FindUserByExternalID(ctx context.Context, externalID string) (models.User, error)
	GetCompany(ctx context.Context, id int64) (models.Company, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error)
	GetTransactionByPaymentID(ctx context.Context, paymentID string) (models.Transaction, error)
	ListTransactions(ctx context.Context, userID int64) ([]models.Transaction, error)
	SumSucceeded(ctx context.Context, userID int64) (int64, error)
	GetGeneration(ctx context.Context, id int64) (models.Generation, error)
	GetAccessRequest(ctx context.Context, id int64) (models.AccessRequest, error)
	ListAccessRequests(ctx context.Context, status models.AccessRequestStatus) ([]models.AccessRequest, error)
	LookupLegacyID(ctx context.Context, kind, legacyID string) (int64, error)
}

// Tx is a unit of work. Lock* methods take a row lock held until the unit
// commits or rolls back; callers lock the user row before any row it owns.
type Tx interface {
	Reader

	CreateCompany(ctx context.Context, company models.Company) (models.Company, error)
	SetCompanyActive(ctx context.Context, id int64, active bool) error

	CreateUser(ctx context.Context, user models.User) (models.User, error)
	LockUser(ctx context.Context, id int64) (models.User, error)
	// AddBalance applies delta and returns the new balance. It must refuse to
	// take the balance below zero.
	AddBalance(ctx context.Context, userID, delta int64) (int64, error)
	SetUserRole(ctx context.Context, userID int64, role models.Role) error

	InsertTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error)
	LockTransactionByPaymentID(ctx context.Context, paymentID string) (models.Transaction, error)
	SettleTransaction(ctx context.Context, id int64, status models.TransactionStatus, idempotencyKey *string, at time.Time) error

	InsertGeneration(ctx context.Context, gen models.Generation) (models.Generation, error)
	LockGeneration(ctx context.Context, id int64) (models.Generation, error)
	FinishGeneration(ctx context.Context, id int64, status models.GenerationStatus, cause string, at time.Time) error

	InsertAccessRequest(ctx context.Context, req models.AccessRequest) (models.AccessRequest, error)
	LockAccessRequest(ctx context.Context, id int64) (models.AccessRequest, error)
	UpdateAccessRequest(ctx context.Context, req models.AccessRequest) error

	MapLegacyID(ctx context.Context, kind, legacyID string, newID int64) error
}

// Store is the relational store used by every workflow.
type Store interface {
	Reader
	// RunInTx runs fn in one atomic unit of work; any error rolls back every write.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ListPendingTopUps pages through pending gateway top-ups created before
	// the cutoff in id order, starting after afterID.
	ListPendingTopUps(ctx context.Context, createdBefore time.Time, afterID int64, limit int) ([]models.Transaction, error)
	// ListUserIDs returns every user id in ascending order.
	ListUserIDs(ctx context.Context) ([]int64, error)
	Close()
}

// ErrNegativeBalance is returned by AddBalance when the result would be below zero.
var ErrNegativeBalance = errors.New("balance would become negative")
