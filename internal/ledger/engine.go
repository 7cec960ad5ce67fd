// Package ledger is the only code allowed to change a user's balance. Every
// mutation runs in one storage unit of work that locks the user row first,
// so concurrent calls for the same user serialize while different users
// proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// RefundPolicy decides which failed generations are refunded.
type RefundPolicy string

const (
	// RefundAll refunds every failed generation.
	RefundAll RefundPolicy = "all"
	// RefundProviderOnly refunds only when the provider itself failed.
	RefundProviderOnly RefundPolicy = "provider-only"
)

// ParseRefundPolicy accepts the REFUND_POLICY values; empty means RefundAll.
func ParseRefundPolicy(s string) (RefundPolicy, error) {
	switch RefundPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RefundAll:
		return RefundAll, nil
	case RefundProviderOnly:
		return RefundProviderOnly, nil
	}
	return "", fmt.Errorf("unknown refund policy %q", s)
}

// Engine applies ledger rules on top of a storage.Store.
type Engine struct {
	store   storage.Store
	logger  logging.Logger
	metrics *metrics.Collector
	policy  RefundPolicy
	now     func() time.Time

	flight singleflight.Group
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics records ledger operations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithRefundPolicy overrides the default RefundAll policy.
func WithRefundPolicy(p RefundPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock replaces time.Now, mostly for tests and imports.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine.
func NewEngine(store storage.Store, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger,
		policy: RefundAll,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetBalance returns the cached balance of a user.
func (e *Engine) GetBalance(ctx context.Context, userID int64) (int64, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return 0, unknownUser(err, userID)
	}
	return user.Balance, nil
}

// GetUser returns a user record.
func (e *Engine) GetUser(ctx context.Context, userID int64) (models.User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, unknownUser(err, userID)
	}
	return user, nil
}

// EnsureUser returns the user registered under externalID, creating an
// ordinary user with a zero balance on first contact. created reports
// whether a new row was written.
func (e *Engine) EnsureUser(ctx context.Context, externalID string, companyID *int64) (user models.User, created bool, err error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return models.User{}, false, errors.New("external id is required")
	}
	if existing, err := e.store.FindUserByExternalID(ctx, externalID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.User{}, false, err
	}

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if companyID != nil {
			company, err := tx.GetCompany(ctx, *companyID)
			if err != nil {
				return unknownCompany(err, *companyID)
			}
			if !company.Active {
				return fmt.Errorf("company %d: %w", company.ID, apperr.ErrCompanyInactive)
			}
		}
		var err error
		user, err = tx.CreateUser(ctx, models.User{
			ExternalID: externalID,
			CompanyID:  companyID,
			Role:       models.RoleOrdinary,
			CreatedAt:  e.now(),
		})
		return err
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Lost a race with a concurrent registration of the same external id.
		existing, ferr := e.store.FindUserByExternalID(ctx, externalID)
		return existing, false, ferr
	}
	if err != nil {
		return models.User{}, false, err
	}
	e.logger.WithFields(logging.Fields{"user_id": user.ID, "external_id": externalID}).Info("user registered")
	return user, true, nil
}

// CreateCompany registers a new active company.
func (e *Engine) CreateCompany(ctx context.Context, name string) (models.Company, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Company{}, errors.New("company name is required")
	}
	var company models.Company
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		company, err = tx.CreateCompany(ctx, models.Company{Name: name, Active: true, CreatedAt: e.now()})
		return err
	})
	if err != nil {
		return models.Company{}, err
	}
	e.logger.WithFields(logging.Fields{"company_id": company.ID, "name": name}).Info("company created")
	return company, nil
}

// DeactivateCompany marks a company inactive. Companies are never deleted.
func (e *Engine) DeactivateCompany(ctx context.Context, companyID int64) error {
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.SetCompanyActive(ctx, companyID, false); err != nil {
			return unknownCompany(err, companyID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.WithField("company_id", companyID).Info("company deactivated")
	return nil
}

// BalanceCheck compares the cached balance with the sum of succeeded transactions.
type BalanceCheck struct {
	UserID  int64 `json:"user_id"`
	Cached  int64 `json:"cached"`
	Derived int64 `json:"derived"`
}

// Consistent reports whether the cached balance matches the ledger.
func (c BalanceCheck) Consistent() bool {
	return c.Cached == c.Derived
}

// VerifyBalance recomputes a user's balance from the ledger inside one unit
// of work so the two figures come from the same snapshot.
func (e *Engine) VerifyBalance(ctx context.Context, userID int64) (BalanceCheck, error) {
	check := BalanceCheck{UserID: userID}
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return unknownUser(err, userID)
		}
		check.Cached = user.Balance
		check.Derived, err = tx.SumSucceeded(ctx, userID)
		return err
	})
	if err != nil {
		return BalanceCheck{}, err
	}
	if !check.Consistent() {
		e.logger.WithFields(logging.Fields{
			"user_id": userID,
			"cached":  check.Cached,
			"derived": check.Derived,
		}).Error("balance drift detected")
	}
	return check, nil
}

// VerifyAllBalances runs VerifyBalance for every user. Each user is checked in
// its own unit of work.
func (e *Engine) VerifyAllBalances(ctx context.Context) ([]BalanceCheck, error) {
	ids, err := e.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	checks := make([]BalanceCheck, 0, len(ids))
	for _, id := range ids {
		check, err := e.VerifyBalance(ctx, id)
		if err != nil {
			return checks, fmt.Errorf("verify user %d: %w", id, err)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func (e *Engine) observe(operation string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrInsufficientBalance):
		status = "insufficient"
	case errors.Is(err, apperr.ErrUnknownPayment):
		status = "unknown_payment"
	default:
		status = "error"
	}
	e.metrics.LedgerOperation(operation, status)
}

func unknownUser(err error, userID int64) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("user %d: %w", userID, apperr.ErrUnknownUser)
	}
	return err
}

func unknownCompany(err error, companyID int64) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("company %d: %w", companyID, apperr.ErrUnknownCompany)
	}
	return err
}
