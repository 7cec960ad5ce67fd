package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ensure Store satisfies the storage.Store interface at compile time.
var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = (*txStore)(nil)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

// Store provides Postgres-backed persistence for the ledger.
type Store struct {
	queries
	pool *pgxpool.Pool
}

type txStore struct {
	queries
}

// NewStore creates a new Store and runs migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{queries: queries{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS companies (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			external_id TEXT UNIQUE NOT NULL,
			company_id BIGINT REFERENCES companies(id),
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			role TEXT NOT NULL DEFAULT 'ordinary' CHECK (role IN ('ordinary', 'administrator')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			kind TEXT NOT NULL CHECK (kind IN ('top-up', 'debit', 'refund', 'adjustment')),
			amount BIGINT NOT NULL CHECK (amount <> 0),
			payment_id TEXT UNIQUE,
			idempotency_key TEXT UNIQUE,
			status TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed', 'canceled')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			reconciled_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS transactions_pending_topup_idx ON transactions (created_at) WHERE kind = 'top-up' AND status = 'pending';`,
		`CREATE TABLE IF NOT EXISTS generations (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			transaction_id BIGINT NOT NULL REFERENCES transactions(id),
			cost BIGINT NOT NULL CHECK (cost > 0),
			status TEXT NOT NULL CHECK (status IN ('requested', 'completed', 'failed')),
			failure_cause TEXT NOT NULL DEFAULT '',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS access_requests (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			capability TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'denied')),
			reviewer_id BIGINT REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			reviewed_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS legacy_ids (
			kind TEXT NOT NULL,
			legacy_id TEXT NOT NULL,
			new_id BIGINT NOT NULL,
			PRIMARY KEY (kind, legacy_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

// RunInTx executes fn inside a READ COMMITTED transaction. Row locks taken via
// the Lock* methods serialize concurrent work on the same user.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, &txStore{queries{q: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const userColumns = `id, external_id, company_id, balance, role, created_at`

const transactionColumns = `id, user_id, kind, amount, payment_id, idempotency_key, status, created_at, reconciled_at`

const generationColumns = `id, user_id, transaction_id, cost, status, failure_cause, requested_at, completed_at`

const accessRequestColumns = `id, user_id, capability, status, reviewer_id, created_at, reviewed_at`

// GetUser fetches a user by id.
func (q queries) GetUser(ctx context.Context, id int64) (models.User, error) {
	row := q.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindUserByExternalID fetches a user by chat/account identifier.
func (q queries) FindUserByExternalID(ctx context.Context, externalID string) (models.User, error) {
	row := q.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return scanUser(row)
}

// GetCompany fetches a company by id.
func (q queries) GetCompany(ctx context.Context, id int64) (models.Company, error) {
	var c models.Company
	err := q.q.QueryRow(ctx, `SELECT id, name, active, created_at FROM companies WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt)
	if err != nil {
		return models.Company{}, mapErr(err)
	}
	return c, nil
}

// GetTransactionByIdempotencyKey fetches the transaction that consumed key.
func (q queries) GetTransactionByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error) {
	row := q.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

// GetTransactionByPaymentID fetches the transaction created for a gateway payment.
func (q queries) GetTransactionByPaymentID(ctx context.Context, paymentID string) (models.Transaction, error) {
	row := q.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_id = $1`, paymentID)
	return scanTransaction(row)
}

// ListTransactions returns a user's transactions oldest first.
func (q queries) ListTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	rows, err := q.q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// SumSucceeded returns the sum of a user's succeeded transaction amounts.
func (q queries) SumSucceeded(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := q.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::BIGINT FROM transactions WHERE user_id = $1 AND status = 'succeeded'`, userID).Scan(&sum)
	return sum, mapErr(err)
}

// GetGeneration fetches a generation by id.
func (q queries) GetGeneration(ctx context.Context, id int64) (models.Generation, error) {
	row := q.q.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

// GetAccessRequest fetches an access request by id.
func (q queries) GetAccessRequest(ctx context.Context, id int64) (models.AccessRequest, error) {
	row := q.q.QueryRow(ctx, `SELECT `+accessRequestColumns+` FROM access_requests WHERE id = $1`, id)
	return scanAccessRequest(row)
}

// ListAccessRequests lists requests in the given status, or all when status is empty.
func (q queries) ListAccessRequests(ctx context.Context, status models.AccessRequestStatus) ([]models.AccessRequest, error) {
	rows, err := q.q.Query(ctx, `SELECT `+accessRequestColumns+` FROM access_requests
		WHERE ($1::text = '' OR status = $1::text) ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AccessRequest
	for rows.Next() {
		req, err := scanAccessRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// LookupLegacyID resolves an imported legacy identifier.
func (q queries) LookupLegacyID(ctx context.Context, kind, legacyID string) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, `SELECT new_id FROM legacy_ids WHERE kind = $1 AND legacy_id = $2`, kind, legacyID).Scan(&id)
	if err != nil {
		return 0, mapErr(err)
	}
	return id, nil
}

// ListPendingTopUps returns pending gateway top-ups created before the cutoff
// with id greater than afterID, in id order.
func (s *Store) ListPendingTopUps(ctx context.Context, createdBefore time.Time, afterID int64, limit int) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE kind = 'top-up' AND status = 'pending' AND payment_id IS NOT NULL
		  AND created_at < $1 AND id > $2
		ORDER BY id LIMIT $3`, createdBefore, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListUserIDs returns every user id in ascending order.
func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// CreateCompany inserts a company row.
func (t *txStore) CreateCompany(ctx context.Context, c models.Company) (models.Company, error) {
	err := t.q.QueryRow(ctx, `INSERT INTO companies (name, active, created_at) VALUES ($1, $2, $3)
		RETURNING id, name, active, created_at`, c.Name, c.Active, c.CreatedAt).
		Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt)
	if err != nil {
		return models.Company{}, mapErr(err)
	}
	return c, nil
}

// SetCompanyActive toggles a company's active flag.
func (t *txStore) SetCompanyActive(ctx context.Context, id int64, active bool) error {
	tag, err := t.q.Exec(ctx, `UPDATE companies SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateUser inserts a new user row.
func (t *txStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO users (external_id, company_id, balance, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns, user.ExternalID, user.CompanyID, user.Balance, string(user.Role), user.CreatedAt)
	return scanUser(row)
}

// LockUser fetches a user and holds its row lock until the unit of work ends.
func (t *txStore) LockUser(ctx context.Context, id int64) (models.User, error) {
	row := t.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	return scanUser(row)
}

// AddBalance applies delta to the user's cached balance.
func (t *txStore) AddBalance(ctx context.Context, userID, delta int64) (int64, error) {
	var balance int64
	err := t.q.QueryRow(ctx, `UPDATE users SET balance = balance + $2
		WHERE id = $1 AND balance + $2 >= 0 RETURNING balance`, userID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := t.GetUser(ctx, userID); getErr != nil {
			return 0, getErr
		}
		return 0, storage.ErrNegativeBalance
	}
	if err != nil {
		return 0, mapErr(err)
	}
	return balance, nil
}

// SetUserRole changes a user's role.
func (t *txStore) SetUserRole(ctx context.Context, userID int64, role models.Role) error {
	tag, err := t.q.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, userID, string(role))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertTransaction appends a ledger entry.
func (t *txStore) InsertTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO transactions
		(user_id, kind, amount, payment_id, idempotency_key, status, created_at, reconciled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+transactionColumns,
		tx.UserID, string(tx.Kind), tx.Amount, tx.PaymentID, tx.IdempotencyKey, string(tx.Status), tx.CreatedAt, tx.ReconciledAt)
	return scanTransaction(row)
}

// LockTransactionByPaymentID fetches and locks the transaction for a gateway payment.
func (t *txStore) LockTransactionByPaymentID(ctx context.Context, paymentID string) (models.Transaction, error) {
	row := t.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_id = $1 FOR UPDATE`, paymentID)
	return scanTransaction(row)
}

// SettleTransaction moves a pending transaction to a terminal status.
func (t *txStore) SettleTransaction(ctx context.Context, id int64, status models.TransactionStatus, idempotencyKey *string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE transactions
		SET status = $2, idempotency_key = COALESCE($3, idempotency_key), reconciled_at = $4
		WHERE id = $1 AND status = 'pending'`, id, string(status), idempotencyKey, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertGeneration records a generation linked to its debit.
func (t *txStore) InsertGeneration(ctx context.Context, g models.Generation) (models.Generation, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO generations
		(user_id, transaction_id, cost, status, failure_cause, requested_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+generationColumns,
		g.UserID, g.TransactionID, g.Cost, string(g.Status), g.FailureCause, g.RequestedAt, g.CompletedAt)
	return scanGeneration(row)
}

// LockGeneration fetches and locks a generation row.
func (t *txStore) LockGeneration(ctx context.Context, id int64) (models.Generation, error) {
	row := t.q.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id)
	return scanGeneration(row)
}

// FinishGeneration stores the final status of a generation.
func (t *txStore) FinishGeneration(ctx context.Context, id int64, status models.GenerationStatus, cause string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE generations SET status = $2, failure_cause = $3, completed_at = $4
		WHERE id = $1`, id, string(status), cause, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertAccessRequest stores a new access request.
func (t *txStore) InsertAccessRequest(ctx context.Context, r models.AccessRequest) (models.AccessRequest, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO access_requests
		(user_id, capability, status, reviewer_id, created_at, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+accessRequestColumns,
		r.UserID, r.Capability, string(r.Status), r.ReviewerID, r.CreatedAt, r.ReviewedAt)
	return scanAccessRequest(row)
}

// LockAccessRequest fetches and locks an access request.
func (t *txStore) LockAccessRequest(ctx context.Context, id int64) (models.AccessRequest, error) {
	row := t.q.QueryRow(ctx, `SELECT `+accessRequestColumns+` FROM access_requests WHERE id = $1 FOR UPDATE`, id)
	return scanAccessRequest(row)
}

// UpdateAccessRequest persists a reviewed request.
func (t *txStore) UpdateAccessRequest(ctx context.Context, r models.AccessRequest) error {
	tag, err := t.q.Exec(ctx, `UPDATE access_requests SET status = $2, reviewer_id = $3, reviewed_at = $4
		WHERE id = $1`, r.ID, string(r.Status), r.ReviewerID, r.ReviewedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MapLegacyID records the new id assigned to a legacy identifier.
func (t *txStore) MapLegacyID(ctx context.Context, kind, legacyID string, newID int64) error {
	_, err := t.q.Exec(ctx, `INSERT INTO legacy_ids (kind, legacy_id, new_id) VALUES ($1, $2, $3)`, kind, legacyID, newID)
	return mapErr(err)
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var role string
	if err := row.Scan(&user.ID, &user.ExternalID, &user.CompanyID, &user.Balance, &role, &user.CreatedAt); err != nil {
		return models.User{}, mapErr(err)
	}
	user.Role = models.Role(role)
	return user, nil
}

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var tx models.Transaction
	var kind, status string
	if err := row.Scan(&tx.ID, &tx.UserID, &kind, &tx.Amount, &tx.PaymentID, &tx.IdempotencyKey, &status, &tx.CreatedAt, &tx.ReconciledAt); err != nil {
		return models.Transaction{}, mapErr(err)
	}
	tx.Kind = models.TransactionKind(kind)
	tx.Status = models.TransactionStatus(status)
	return tx, nil
}

func collectTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanGeneration(row pgx.Row) (models.Generation, error) {
	var g models.Generation
	var status string
	if err := row.Scan(&g.ID, &g.UserID, &g.TransactionID, &g.Cost, &status, &g.FailureCause, &g.RequestedAt, &g.CompletedAt); err != nil {
		return models.Generation{}, mapErr(err)
	}
	g.Status = models.GenerationStatus(status)
	return g, nil
}

func scanAccessRequest(row pgx.Row) (models.AccessRequest, error) {
	var r models.AccessRequest
	var status string
	if err := row.Scan(&r.ID, &r.UserID, &r.Capability, &status, &r.ReviewerID, &r.CreatedAt, &r.ReviewedAt); err != nil {
		return models.AccessRequest{}, mapErr(err)
	}
	r.Status = models.AccessRequestStatus(status)
	return r, nil
}

// mapErr translates pgx errors into storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pgErr.ConstraintName)
		case "23514":
			if pgErr.ConstraintName == "users_balance_check" {
				return storage.ErrNegativeBalance
			}
		}
	}
	return err
}
