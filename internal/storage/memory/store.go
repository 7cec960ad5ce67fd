// Package memory is an in-process storage.Store. Units of work run against a
// private copy of the data that replaces the shared copy only on success, so a
// failed unit leaves nothing behind. All units are serialized by one mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = (*state)(nil)
)

// Store keeps every table in maps guarded by mu.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// RunInTx runs fn against a copy of the data and publishes it if fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ListUserIDs returns every user id in ascending order.
func (s *Store) ListUserIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.st.users))
	for id := range s.st.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetUser(ctx, id)
}

func (s *Store) FindUserByExternalID(ctx context.Context, externalID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FindUserByExternalID(ctx, externalID)
}

func (s *Store) GetCompany(ctx context.Context, id int64) (models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetCompany(ctx, id)
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetTransactionByIdempotencyKey(ctx, key)
}

func (s *Store) GetTransactionByPaymentID(ctx context.Context, paymentID string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetTransactionByPaymentID(ctx, paymentID)
}

func (s *Store) ListTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListTransactions(ctx, userID)
}

func (s *Store) SumSucceeded(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SumSucceeded(ctx, userID)
}

func (s *Store) GetGeneration(ctx context.Context, id int64) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetGeneration(ctx, id)
}

func (s *Store) GetAccessRequest(ctx context.Context, id int64) (models.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetAccessRequest(ctx, id)
}

func (s *Store) ListAccessRequests(ctx context.Context, status models.AccessRequestStatus) ([]models.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListAccessRequests(ctx, status)
}

func (s *Store) LookupLegacyID(ctx context.Context, kind, legacyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.LookupLegacyID(ctx, kind, legacyID)
}

// ListPendingTopUps returns pending gateway top-ups created before the cutoff
// with id greater than afterID, in id order.
func (s *Store) ListPendingTopUps(_ context.Context, createdBefore time.Time, afterID int64, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Transaction
	for _, tx := range s.st.transactions {
		if tx.ID > afterID && tx.Kind == models.KindTopUp && tx.Status == models.TxPending &&
			tx.PaymentID != nil && tx.CreatedAt.Before(createdBefore) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type state struct {
	companies      map[int64]models.Company
	users          map[int64]models.User
	transactions   map[int64]models.Transaction
	generations    map[int64]models.Generation
	accessRequests map[int64]models.AccessRequest
	legacy         map[string]int64
	nextID         int64
}

func newState() *state {
	return &state{
		companies:      map[int64]models.Company{},
		users:          map[int64]models.User{},
		transactions:   map[int64]models.Transaction{},
		generations:    map[int64]models.Generation{},
		accessRequests: map[int64]models.AccessRequest{},
		legacy:         map[string]int64{},
	}
}

func (s *state) clone() *state {
	c := &state{
		companies:      make(map[int64]models.Company, len(s.companies)),
		users:          make(map[int64]models.User, len(s.users)),
		transactions:   make(map[int64]models.Transaction, len(s.transactions)),
		generations:    make(map[int64]models.Generation, len(s.generations)),
		accessRequests: make(map[int64]models.AccessRequest, len(s.accessRequests)),
		legacy:         make(map[string]int64, len(s.legacy)),
		nextID:         s.nextID,
	}
	for k, v := range s.companies {
		c.companies[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.generations {
		c.generations[k] = v
	}
	for k, v := range s.accessRequests {
		c.accessRequests[k] = v
	}
	for k, v := range s.legacy {
		c.legacy[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) GetUser(_ context.Context, id int64) (models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *state) FindUserByExternalID(_ context.Context, externalID string) (models.User, error) {
	for _, u := range s.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (s *state) GetCompany(_ context.Context, id int64) (models.Company, error) {
	c, ok := s.companies[id]
	if !ok {
		return models.Company{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *state) GetTransactionByIdempotencyKey(_ context.Context, key string) (models.Transaction, error) {
	for _, tx := range s.transactions {
		if tx.IdempotencyKey != nil && *tx.IdempotencyKey == key {
			return tx, nil
		}
	}
	return models.Transaction{}, storage.ErrNotFound
}

func (s *state) GetTransactionByPaymentID(_ context.Context, paymentID string) (models.Transaction, error) {
	for _, tx := range s.transactions {
		if tx.PaymentID != nil && *tx.PaymentID == paymentID {
			return tx, nil
		}
	}
	return models.Transaction{}, storage.ErrNotFound
}

func (s *state) ListTransactions(_ context.Context, userID int64) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *state) SumSucceeded(_ context.Context, userID int64) (int64, error) {
	var sum int64
	for _, tx := range s.transactions {
		if tx.UserID == userID && tx.Status == models.TxSucceeded {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (s *state) GetGeneration(_ context.Context, id int64) (models.Generation, error) {
	g, ok := s.generations[id]
	if !ok {
		return models.Generation{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *state) GetAccessRequest(_ context.Context, id int64) (models.AccessRequest, error) {
	r, ok := s.accessRequests[id]
	if !ok {
		return models.AccessRequest{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *state) ListAccessRequests(_ context.Context, status models.AccessRequestStatus) ([]models.AccessRequest, error) {
	var out []models.AccessRequest
	for _, r := range s.accessRequests {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) LookupLegacyID(_ context.Context, kind, legacyID string) (int64, error) {
	id, ok := s.legacy[legacyKey(kind, legacyID)]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

func (s *state) CreateCompany(_ context.Context, c models.Company) (models.Company, error) {
	c.ID = s.id()
	s.companies[c.ID] = c
	return c, nil
}

func (s *state) SetCompanyActive(_ context.Context, id int64, active bool) error {
	c, ok := s.companies[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Active = active
	s.companies[id] = c
	return nil
}

func (s *state) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if _, err := s.FindUserByExternalID(ctx, u.ExternalID); err == nil {
		return models.User{}, fmt.Errorf("%w: users_external_id_key", storage.ErrAlreadyExists)
	}
	if u.CompanyID != nil {
		if _, ok := s.companies[*u.CompanyID]; !ok {
			return models.User{}, fmt.Errorf("%w: users_company_id_fkey", storage.ErrNotFound)
		}
	}
	if u.Balance < 0 {
		return models.User{}, storage.ErrNegativeBalance
	}
	u.ID = s.id()
	s.users[u.ID] = u
	return u, nil
}

func (s *state) LockUser(ctx context.Context, id int64) (models.User, error) {
	return s.GetUser(ctx, id)
}

func (s *state) AddBalance(_ context.Context, userID, delta int64) (int64, error) {
	u, ok := s.users[userID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if u.Balance+delta < 0 {
		return 0, storage.ErrNegativeBalance
	}
	u.Balance += delta
	s.users[userID] = u
	return u.Balance, nil
}

func (s *state) SetUserRole(_ context.Context, userID int64, role models.Role) error {
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Role = role
	s.users[userID] = u
	return nil
}

func (s *state) InsertTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	if _, ok := s.users[tx.UserID]; !ok {
		return models.Transaction{}, fmt.Errorf("%w: transactions_user_id_fkey", storage.ErrNotFound)
	}
	if tx.PaymentID != nil {
		if _, err := s.GetTransactionByPaymentID(ctx, *tx.PaymentID); err == nil {
			return models.Transaction{}, fmt.Errorf("%w: transactions_payment_id_key", storage.ErrAlreadyExists)
		}
	}
	if tx.IdempotencyKey != nil {
		if _, err := s.GetTransactionByIdempotencyKey(ctx, *tx.IdempotencyKey); err == nil {
			return models.Transaction{}, fmt.Errorf("%w: transactions_idempotency_key_key", storage.ErrAlreadyExists)
		}
	}
	tx.ID = s.id()
	s.transactions[tx.ID] = tx
	return tx, nil
}

func (s *state) LockTransactionByPaymentID(ctx context.Context, paymentID string) (models.Transaction, error) {
	return s.GetTransactionByPaymentID(ctx, paymentID)
}

func (s *state) SettleTransaction(ctx context.Context, id int64, status models.TransactionStatus, key *string, at time.Time) error {
	tx, ok := s.transactions[id]
	if !ok || tx.Status != models.TxPending {
		return storage.ErrNotFound
	}
	if key != nil {
		if other, err := s.GetTransactionByIdempotencyKey(ctx, *key); err == nil && other.ID != id {
			return fmt.Errorf("%w: transactions_idempotency_key_key", storage.ErrAlreadyExists)
		}
		tx.IdempotencyKey = key
	}
	tx.Status = status
	tx.ReconciledAt = &at
	s.transactions[id] = tx
	return nil
}

func (s *state) InsertGeneration(_ context.Context, g models.Generation) (models.Generation, error) {
	if _, ok := s.users[g.UserID]; !ok {
		return models.Generation{}, fmt.Errorf("%w: generations_user_id_fkey", storage.ErrNotFound)
	}
	if _, ok := s.transactions[g.TransactionID]; !ok {
		return models.Generation{}, fmt.Errorf("%w: generations_transaction_id_fkey", storage.ErrNotFound)
	}
	g.ID = s.id()
	s.generations[g.ID] = g
	return g, nil
}

func (s *state) LockGeneration(ctx context.Context, id int64) (models.Generation, error) {
	return s.GetGeneration(ctx, id)
}

func (s *state) FinishGeneration(_ context.Context, id int64, status models.GenerationStatus, cause string, at time.Time) error {
	g, ok := s.generations[id]
	if !ok {
		return storage.ErrNotFound
	}
	g.Status = status
	g.FailureCause = cause
	g.CompletedAt = &at
	s.generations[id] = g
	return nil
}

func (s *state) InsertAccessRequest(_ context.Context, r models.AccessRequest) (models.AccessRequest, error) {
	if _, ok := s.users[r.UserID]; !ok {
		return models.AccessRequest{}, fmt.Errorf("%w: access_requests_user_id_fkey", storage.ErrNotFound)
	}
	if r.ReviewerID != nil {
		if _, ok := s.users[*r.ReviewerID]; !ok {
			return models.AccessRequest{}, fmt.Errorf("%w: access_requests_reviewer_id_fkey", storage.ErrNotFound)
		}
	}
	r.ID = s.id()
	s.accessRequests[r.ID] = r
	return r, nil
}

func (s *state) LockAccessRequest(ctx context.Context, id int64) (models.AccessRequest, error) {
	return s.GetAccessRequest(ctx, id)
}

func (s *state) UpdateAccessRequest(_ context.Context, r models.AccessRequest) error {
	if _, ok := s.accessRequests[r.ID]; !ok {
		return storage.ErrNotFound
	}
	s.accessRequests[r.ID] = r
	return nil
}

func (s *state) MapLegacyID(_ context.Context, kind, legacyID string, newID int64) error {
	key := legacyKey(kind, legacyID)
	if _, ok := s.legacy[key]; ok {
		return fmt.Errorf("%w: legacy_ids_pkey", storage.ErrAlreadyExists)
	}
	s.legacy[key] = newID
	return nil
}

func legacyKey(kind, legacyID string) string {
	return kind + "\x00" + legacyID
}

func sortTransactions(txs []models.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}
