// Package legacy performs the one-shot migration of the legacy document
// snapshot into the relational store. The whole import is one unit of work:
// any inconsistency aborts it and leaves the store untouched.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// Kinds recorded in the legacy id table.
const (
	KindCompany       = "company"
	KindUser          = "user"
	KindTransaction   = "transaction"
	KindGeneration    = "generation"
	KindAccessRequest = "access_request"
)

// ConsistencyError aborts an import. It matches apperr.ErrImportConsistency.
type ConsistencyError struct {
	Kind     string
	LegacyID string
	Reason   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("legacy %s %q: %s", e.Kind, e.LegacyID, e.Reason)
}

func (e *ConsistencyError) Is(target error) bool { return target == apperr.ErrImportConsistency }

func inconsistent(kind, legacyID, format string, args ...any) error {
	return &ConsistencyError{Kind: kind, LegacyID: legacyID, Reason: fmt.Sprintf(format, args...)}
}

// Report summarizes a finished import.
type Report struct {
	Companies      int    `json:"companies"`
	Users          int    `json:"users"`
	Transactions   int    `json:"transactions"`
	Generations    int    `json:"generations"`
	AccessRequests int    `json:"access_requests"`
	ArchivedTo     string `json:"archived_to,omitempty"`
}

// Importer writes snapshots into a storage.Store.
type Importer struct {
	store  storage.Store
	logger logging.Logger
	now    func() time.Time
}

// NewImporter constructs an Importer.
func NewImporter(store storage.Store, logger logging.Logger) *Importer {
	return &Importer{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Run imports the snapshot at path and, only if the import committed,
// renames the file so it cannot be picked up again by accident.
func (im *Importer) Run(ctx context.Context, path string) (Report, error) {
	snap, err := Load(path)
	if err != nil {
		return Report{}, err
	}
	report, err := im.Import(ctx, snap)
	if err != nil {
		return Report{}, err
	}
	archived := fmt.Sprintf("%s.imported-%s", path, im.now().Format("20060102T150405Z"))
	if err := os.Rename(path, archived); err != nil {
		return report, fmt.Errorf("import committed but archiving %s failed: %w", path, err)
	}
	report.ArchivedTo = archived
	im.logger.WithFields(logging.Fields{"snapshot": path, "archived_to": archived}).Info("legacy snapshot archived")
	return report, nil
}

// Import writes the snapshot in dependency order: companies, users, then
// transactions and generations by creation time, then access requests.
// Balances are rebuilt from succeeded transactions and must equal the
// balances recorded in the snapshot.
func (im *Importer) Import(ctx context.Context, snap *Snapshot) (Report, error) {
	var report Report
	err := im.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		run := &importRun{tx: tx, snap: snap, ids: map[string]map[string]int64{}, balances: map[string]int64{}}
		var err error
		report, err = run.execute(ctx)
		return err
	})
	if err != nil {
		im.logger.WithError(err).Error("legacy import aborted, nothing written")
		return Report{}, err
	}
	im.logger.WithFields(logging.Fields{
		"companies":       report.Companies,
		"users":           report.Users,
		"transactions":    report.Transactions,
		"generations":     report.Generations,
		"access_requests": report.AccessRequests,
	}).Info("legacy import committed")
	return report, nil
}

type importRun struct {
	tx       storage.Tx
	snap     *Snapshot
	ids      map[string]map[string]int64
	balances map[string]int64
	report   Report
}

func (r *importRun) execute(ctx context.Context) (Report, error) {
	steps := []func(context.Context) error{
		r.importCompanies,
		r.importUsers,
		r.importLedger,
		r.importAccessRequests,
		r.applyBalances,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return Report{}, err
		}
	}
	return r.report, nil
}

// claim records legacyID -> newID, refusing ids already mapped by an earlier import.
func (r *importRun) claim(ctx context.Context, kind, legacyID string) error {
	if _, err := r.tx.LookupLegacyID(ctx, kind, legacyID); err == nil {
		return inconsistent(kind, legacyID, "already imported")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (r *importRun) remember(ctx context.Context, kind, legacyID string, newID int64) error {
	if err := r.tx.MapLegacyID(ctx, kind, legacyID, newID); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return inconsistent(kind, legacyID, "already imported")
		}
		return err
	}
	if r.ids[kind] == nil {
		r.ids[kind] = map[string]int64{}
	}
	r.ids[kind][legacyID] = newID
	return nil
}

func (r *importRun) resolve(kind, legacyID string) (int64, bool) {
	id, ok := r.ids[kind][legacyID]
	return id, ok
}

func (r *importRun) importCompanies(ctx context.Context) error {
	for _, id := range sortedKeys(r.snap.Companies, func(c Company) time.Time { return c.CreatedAt }) {
		c := r.snap.Companies[id]
		if err := r.claim(ctx, KindCompany, id); err != nil {
			return err
		}
		active := c.Active == nil || *c.Active
		created, err := r.tx.CreateCompany(ctx, models.Company{Name: c.Name, Active: active, CreatedAt: c.CreatedAt})
		if err != nil {
			return fmt.Errorf("company %q: %w", id, err)
		}
		if err := r.remember(ctx, KindCompany, id, created.ID); err != nil {
			return err
		}
		r.report.Companies++
	}
	return nil
}

func (r *importRun) importUsers(ctx context.Context) error {
	for _, id := range sortedKeys(r.snap.Users, func(u User) time.Time { return u.CreatedAt }) {
		u := r.snap.Users[id]
		if err := r.claim(ctx, KindUser, id); err != nil {
			return err
		}
		if u.ExternalID == "" {
			return inconsistent(KindUser, id, "missing external id")
		}
		if u.Balance < 0 {
			return inconsistent(KindUser, id, "negative balance %d", u.Balance)
		}
		role := models.Role(u.Role)
		if role == "" {
			role = models.RoleOrdinary
		}
		if !role.Valid() {
			return inconsistent(KindUser, id, "unknown role %q", u.Role)
		}
		var companyID *int64
		if u.CompanyID != "" {
			cid, ok := r.resolve(KindCompany, u.CompanyID)
			if !ok {
				return inconsistent(KindUser, id, "references missing company %q", u.CompanyID)
			}
			companyID = &cid
		}

		created, err := r.tx.CreateUser(ctx, models.User{
			ExternalID: u.ExternalID,
			CompanyID:  companyID,
			Role:       role,
			CreatedAt:  u.CreatedAt,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			return inconsistent(KindUser, id, "external id %q already exists", u.ExternalID)
		}
		if err != nil {
			return fmt.Errorf("user %q: %w", id, err)
		}
		if err := r.remember(ctx, KindUser, id, created.ID); err != nil {
			return err
		}
		r.balances[id] = 0
		r.report.Users++
	}
	return nil
}

type ledgerEntry struct {
	legacyID  string
	createdAt time.Time
	isTx      bool
}

// importLedger interleaves transactions and generations by creation time so
// every generation finds its debit already written. On equal timestamps the
// transaction goes first.
func (r *importRun) importLedger(ctx context.Context) error {
	entries := make([]ledgerEntry, 0, len(r.snap.Transactions)+len(r.snap.Generations))
	for id, t := range r.snap.Transactions {
		entries = append(entries, ledgerEntry{legacyID: id, createdAt: t.CreatedAt, isTx: true})
	}
	for id, g := range r.snap.Generations {
		entries = append(entries, ledgerEntry{legacyID: id, createdAt: g.CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		if a.isTx != b.isTx {
			return a.isTx
		}
		return a.legacyID < b.legacyID
	})

	for _, entry := range entries {
		var err error
		if entry.isTx {
			err = r.importTransaction(ctx, entry.legacyID)
		} else {
			err = r.importGeneration(ctx, entry.legacyID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *importRun) importTransaction(ctx context.Context, id string) error {
	t := r.snap.Transactions[id]
	if err := r.claim(ctx, KindTransaction, id); err != nil {
		return err
	}
	userID, ok := r.resolve(KindUser, t.UserID)
	if !ok {
		return inconsistent(KindTransaction, id, "references missing user %q", t.UserID)
	}
	kind := models.TransactionKind(t.Kind)
	status := models.TransactionStatus(t.Status)
	if !kind.Valid() {
		return inconsistent(KindTransaction, id, "unknown kind %q", t.Kind)
	}
	if !status.Valid() {
		return inconsistent(KindTransaction, id, "unknown status %q", t.Status)
	}
	if err := checkSign(kind, t.Amount); err != nil {
		return inconsistent(KindTransaction, id, "%v", err)
	}

	txn := models.Transaction{
		UserID:       userID,
		Kind:         kind,
		Amount:       t.Amount,
		PaymentID:    models.StringPtr(t.PaymentID),
		Status:       status,
		CreatedAt:    t.CreatedAt,
		ReconciledAt: t.ReconciledAt,
	}
	// A succeeded gateway top-up carries the key live reconciliation would
	// have used, so a late webhook for it is recognized as a duplicate.
	if kind == models.KindTopUp && status == models.TxSucceeded && t.PaymentID != "" {
		txn.IdempotencyKey = models.StringPtr(t.PaymentID)
	}
	created, err := r.tx.InsertTransaction(ctx, txn)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return inconsistent(KindTransaction, id, "payment id %q already exists", t.PaymentID)
	}
	if err != nil {
		return fmt.Errorf("transaction %q: %w", id, err)
	}
	if err := r.remember(ctx, KindTransaction, id, created.ID); err != nil {
		return err
	}

	if status == models.TxSucceeded {
		r.balances[t.UserID] += t.Amount
		if r.balances[t.UserID] < 0 {
			return inconsistent(KindTransaction, id, "drives user %q below zero", t.UserID)
		}
	}
	r.report.Transactions++
	return nil
}

func (r *importRun) importGeneration(ctx context.Context, id string) error {
	g := r.snap.Generations[id]
	if err := r.claim(ctx, KindGeneration, id); err != nil {
		return err
	}
	userID, ok := r.resolve(KindUser, g.UserID)
	if !ok {
		return inconsistent(KindGeneration, id, "references missing user %q", g.UserID)
	}
	txID, ok := r.resolve(KindTransaction, g.TransactionID)
	if !ok {
		return inconsistent(KindGeneration, id, "references missing or later debit %q", g.TransactionID)
	}
	debit := r.snap.Transactions[g.TransactionID]
	if debit.UserID != g.UserID || models.TransactionKind(debit.Kind) != models.KindDebit {
		return inconsistent(KindGeneration, id, "transaction %q is not a debit of user %q", g.TransactionID, g.UserID)
	}
	if g.Cost <= 0 {
		return inconsistent(KindGeneration, id, "non-positive cost %d", g.Cost)
	}
	status := models.GenerationStatus(g.Status)
	if !status.Valid() {
		return inconsistent(KindGeneration, id, "unknown status %q", g.Status)
	}

	created, err := r.tx.InsertGeneration(ctx, models.Generation{
		UserID:        userID,
		TransactionID: txID,
		Cost:          g.Cost,
		Status:        status,
		FailureCause:  g.FailureCause,
		RequestedAt:   g.CreatedAt,
		CompletedAt:   g.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("generation %q: %w", id, err)
	}
	if err := r.remember(ctx, KindGeneration, id, created.ID); err != nil {
		return err
	}
	r.report.Generations++
	return nil
}

func (r *importRun) importAccessRequests(ctx context.Context) error {
	for _, id := range sortedKeys(r.snap.AccessRequests, func(a AccessRequest) time.Time { return a.CreatedAt }) {
		a := r.snap.AccessRequests[id]
		if err := r.claim(ctx, KindAccessRequest, id); err != nil {
			return err
		}
		userID, ok := r.resolve(KindUser, a.UserID)
		if !ok {
			return inconsistent(KindAccessRequest, id, "references missing user %q", a.UserID)
		}
		status := models.AccessRequestStatus(a.Status)
		if !status.Valid() {
			return inconsistent(KindAccessRequest, id, "unknown status %q", a.Status)
		}
		var reviewerID *int64
		if a.ReviewerID != "" {
			rid, ok := r.resolve(KindUser, a.ReviewerID)
			if !ok {
				return inconsistent(KindAccessRequest, id, "references missing reviewer %q", a.ReviewerID)
			}
			reviewerID = &rid
		}
		if status != models.AccessPending && reviewerID == nil {
			return inconsistent(KindAccessRequest, id, "%s without a reviewer", status)
		}

		created, err := r.tx.InsertAccessRequest(ctx, models.AccessRequest{
			UserID:     userID,
			Capability: a.Capability,
			Status:     status,
			ReviewerID: reviewerID,
			CreatedAt:  a.CreatedAt,
			ReviewedAt: a.ReviewedAt,
		})
		if err != nil {
			return fmt.Errorf("access request %q: %w", id, err)
		}
		if err := r.remember(ctx, KindAccessRequest, id, created.ID); err != nil {
			return err
		}
		r.report.AccessRequests++
	}
	return nil
}

// applyBalances writes the rebuilt balances and checks them against the snapshot.
func (r *importRun) applyBalances(ctx context.Context) error {
	for _, id := range sortedKeys(r.snap.Users, func(u User) time.Time { return u.CreatedAt }) {
		derived := r.balances[id]
		if recorded := r.snap.Users[id].Balance; derived != recorded {
			return inconsistent(KindUser, id, "recorded balance %d but transactions sum to %d", recorded, derived)
		}
		if derived == 0 {
			continue
		}
		userID, _ := r.resolve(KindUser, id)
		if _, err := r.tx.AddBalance(ctx, userID, derived); err != nil {
			return fmt.Errorf("user %q balance: %w", id, err)
		}
	}
	return nil
}

func checkSign(kind models.TransactionKind, amount int64) error {
	switch kind {
	case models.KindTopUp, models.KindRefund:
		if amount <= 0 {
			return fmt.Errorf("%s amount %d must be positive", kind, amount)
		}
	case models.KindDebit:
		if amount >= 0 {
			return fmt.Errorf("debit amount %d must be negative", amount)
		}
	case models.KindAdjustment:
		if amount == 0 {
			return errors.New("adjustment amount must be non-zero")
		}
	}
	return nil
}

// sortedKeys orders a collection by creation time, then legacy id.
func sortedKeys[T any](m map[string]T, createdAt func(T) time.Time) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := createdAt(m[keys[i]]), createdAt(m[keys[j]])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return keys[i] < keys[j]
	})
	return keys
}
