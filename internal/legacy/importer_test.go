package legacy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
	"github.com/hongminglow/credit-ledger/internal/storage/memory"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func sampleSnapshot() *Snapshot {
	reviewed := at(50)
	return &Snapshot{
		Companies: map[string]Company{
			"c-1": {Name: "Acme", CreatedAt: at(0)},
		},
		Users: map[string]User{
			"u-1": {ExternalID: "1001", CompanyID: "c-1", Balance: 750, Role: "ordinary", CreatedAt: at(1)},
			"u-2": {ExternalID: "1002", Balance: 225, Role: "administrator", CreatedAt: at(2)},
		},
		Transactions: map[string]Transaction{
			"t-1": {UserID: "u-1", Kind: "top-up", Amount: 750, PaymentID: "pay_a", Status: "succeeded", CreatedAt: at(10)},
			"t-2": {UserID: "u-1", Kind: "debit", Amount: -75, Status: "succeeded", CreatedAt: at(20)},
			"t-3": {UserID: "u-1", Kind: "refund", Amount: 75, Status: "succeeded", CreatedAt: at(21)},
			"t-4": {UserID: "u-2", Kind: "top-up", Amount: 300, PaymentID: "pay_b", Status: "succeeded", CreatedAt: at(11)},
			"t-5": {UserID: "u-2", Kind: "debit", Amount: -75, Status: "succeeded", CreatedAt: at(30)},
			"t-6": {UserID: "u-2", Kind: "top-up", Amount: 1500, PaymentID: "pay_c", Status: "canceled", CreatedAt: at(31)},
		},
		Generations: map[string]Generation{
			// same timestamp as its debit: the debit must be written first
			"g-1": {UserID: "u-1", TransactionID: "t-2", Cost: 75, Status: "failed", FailureCause: "provider-failed", CreatedAt: at(20)},
			"g-2": {UserID: "u-2", TransactionID: "t-5", Cost: 75, Status: "completed", CreatedAt: at(30)},
		},
		AccessRequests: map[string]AccessRequest{
			"a-1": {UserID: "u-1", Capability: "administrator", Status: "denied", ReviewerID: "u-2", CreatedAt: at(40), ReviewedAt: &reviewed},
			"a-2": {UserID: "u-1", Capability: "onboarding", Status: "pending", CreatedAt: at(41)},
		},
	}
}

func lookup(t *testing.T, store storage.Store, kind, legacyID string) int64 {
	t.Helper()
	id, err := store.LookupLegacyID(context.Background(), kind, legacyID)
	require.NoError(t, err)
	return id
}

func TestImportRoundTripsBalances(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	snap := sampleSnapshot()

	report, err := NewImporter(store, logging.Discard()).Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, Report{Companies: 1, Users: 2, Transactions: 6, Generations: 2, AccessRequests: 2}, report)

	for legacyID, legacyUser := range snap.Users {
		userID := lookup(t, store, KindUser, legacyID)
		user, err := store.GetUser(ctx, userID)
		require.NoError(t, err)
		derived, err := store.SumSucceeded(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, legacyUser.Balance, derived, "user %s", legacyID)
		assert.Equal(t, legacyUser.Balance, user.Balance, "user %s", legacyID)
	}

	u1 := lookup(t, store, KindUser, "u-1")
	user, err := store.GetUser(ctx, u1)
	require.NoError(t, err)
	require.NotNil(t, user.CompanyID)
	assert.Equal(t, lookup(t, store, KindCompany, "c-1"), *user.CompanyID)

	gen, err := store.GetGeneration(ctx, lookup(t, store, KindGeneration, "g-1"))
	require.NoError(t, err)
	assert.Equal(t, lookup(t, store, KindTransaction, "t-2"), gen.TransactionID)
	assert.Equal(t, models.GenerationFailed, gen.Status)

	topUp, err := store.GetTransactionByPaymentID(ctx, "pay_a")
	require.NoError(t, err)
	require.NotNil(t, topUp.IdempotencyKey)
	assert.Equal(t, "pay_a", *topUp.IdempotencyKey)

	canceled, err := store.GetTransactionByPaymentID(ctx, "pay_c")
	require.NoError(t, err)
	assert.Nil(t, canceled.IdempotencyKey)

	req, err := store.GetAccessRequest(ctx, lookup(t, store, KindAccessRequest, "a-1"))
	require.NoError(t, err)
	require.NotNil(t, req.ReviewerID)
	assert.Equal(t, lookup(t, store, KindUser, "u-2"), *req.ReviewerID)
}

func TestImportRollsBackOnInconsistency(t *testing.T) {
	cases := map[string]func(s *Snapshot){
		"missing user": func(s *Snapshot) {
			s.Transactions["t-9"] = Transaction{UserID: "u-404", Kind: "top-up", Amount: 10, Status: "succeeded", CreatedAt: at(60)}
		},
		"missing company": func(s *Snapshot) {
			u := s.Users["u-1"]
			u.CompanyID = "c-404"
			s.Users["u-1"] = u
		},
		"balance drift": func(s *Snapshot) {
			u := s.Users["u-2"]
			u.Balance = 999
			s.Users["u-2"] = u
		},
		"generation before its debit": func(s *Snapshot) {
			g := s.Generations["g-2"]
			g.CreatedAt = at(29)
			s.Generations["g-2"] = g
		},
		"generation on a top-up": func(s *Snapshot) {
			g := s.Generations["g-2"]
			g.TransactionID = "t-4"
			g.CreatedAt = at(35)
			s.Generations["g-2"] = g
		},
		"duplicate payment id": func(s *Snapshot) {
			s.Transactions["t-9"] = Transaction{UserID: "u-1", Kind: "top-up", Amount: 10, PaymentID: "pay_a", Status: "pending", CreatedAt: at(60)}
		},
		"wrong debit sign": func(s *Snapshot) {
			s.Transactions["t-9"] = Transaction{UserID: "u-1", Kind: "debit", Amount: 75, Status: "failed", CreatedAt: at(60)}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			snap := sampleSnapshot()
			mutate(snap)

			_, err := NewImporter(store, logging.Discard()).Import(ctx, snap)
			require.ErrorIs(t, err, apperr.ErrImportConsistency)

			_, err = store.FindUserByExternalID(ctx, "1001")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			_, err = store.LookupLegacyID(ctx, KindCompany, "c-1")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestImportCollisionIsFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	importer := NewImporter(store, logging.Discard())

	_, err := importer.Import(ctx, sampleSnapshot())
	require.NoError(t, err)

	_, err = importer.Import(ctx, sampleSnapshot())
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindCompany, cerr.Kind)

	// a fresh legacy id whose external id is already taken
	snap := &Snapshot{Users: map[string]User{"u-new": {ExternalID: "1001", CreatedAt: at(0)}}}
	_, err = importer.Import(ctx, snap)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "u-new", cerr.LegacyID)
	assert.True(t, strings.Contains(cerr.Reason, "external id"))
}

func TestRunArchivesSnapshotOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	raw, err := json.Marshal(sampleSnapshot())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	importer := NewImporter(memory.New(), logging.Discard())
	importer.now = func() time.Time { return base }

	report, err := importer.Run(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path+".imported-20240301T100000Z", report.ArchivedTo)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(report.ArchivedTo)
	assert.NoError(t, err)
}

func TestRunKeepsSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	snap := sampleSnapshot()
	snap.Transactions["t-9"] = Transaction{UserID: "ghost", Kind: "top-up", Amount: 1, Status: "succeeded", CreatedAt: at(90)}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = NewImporter(memory.New(), logging.Discard()).Run(context.Background(), path)
	require.ErrorIs(t, err, apperr.ErrImportConsistency)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
