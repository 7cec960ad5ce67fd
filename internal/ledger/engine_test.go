package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
	"github.com/hongminglow/credit-ledger/internal/storage/memory"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewEngine(store, logging.Discard(), opts...), store
}

func newUser(t *testing.T, e *Engine, externalID string) models.User {
	t.Helper()
	user, created, err := e.EnsureUser(context.Background(), externalID, nil)
	require.NoError(t, err)
	require.True(t, created)
	return user
}

func makeAdmin(t *testing.T, store storage.Store, userID int64) {
	t.Helper()
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.SetUserRole(ctx, userID, models.RoleAdministrator)
	})
	require.NoError(t, err)
}

// requireConsistent checks that the cached balance equals the ledger sum.
func requireConsistent(t *testing.T, e *Engine, userID int64) int64 {
	t.Helper()
	check, err := e.VerifyBalance(context.Background(), userID)
	require.NoError(t, err)
	require.Truef(t, check.Consistent(), "cached %d, derived %d", check.Cached, check.Derived)
	return check.Cached
}

func succeededEvent(paymentID string, amount int64) models.PaymentEvent {
	return models.PaymentEvent{
		Kind:      "payment.succeeded",
		PaymentID: paymentID,
		Status:    models.PaymentSucceeded,
		Paid:      true,
		Amount:    amount,
		Currency:  "RUB",
	}
}

func TestCreditDebitRefundScenario(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")

	res, err := e.CreditBalance(ctx, user.ID, 750, "pay_1", "pay_1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(750), requireConsistent(t, e, user.ID))

	gen, err := e.DebitForGeneration(ctx, user.ID, 75)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationRequested, gen.Status)
	assert.Equal(t, int64(675), requireConsistent(t, e, user.ID))

	gen, err = e.CompleteGeneration(ctx, gen.ID, models.ResultProviderFailed)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationFailed, gen.Status)
	assert.Equal(t, int64(750), requireConsistent(t, e, user.ID))
}

func TestCreditBalanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	user := newUser(t, e, "chat-1")

	first, err := e.CreditBalance(ctx, user.ID, 300, "pay_1", "pay_1")
	require.NoError(t, err)
	second, err := e.CreditBalance(ctx, user.ID, 300, "pay_1", "pay_1")
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	txs, err := store.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, int64(300), requireConsistent(t, e, user.ID))
}

func TestCreditBalanceValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")

	_, err := e.CreditBalance(ctx, user.ID, 0, "", "k")
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	_, err = e.CreditBalance(ctx, 999, 100, "", "k")
	assert.ErrorIs(t, err, apperr.ErrUnknownUser)

	assert.Equal(t, int64(0), requireConsistent(t, e, user.ID))
}

func TestReconcilePaymentPromotesPendingTopUpOnce(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	user := newUser(t, e, "chat-1")

	pending, err := e.RecordPendingTopUp(ctx, user.ID, 750, "pay_2")
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, pending.Status)

	outcome, err := e.ReconcilePayment(ctx, succeededEvent("pay_2", 750))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)

	outcome, err = e.ReconcilePayment(ctx, succeededEvent("pay_2", 750))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	txs, err := store.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, pending.ID, txs[0].ID)
	assert.Equal(t, models.TxSucceeded, txs[0].Status)
	require.NotNil(t, txs[0].IdempotencyKey)
	assert.Equal(t, "pay_2", *txs[0].IdempotencyKey)
	assert.Equal(t, int64(750), requireConsistent(t, e, user.ID))
}

func TestReconcilePaymentSurvivesCanceledCaller(t *testing.T) {
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.RecordPendingTopUp(context.Background(), user.ID, 750, "pay_gone")
	require.NoError(t, err)

	// the webhook client hung up before the shared execution ran
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := e.ReconcilePayment(ctx, succeededEvent("pay_gone", 750))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)
	assert.Equal(t, int64(750), requireConsistent(t, e, user.ID))
}

func TestReconcilePaymentConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.RecordPendingTopUp(ctx, user.ID, 1500, "pay_3")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := e.ReconcilePayment(ctx, succeededEvent("pay_3", 1500))
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			if outcome == OutcomeCredited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Waiters that joined the winning call share its outcome.
	assert.GreaterOrEqual(t, credited, 1)
	assert.Equal(t, int64(1500), requireConsistent(t, e, user.ID))
}

func TestReconcileUnknownPayment(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")

	_, err := e.ReconcilePayment(ctx, succeededEvent("pay_missing", 750))
	require.ErrorIs(t, err, apperr.ErrUnknownPayment)
	assert.Equal(t, int64(0), requireConsistent(t, e, user.ID))
}

func TestReconcileCanceledPayment(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.RecordPendingTopUp(ctx, user.ID, 300, "pay_4")
	require.NoError(t, err)

	canceled := models.PaymentEvent{Kind: "payment.canceled", PaymentID: "pay_4", Status: models.PaymentCanceled, Amount: 300}
	outcome, err := e.ReconcilePayment(ctx, canceled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, outcome)

	outcome, err = e.ReconcilePayment(ctx, canceled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	_, err = e.ReconcilePayment(ctx, succeededEvent("pay_4", 300))
	assert.ErrorIs(t, err, apperr.ErrPaymentNotPending)

	txn, err := store.GetTransactionByPaymentID(ctx, "pay_4")
	require.NoError(t, err)
	assert.Equal(t, models.TxCanceled, txn.Status)
	assert.Equal(t, int64(0), requireConsistent(t, e, user.ID))
}

func TestReconcileIgnoresNonFinalStatus(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.RecordPendingTopUp(ctx, user.ID, 300, "pay_5")
	require.NoError(t, err)

	outcome, err := e.ReconcilePayment(ctx, models.PaymentEvent{PaymentID: "pay_5", Status: models.PaymentPending, Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	// succeeded but not paid is not a success
	outcome, err = e.ReconcilePayment(ctx, models.PaymentEvent{PaymentID: "pay_5", Status: models.PaymentSucceeded, Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, int64(0), requireConsistent(t, e, user.ID))
}

func TestReconcileAmountMismatch(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.RecordPendingTopUp(ctx, user.ID, 750, "pay_6")
	require.NoError(t, err)

	_, err = e.ReconcilePayment(ctx, succeededEvent("pay_6", 75))
	require.ErrorIs(t, err, apperr.ErrAmountMismatch)

	txn, err := store.GetTransactionByPaymentID(ctx, "pay_6")
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, txn.Status)
	assert.Equal(t, int64(0), requireConsistent(t, e, user.ID))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")

	const (
		cost     = 75
		covered  = 7
		attempts = 20
	)
	_, err := e.CreditBalance(ctx, user.ID, cost*covered+30, "", "seed")
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.DebitForGeneration(ctx, user.ID, cost)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperr.ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, covered, successes)
	assert.Equal(t, attempts-covered, insufficient)
	assert.Equal(t, int64(30), requireConsistent(t, e, user.ID))
}

func TestDebitInsufficientBalanceMutatesNothing(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.CreditBalance(ctx, user.ID, 50, "", "seed")
	require.NoError(t, err)

	_, err = e.DebitForGeneration(ctx, user.ID, 75)
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	txs, err := store.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, int64(50), requireConsistent(t, e, user.ID))

	_, err = e.DebitForGeneration(ctx, 4242, 75)
	assert.ErrorIs(t, err, apperr.ErrUnknownUser)
}

func TestRefundPolicies(t *testing.T) {
	cases := []struct {
		name    string
		policy  RefundPolicy
		result  models.GenerationResult
		balance int64
	}{
		{"all refunds provider failure", RefundAll, models.ResultProviderFailed, 750},
		{"all refunds post-processing failure", RefundAll, models.ResultPostProcessFailed, 750},
		{"provider-only refunds provider failure", RefundProviderOnly, models.ResultProviderFailed, 750},
		{"provider-only keeps post-processing failure", RefundProviderOnly, models.ResultPostProcessFailed, 675},
		{"success is never refunded", RefundAll, models.ResultSucceeded, 675},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e, _ := newTestEngine(t, WithRefundPolicy(tc.policy))
			user := newUser(t, e, "chat-1")
			_, err := e.CreditBalance(ctx, user.ID, 750, "pay_1", "pay_1")
			require.NoError(t, err)

			gen, err := e.DebitForGeneration(ctx, user.ID, 75)
			require.NoError(t, err)
			gen, err = e.CompleteGeneration(ctx, gen.ID, tc.result)
			require.NoError(t, err)

			if tc.result == models.ResultSucceeded {
				assert.Equal(t, models.GenerationCompleted, gen.Status)
			} else {
				assert.Equal(t, models.GenerationFailed, gen.Status)
				assert.Equal(t, string(tc.result), gen.FailureCause)
			}
			assert.Equal(t, tc.balance, requireConsistent(t, e, user.ID))
		})
	}
}

func TestCompleteGenerationOnlyOnce(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	user := newUser(t, e, "chat-1")
	_, err := e.CreditBalance(ctx, user.ID, 150, "", "seed")
	require.NoError(t, err)
	gen, err := e.DebitForGeneration(ctx, user.ID, 75)
	require.NoError(t, err)

	_, err = e.CompleteGeneration(ctx, gen.ID, models.ResultProviderFailed)
	require.NoError(t, err)
	again, err := e.CompleteGeneration(ctx, gen.ID, models.ResultProviderFailed)
	require.ErrorIs(t, err, apperr.ErrGenerationFinalized)
	assert.Equal(t, models.GenerationFailed, again.Status)
	assert.Equal(t, int64(150), requireConsistent(t, e, user.ID))

	_, err = e.CompleteGeneration(ctx, 9999, models.ResultSucceeded)
	assert.ErrorIs(t, err, apperr.ErrUnknownGeneration)
}

func TestAdjustBalance(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	admin := newUser(t, e, "admin")
	user := newUser(t, e, "chat-1")

	_, err := e.AdjustBalance(ctx, user.ID, user.ID, 100, "adj-1")
	require.ErrorIs(t, err, apperr.ErrNotAdministrator)

	makeAdmin(t, store, admin.ID)
	res, err := e.AdjustBalance(ctx, admin.ID, user.ID, 100, "adj-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindAdjustment, res.Transaction.Kind)

	res, err = e.AdjustBalance(ctx, admin.ID, user.ID, 100, "adj-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	_, err = e.AdjustBalance(ctx, admin.ID, user.ID, -500, "adj-2")
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = e.AdjustBalance(ctx, admin.ID, user.ID, -40, "adj-3")
	require.NoError(t, err)
	assert.Equal(t, int64(60), requireConsistent(t, e, user.ID))
}

func TestEnsureUserAndCompanies(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	company, err := e.CreateCompany(ctx, "Acme")
	require.NoError(t, err)
	assert.True(t, company.Active)

	user, created, err := e.EnsureUser(ctx, "chat-7", &company.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.RoleOrdinary, user.Role)

	again, created, err := e.EnsureUser(ctx, "chat-7", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)

	_, err = e.CreditBalance(ctx, user.ID, 150, "", "seed")
	require.NoError(t, err)
	require.NoError(t, e.DeactivateCompany(ctx, company.ID))

	_, err = e.DebitForGeneration(ctx, user.ID, 75)
	assert.ErrorIs(t, err, apperr.ErrCompanyInactive)
	_, _, err = e.EnsureUser(ctx, "chat-8", &company.ID)
	assert.ErrorIs(t, err, apperr.ErrCompanyInactive)

	missing := int64(404)
	_, _, err = e.EnsureUser(ctx, "chat-9", &missing)
	assert.ErrorIs(t, err, apperr.ErrUnknownCompany)
	assert.ErrorIs(t, e.DeactivateCompany(ctx, missing), apperr.ErrUnknownCompany)

	assert.Equal(t, int64(150), requireConsistent(t, e, user.ID))
}

func TestParseRefundPolicy(t *testing.T) {
	p, err := ParseRefundPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RefundAll, p)

	p, err = ParseRefundPolicy("Provider-Only")
	require.NoError(t, err)
	assert.Equal(t, RefundProviderOnly, p)

	_, err = ParseRefundPolicy("sometimes")
	assert.Error(t, err)
}

func TestVerifyAllBalancesReportsDrift(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	alice := newUser(t, e, "chat-1")
	bob := newUser(t, e, "chat-2")
	_, err := e.CreditBalance(ctx, alice.ID, 750, "pay_a", "pay_a")
	require.NoError(t, err)

	// a balance written outside the ledger
	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.AddBalance(ctx, bob.ID, 100)
		return err
	})
	require.NoError(t, err)

	checks, err := e.VerifyAllBalances(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, alice.ID, checks[0].UserID)
	assert.True(t, checks[0].Consistent())
	assert.Equal(t, bob.ID, checks[1].UserID)
	assert.False(t, checks[1].Consistent())
	assert.Equal(t, int64(100), checks[1].Cached)
	assert.Zero(t, checks[1].Derived)
}
