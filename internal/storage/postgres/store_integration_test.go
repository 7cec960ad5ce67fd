package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// TestLedgerIntegration exercises the ledger engine against a live Postgres.
func TestLedgerIntegration(t *testing.T) {
	if os.Getenv("RUN_LEDGER_INTEGRATION") != "true" {
		t.Skip("set RUN_LEDGER_INTEGRATION=true to run this integration test")
	}

	loadDotEnv()
	dbURL := mustGetEnv(t, "DATABASE_URL")

	ctx := context.Background()
	store, err := NewStore(ctx, dbURL)
	require.NoError(t, err, "init store")
	defer store.Close()

	engine := ledger.NewEngine(store, logging.Discard())
	suffix := time.Now().UnixNano()

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		user, created, err := engine.EnsureUser(ctx, fmt.Sprintf("it-debit-%d", suffix), nil)
		require.NoError(t, err)
		require.True(t, created)
		_, err = engine.CreditBalance(ctx, user.ID, 525, fmt.Sprintf("seed-%d", suffix), fmt.Sprintf("seed-%d", suffix))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := engine.DebitForGeneration(ctx, user.ID, 75)
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
			}()
		}
		wg.Wait()

		assert.Equal(t, 7, succeeded)
		check, err := engine.VerifyBalance(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), check.Cached)
		assert.True(t, check.Consistent())
	})

	t.Run("pending top-up is credited once", func(t *testing.T) {
		user, _, err := engine.EnsureUser(ctx, fmt.Sprintf("it-topup-%d", suffix), nil)
		require.NoError(t, err)
		paymentID := fmt.Sprintf("it-pay-%d", suffix)
		_, err = engine.RecordPendingTopUp(ctx, user.ID, 750, paymentID)
		require.NoError(t, err)

		event := models.PaymentEvent{PaymentID: paymentID, Status: models.PaymentSucceeded, Paid: true, Amount: 750}
		outcome, err := engine.ReconcilePayment(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, ledger.OutcomeCredited, outcome)
		outcome, err = engine.ReconcilePayment(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, ledger.OutcomeDuplicate, outcome)

		balance, err := engine.GetBalance(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(750), balance)
	})

	t.Run("failed unit of work rolls back", func(t *testing.T) {
		externalID := fmt.Sprintf("it-rollback-%d", suffix)
		boom := errors.New("boom")
		err := store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.CreateUser(ctx, models.User{ExternalID: externalID, Role: models.RoleOrdinary, CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		_, err = store.FindUserByExternalID(ctx, externalID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func mustGetEnv(t *testing.T, key string) string {
	t.Helper()
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		t.Fatalf("%s is required", key)
	}
	return val
}

func loadDotEnv() {
	paths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}
	for _, path := range paths {
		_ = godotenv.Overload(path)
	}
}
