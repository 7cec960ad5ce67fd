package topup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/gateway"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage/memory"
)

type fakePayments struct {
	calls    int
	metadata map[string]string
	err      error
}

func (f *fakePayments) CreatePaymentIntent(_ context.Context, amount int64, _, _ string, metadata map[string]string) (gateway.PaymentIntent, error) {
	f.calls++
	f.metadata = metadata
	if f.err != nil {
		return gateway.PaymentIntent{}, f.err
	}
	return gateway.PaymentIntent{
		PaymentID:       "pay_topup",
		ConfirmationURL: "https://pay.example.com/c/pay_topup",
		Status:          models.PaymentPending,
		Amount:          amount,
	}, nil
}

func (f *fakePayments) Currency() string { return "RUB" }

var defaultAmounts = []int64{300, 750, 1500, 3000, 7500, 15000}

func TestListTopUpOptions(t *testing.T) {
	svc := NewService(nil, &fakePayments{}, defaultAmounts, 75, logging.Discard())

	options := svc.ListTopUpOptions()
	require.Len(t, options, 6)
	assert.Equal(t, int64(300), options[0].Amount)
	assert.Equal(t, int64(4), options[0].Generations)
	assert.Equal(t, "300 RUB (4 generations)", options[0].Label)
	assert.Equal(t, int64(15000), options[5].Amount)
	assert.Equal(t, int64(200), options[5].Generations)
}

func TestRequestTopUpRecordsPendingTransaction(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := ledger.NewEngine(store, logging.Discard())
	user, _, err := engine.EnsureUser(ctx, "chat-1", nil)
	require.NoError(t, err)

	payments := &fakePayments{}
	svc := NewService(engine, payments, defaultAmounts, 75, logging.Discard())

	res, err := svc.RequestTopUp(ctx, user.ID, 750)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/c/pay_topup", res.ConfirmationURL)
	assert.Equal(t, "1", payments.metadata["user_id"])

	txn, err := store.GetTransactionByPaymentID(ctx, "pay_topup")
	require.NoError(t, err)
	assert.Equal(t, res.TransactionID, txn.ID)
	assert.Equal(t, models.TxPending, txn.Status)
	assert.Equal(t, int64(750), txn.Amount)

	balance, err := engine.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestRequestTopUpRejectsUnofferedAmount(t *testing.T) {
	payments := &fakePayments{}
	engine := ledger.NewEngine(memory.New(), logging.Discard())
	svc := NewService(engine, payments, defaultAmounts, 75, logging.Discard())

	_, err := svc.RequestTopUp(context.Background(), 1, 500)
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
	assert.Zero(t, payments.calls)
}

func TestRequestTopUpGatewayFailureCreatesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := ledger.NewEngine(store, logging.Discard())
	user, _, err := engine.EnsureUser(ctx, "chat-1", nil)
	require.NoError(t, err)

	payments := &fakePayments{err: &gateway.Error{Op: "create_payment", StatusCode: 502}}
	svc := NewService(engine, payments, defaultAmounts, 75, logging.Discard())

	_, err = svc.RequestTopUp(ctx, user.ID, 300)
	require.ErrorIs(t, err, apperr.ErrGateway)

	txs, err := store.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRequestTopUpUnknownUser(t *testing.T) {
	payments := &fakePayments{}
	engine := ledger.NewEngine(memory.New(), logging.Discard())
	svc := NewService(engine, payments, defaultAmounts, 75, logging.Discard())

	_, err := svc.RequestTopUp(context.Background(), 77, 300)
	assert.ErrorIs(t, err, apperr.ErrUnknownUser)
	assert.Zero(t, payments.calls)
}
