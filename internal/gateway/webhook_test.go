package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/models"
)

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
		"type": "notification",
		"event": "payment.succeeded",
		"object": {
			"id": "pay_1",
			"status": "succeeded",
			"paid": true,
			"amount": {"value": "750.00", "currency": "RUB"},
			"metadata": {"user_id": "42"}
		}
	}`)

	event := ParseWebhook(body)
	require.NotNil(t, event)
	assert.Equal(t, "payment.succeeded", event.Kind)
	assert.Equal(t, "pay_1", event.PaymentID)
	assert.Equal(t, models.PaymentSucceeded, event.Status)
	assert.True(t, event.Paid)
	assert.Equal(t, int64(750), event.Amount)
	assert.Equal(t, "RUB", event.Currency)
	assert.Equal(t, "42", event.Metadata["user_id"])
}

func TestParseWebhookRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"event":`,
		"missing object":  `{"event":"payment.succeeded"}`,
		"null object":     `{"event":"payment.succeeded","object":null}`,
		"missing event":   `{"object":{"id":"pay_1","status":"succeeded"}}`,
		"missing id":      `{"event":"payment.succeeded","object":{"status":"succeeded"}}`,
		"fractional":      `{"event":"payment.succeeded","object":{"id":"pay_1","amount":{"value":"1.50","currency":"RUB"}}}`,
		"object is array": `{"event":"payment.succeeded","object":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, ParseWebhook([]byte(body)))
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"payment.succeeded"}`)
	sig := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte(`{}`), sig))
	assert.False(t, VerifySignature("s3cret", body, "not-hex"))
}
