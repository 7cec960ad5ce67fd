package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

type notification struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

// ParseWebhook normalizes a raw notification body. It returns nil when the
// body is not JSON, lacks event or object, or the object has no payment id;
// such deliveries must not reach the ledger.
func ParseWebhook(raw []byte) *models.PaymentEvent {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	if strings.TrimSpace(n.Event) == "" || len(n.Object) == 0 || string(n.Object) == "null" {
		return nil
	}
	var payment paymentObject
	if err := json.Unmarshal(n.Object, &payment); err != nil || payment.ID == "" {
		return nil
	}
	event, err := normalize(n.Event, payment)
	if err != nil {
		return nil
	}
	return &event
}

// Sign returns the signature VerifySignature expects for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
