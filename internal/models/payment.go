package models

// PaymentStatus is the gateway-side state of a payment.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentWaitingForCapture PaymentStatus = "waiting_for_capture"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentCanceled          PaymentStatus = "canceled"
)

// PaymentEvent is the normalized form of a webhook notification or a status poll.
type PaymentEvent struct {
	Kind      string            `json:"event"`
	PaymentID string            `json:"payment_id"`
	Status    PaymentStatus     `json:"status"`
	Paid      bool              `json:"paid"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Succeeded reports whether the gateway confirmed the money was received.
func (e PaymentEvent) Succeeded() bool {
	return e.Status == PaymentSucceeded && e.Paid
}

// Canceled reports whether the payment will never complete.
func (e PaymentEvent) Canceled() bool {
	return e.Status == PaymentCanceled
}

// TopUpOption is one fixed top-up denomination offered to users.
type TopUpOption struct {
	Amount      int64  `json:"amount"`
	Generations int64  `json:"generations"`
	Label       string `json:"label"`
}
