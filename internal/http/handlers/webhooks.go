package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/gateway"
	"github.com/hongminglow/credit-ledger/internal/http/respond"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
	"github.com/hongminglow/credit-ledger/internal/models"
)

// PaymentStatusSource re-reads a payment from the gateway.
type PaymentStatusSource interface {
	GetPaymentStatus(ctx context.Context, paymentID string) (models.PaymentEvent, error)
}

// WebhookOptions configures payment notification handling.
type WebhookOptions struct {
	// Secret enables HMAC verification of the raw body when non-empty.
	Secret string
	// Status, when set, replaces status, paid and amount with the gateway's
	// own record before reconciling.
	Status PaymentStatusSource
	// A notification can race the pending transaction's commit, so an
	// unknown payment is retried a few times before it is dropped.
	UnknownRetries int
	UnknownDelay   time.Duration
}

// WebhookHandler receives gateway payment notifications.
type WebhookHandler struct {
	ledger   *ledger.Engine
	opts     WebhookOptions
	executor failsafe.Executor[ledger.Outcome]
	logger   logging.Logger
	metrics  *metrics.Collector
}

// NewWebhookHandler constructs the handler. m may be nil.
func NewWebhookHandler(engine *ledger.Engine, opts WebhookOptions, logger logging.Logger, m *metrics.Collector) *WebhookHandler {
	if opts.UnknownRetries < 0 {
		opts.UnknownRetries = 0
	}
	if opts.UnknownDelay <= 0 {
		opts.UnknownDelay = 250 * time.Millisecond
	}
	policy := retrypolicy.NewBuilder[ledger.Outcome]().
		HandleIf(func(_ ledger.Outcome, err error) bool {
			return errors.Is(err, apperr.ErrUnknownPayment)
		}).
		WithDelay(opts.UnknownDelay).
		WithMaxRetries(opts.UnknownRetries).
		ReturnLastFailure().
		Build()
	return &WebhookHandler{
		ledger:   engine,
		opts:     opts,
		executor: failsafe.With[ledger.Outcome](policy),
		logger:   logger,
		metrics:  m,
	}
}

// Register attaches the notification route. It is authenticated by
// signature, not by bearer token.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/payments", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.WebhookEvent("malformed")
		respond.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.opts.Secret != "" && !gateway.VerifySignature(h.opts.Secret, body, r.Header.Get(gateway.SignatureHeader)) {
		h.metrics.WebhookEvent("bad_signature")
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("webhook signature mismatch")
		respond.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := gateway.ParseWebhook(body)
	if event == nil {
		h.metrics.WebhookEvent("malformed")
		respond.Error(w, http.StatusBadRequest, "malformed notification")
		return
	}
	log := h.logger.WithFields(logging.Fields{"payment_id": event.PaymentID, "event": event.Kind})

	if h.opts.Status != nil {
		fetched, err := h.opts.Status.GetPaymentStatus(r.Context(), event.PaymentID)
		if err != nil {
			h.metrics.WebhookEvent("gateway_error")
			log.WithError(err).Error("re-fetch payment status failed")
			respond.Error(w, http.StatusInternalServerError, "payment status unavailable")
			return
		}
		fetched.Kind = event.Kind
		event = &fetched
	}

	outcome, err := h.executor.WithContext(r.Context()).Get(func() (ledger.Outcome, error) {
		return h.ledger.ReconcilePayment(r.Context(), *event)
	})
	switch {
	case err == nil:
		h.metrics.WebhookEvent(string(outcome))
		respond.JSON(w, http.StatusOK, "processed", map[string]string{"outcome": string(outcome)})
	case errors.Is(err, apperr.ErrUnknownPayment):
		h.metrics.WebhookEvent("unknown_payment")
		log.Warn("dropping notification for unknown payment")
		respond.JSON(w, http.StatusOK, "ignored", map[string]string{"outcome": "unknown_payment"})
	case errors.Is(err, apperr.ErrAmountMismatch), errors.Is(err, apperr.ErrPaymentNotPending):
		// Redelivery cannot fix these; acknowledge and leave them to an operator.
		h.metrics.WebhookEvent("rejected")
		log.WithError(err).Error("notification rejected by ledger")
		respond.JSON(w, http.StatusOK, "rejected", map[string]string{"outcome": "rejected"})
	default:
		h.metrics.WebhookEvent("error")
		log.WithError(err).Error("reconcile payment failed")
		respond.Error(w, http.StatusInternalServerError, "reconcile failed")
	}
}
