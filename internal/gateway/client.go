// Package gateway talks to the external payment gateway: it creates payment
// intents, polls their status and normalizes webhook notifications.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
	"github.com/hongminglow/credit-ledger/internal/models"
)

const maxDescriptionLength = 128

// Config describes the gateway account and retry budget.
type Config struct {
	BaseURL    string
	ShopID     string
	SecretKey  string
	Currency   string
	ReturnURL  string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c Config) normalized() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Currency == "" {
		c.Currency = "RUB"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Client is a payment gateway API client. Every call is bounded by the HTTP
// timeout and retried with backoff on transport errors, 5xx and 429.
type Client struct {
	cfg      Config
	http     *http.Client
	executor failsafe.Executor[*http.Response]
	logger   logging.Logger
	metrics  *metrics.Collector
	newKey   func() string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithMetrics counts gateway calls on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger logging.Logger, opts ...Option) *Client {
	cfg = cfg.normalized()
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		executor: failsafe.With[*http.Response](newRetryPolicy(cfg)),
		logger:   logger,
		newKey:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

//nolint:bodyclose // *http.Response is a type parameter here, bodies are closed by do
func newRetryPolicy(cfg Config) retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(_ *http.Response, err error) bool { return shouldRetry(err) }).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Temporary()
	}
	return true
}

// Currency is the single currency all payments are created in.
func (c *Client) Currency() string { return c.cfg.Currency }

// PaymentIntent is a payment the gateway has accepted and is waiting for the user to confirm.
type PaymentIntent struct {
	PaymentID       string               `json:"payment_id"`
	ConfirmationURL string               `json:"confirmation_url"`
	Status          models.PaymentStatus `json:"status"`
	Amount          int64                `json:"amount"`
}

type amountObject struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmationObject struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type createPaymentRequest struct {
	Amount       amountObject       `json:"amount"`
	Capture      bool               `json:"capture"`
	Confirmation confirmationObject `json:"confirmation"`
	Description  string             `json:"description,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

type paymentObject struct {
	ID           string              `json:"id"`
	Status       string              `json:"status"`
	Paid         bool                `json:"paid"`
	Amount       *amountObject       `json:"amount"`
	Confirmation *confirmationObject `json:"confirmation,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

type apiErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// CreatePaymentIntent creates a redirect payment for amount ledger units. A
// fresh idempotence key is generated per call and reused by its retries so a
// retried request can never open a second payment on the gateway side.
func (c *Client) CreatePaymentIntent(ctx context.Context, amount int64, description, returnURL string, metadata map[string]string) (PaymentIntent, error) {
	const op = "create_payment"
	if returnURL == "" {
		returnURL = c.cfg.ReturnURL
	}
	if len(description) > maxDescriptionLength {
		description = description[:maxDescriptionLength]
	}
	body, err := json.Marshal(createPaymentRequest{
		Amount:       amountObject{Value: FormatAmount(amount), Currency: c.cfg.Currency},
		Capture:      true,
		Confirmation: confirmationObject{Type: "redirect", ReturnURL: returnURL},
		Description:  description,
		Metadata:     metadata,
	})
	if err != nil {
		return PaymentIntent{}, &Error{Op: op, Err: err}
	}

	idempotenceKey := c.newKey()
	var payment paymentObject
	err = c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/payments", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", idempotenceKey)
		return req, nil
	}, &payment)
	if err != nil {
		return PaymentIntent{}, err
	}

	event, err := normalize("", payment)
	if err != nil {
		return PaymentIntent{}, &Error{Op: op, Err: err}
	}
	intent := PaymentIntent{PaymentID: event.PaymentID, Status: event.Status, Amount: event.Amount}
	if payment.Confirmation != nil {
		intent.ConfirmationURL = payment.Confirmation.ConfirmationURL
	}
	if intent.PaymentID == "" || intent.ConfirmationURL == "" {
		return PaymentIntent{}, &Error{Op: op, Err: errors.New("response is missing payment id or confirmation url")}
	}
	c.logger.WithFields(logging.Fields{
		"payment_id": intent.PaymentID,
		"amount":     amount,
		"status":     intent.Status,
	}).Info("payment intent created")
	return intent, nil
}

// GetPaymentStatus fetches the gateway's own record of a payment.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (models.PaymentEvent, error) {
	const op = "get_payment"
	var payment paymentObject
	err := c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/payments/"+url.PathEscape(paymentID), nil)
	}, &payment)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	event, err := normalize("", payment)
	if err != nil {
		return models.PaymentEvent{}, &Error{Op: op, Err: err}
	}
	return event, nil
}

func (c *Client) do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error), out any) error {
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			defer func() { _ = resp.Body.Close() }()
			return nil, apiError(op, resp)
		}
		return resp, nil
	})
	if err != nil {
		c.metrics.GatewayRequest(op, "error")
		var gwErr *Error
		if errors.As(err, &gwErr) {
			return gwErr
		}
		return &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.GatewayRequest(op, "error")
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	c.metrics.GatewayRequest(op, "ok")
	return nil
}

func apiError(op string, resp *http.Response) *Error {
	gwErr := &Error{Op: op, StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body apiErrorBody
	if json.Unmarshal(raw, &body) == nil {
		gwErr.Code = body.Code
		gwErr.Description = body.Description
	}
	return gwErr
}

// normalize converts the gateway's payment object into a PaymentEvent.
func normalize(kind string, p paymentObject) (models.PaymentEvent, error) {
	event := models.PaymentEvent{
		Kind:      kind,
		PaymentID: p.ID,
		Status:    models.PaymentStatus(p.Status),
		Paid:      p.Paid,
		Metadata:  p.Metadata,
	}
	if p.Amount != nil {
		amount, err := ParseAmount(p.Amount.Value)
		if err != nil {
			return models.PaymentEvent{}, err
		}
		event.Amount = amount
		event.Currency = p.Amount.Currency
	}
	return event, nil
}
