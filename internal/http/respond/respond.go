package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
)

// Envelope is the standard API response wrapper used across handlers.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON writes a success or informational response using the common envelope.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Code: status, Message: message, Data: data})
}

// Error writes an error response with the shared envelope structure.
func Error(w http.ResponseWriter, status int, message string) {
	write(w, status, Envelope{Code: status, Message: message})
}

// Failure maps a domain error to its status code. Errors outside the
// taxonomy are reported as 500 without leaking their text and logged on the
// request's logger.
func Failure(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("unhandled error")
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnknownUser),
		errors.Is(err, apperr.ErrUnknownGeneration),
		errors.Is(err, apperr.ErrUnknownAccessRequest),
		errors.Is(err, apperr.ErrUnknownCompany),
		errors.Is(err, apperr.ErrUnknownPayment):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, apperr.ErrAlreadyReviewed),
		errors.Is(err, apperr.ErrGenerationFinalized),
		errors.Is(err, apperr.ErrPaymentNotPending),
		errors.Is(err, apperr.ErrAmountMismatch),
		errors.Is(err, apperr.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrNotAdministrator),
		errors.Is(err, apperr.ErrCompanyInactive):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrGateway),
		errors.Is(err, apperr.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var encodeFailure = []byte(`{"code":500,"message":"internal error"}` + "\n")

// write encodes before touching the header so an unencodable payload still
// yields a well-formed 500.
func write(w http.ResponseWriter, status int, payload Envelope) {
	body, err := json.Marshal(payload)
	if err != nil {
		status, body = http.StatusInternalServerError, encodeFailure
	} else {
		body = append(body, '\n')
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
