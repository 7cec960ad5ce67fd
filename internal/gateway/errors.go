package gateway

import (
	"fmt"
	"net/http"

	"github.com/hongminglow/credit-ledger/internal/apperr"
)

// Error is any failure talking to the payment gateway: transport errors,
// 4xx/5xx answers and undecodable bodies. It matches apperr.ErrGateway.
type Error struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Description != "":
		return fmt.Sprintf("gateway %s: status %d: %s (%s)", e.Op, e.StatusCode, e.Description, e.Code)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s failed", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, apperr.ErrGateway) true for every *Error.
func (e *Error) Is(target error) bool { return target == apperr.ErrGateway }

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return e.Err != nil
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}
