package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hongminglow/credit-ledger/internal/auth"
	"github.com/hongminglow/credit-ledger/internal/middleware"
)

const maxBodyBytes = 1 << 20

// Guard wraps a route with authentication.
type Guard func(http.Handler) http.Handler

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// administrator returns the user id of the administrator behind the request.
func administrator(r *http.Request) (int64, error) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok || claims.Role != auth.RoleAdministrator {
		return 0, auth.ErrInvalidToken
	}
	return claims.UserID()
}
