package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/auth"
	"github.com/hongminglow/credit-ledger/internal/http/respond"
)

type claimsKey struct{}

// ClaimsFrom returns the verified token claims stored by RequireRole.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// RequireRole verifies the bearer token and admits only the given roles.
func RequireRole(tokens *auth.TokenManager, roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || strings.TrimSpace(raw) == "" {
				respond.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !hasRole(claims.Role, roles) {
				respond.Error(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func hasRole(role auth.Role, allowed []auth.Role) bool {
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	return false
}
