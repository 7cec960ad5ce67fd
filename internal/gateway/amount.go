package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/apperr"
)

// FormatAmount renders whole ledger units as the gateway's decimal string.
func FormatAmount(units int64) string {
	return strconv.FormatInt(units, 10) + ".00"
}

// ParseAmount converts a gateway decimal string into ledger units. One ledger
// unit is one currency unit, so a non-zero fractional part is rejected.
func ParseAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty amount: %w", apperr.ErrInvalidAmount)
	}
	whole, frac, _ := strings.Cut(value, ".")
	if strings.Trim(frac, "0") != "" {
		return 0, fmt.Errorf("amount %q has a fractional part: %w", value, apperr.ErrInvalidAmount)
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount %q: %w", value, apperr.ErrInvalidAmount)
		}
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("amount %q: %w", value, apperr.ErrInvalidAmount)
	}
	return units, nil
}
