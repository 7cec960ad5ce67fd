package models

import "time"

// User is an end user identified by their chat/account identifier.
// Balance is a cache of the sum of the user's succeeded transactions and is
// only ever changed by the ledger engine.
type User struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	CompanyID  *int64    `json:"company_id,omitempty"`
	Balance    int64     `json:"balance"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsAdministrator reports whether the user may review access requests and adjust balances.
func (u User) IsAdministrator() bool {
	return u.Role == RoleAdministrator
}

// Company groups users under a tenant. Companies are deactivated, never deleted.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
