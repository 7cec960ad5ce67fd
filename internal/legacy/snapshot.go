package legacy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Snapshot is the legacy document store dump. Every collection is keyed by
// its legacy identifier; references between records use those keys.
type Snapshot struct {
	Companies      map[string]Company       `json:"companies"`
	Users          map[string]User          `json:"users"`
	Transactions   map[string]Transaction   `json:"transactions"`
	Generations    map[string]Generation    `json:"generations"`
	AccessRequests map[string]AccessRequest `json:"access_requests"`
}

type Company struct {
	Name      string    `json:"name"`
	Active    *bool     `json:"active,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ExternalID string    `json:"external_id"`
	CompanyID  string    `json:"company_id,omitempty"`
	Balance    int64     `json:"balance"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

type Transaction struct {
	UserID       string     `json:"user_id"`
	Kind         string     `json:"kind"`
	Amount       int64      `json:"amount"`
	PaymentID    string     `json:"payment_id,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
}

type Generation struct {
	UserID        string     `json:"user_id"`
	TransactionID string     `json:"transaction_id"`
	Cost          int64      `json:"cost"`
	Status        string     `json:"status"`
	FailureCause  string     `json:"failure_cause,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type AccessRequest struct {
	UserID     string     `json:"user_id"`
	Capability string     `json:"capability"`
	Status     string     `json:"status"`
	ReviewerID string     `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}
