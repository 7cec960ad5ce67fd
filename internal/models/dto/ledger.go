package dto

import "github.com/hongminglow/credit-ledger/internal/models"

type CreateUserRequest struct {
	ExternalID string `json:"external_id"`
	CompanyID  *int64 `json:"company_id"`
}

type CreateUserResponse struct {
	User    models.User `json:"user"`
	Created bool        `json:"created"`
}

type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

type TopUpRequest struct {
	Amount int64 `json:"amount"`
}

type GenerationRequest struct {
	Prompt string `json:"prompt"`
}

type AccessRequestBody struct {
	Capability string `json:"capability"`
}

type ReviewRequest struct {
	Decision string `json:"decision"`
}

type AdjustmentRequest struct {
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type AdjustmentResponse struct {
	Transaction models.Transaction `json:"transaction"`
	Duplicate   bool               `json:"duplicate"`
}

type CompanyRequest struct {
	Name string `json:"name"`
}
