package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/generation"
	"github.com/hongminglow/credit-ledger/internal/http/respond"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/models/dto"
)

// UserHandler serves the front-end's user, balance and generation routes.
type UserHandler struct {
	ledger      *ledger.Engine
	generations *generation.Service
}

// NewUserHandler constructs the handler.
func NewUserHandler(engine *ledger.Engine, generations *generation.Service) *UserHandler {
	return &UserHandler{ledger: engine, generations: generations}
}

// Register attaches the routes behind guard.
func (h *UserHandler) Register(mux *http.ServeMux, guard Guard) {
	mux.Handle("POST /v1/users", guard(http.HandlerFunc(h.handleCreate)))
	mux.Handle("GET /v1/users/{id}/balance", guard(http.HandlerFunc(h.handleBalance)))
	mux.Handle("POST /v1/users/{id}/generations", guard(http.HandlerFunc(h.handleGenerate)))
}

func (h *UserHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		respond.Error(w, http.StatusBadRequest, "external_id is required")
		return
	}
	user, created, err := h.ledger.EnsureUser(r.Context(), req.ExternalID, req.CompanyID)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	status, message := http.StatusOK, "user exists"
	if created {
		status, message = http.StatusCreated, "user registered"
	}
	respond.JSON(w, status, message, dto.CreateUserResponse{User: user, Created: created})
}

func (h *UserHandler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "balance", dto.BalanceResponse{UserID: userID, Balance: balance})
}

func (h *UserHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var req dto.GenerationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.generations.RequestGeneration(r.Context(), userID, req.Prompt)
	switch {
	case errors.Is(err, generation.ErrEmptyPrompt):
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "generation completed", outcome)
}
