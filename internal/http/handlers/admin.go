package handlers

import (
	"net/http"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/http/respond"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models/dto"
)

// AdminHandler serves administrator-only ledger and company routes.
type AdminHandler struct {
	ledger *ledger.Engine
	logger logging.Logger
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(engine *ledger.Engine, logger logging.Logger) *AdminHandler {
	return &AdminHandler{ledger: engine, logger: logger}
}

// Register attaches the routes behind guard.
func (h *AdminHandler) Register(mux *http.ServeMux, guard Guard) {
	mux.Handle("POST /v1/users/{id}/adjustments", guard(http.HandlerFunc(h.handleAdjust)))
	mux.Handle("POST /v1/companies", guard(http.HandlerFunc(h.handleCreateCompany)))
	mux.Handle("POST /v1/companies/{id}/deactivate", guard(http.HandlerFunc(h.handleDeactivate)))
}

func (h *AdminHandler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	adminID, err := administrator(r)
	if err != nil {
		respond.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var req dto.AdjustmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		respond.Error(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}
	res, err := h.ledger.AdjustBalance(r.Context(), adminID, userID, req.Delta, req.IdempotencyKey)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	h.logger.WithFields(logging.Fields{
		"admin_id": adminID,
		"user_id":  userID,
		"delta":    req.Delta,
		"reason":   req.Reason,
	}).Info("balance adjusted")
	respond.JSON(w, http.StatusOK, "balance adjusted", dto.AdjustmentResponse{
		Transaction: res.Transaction,
		Duplicate:   res.Duplicate,
	})
}

func (h *AdminHandler) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req dto.CompanyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respond.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	company, err := h.ledger.CreateCompany(r.Context(), req.Name)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, "company created", company)
}

func (h *AdminHandler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	companyID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.DeactivateCompany(r.Context(), companyID); err != nil {
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "company deactivated", nil)
}
