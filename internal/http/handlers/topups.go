package handlers

import (
	"net/http"

	"github.com/hongminglow/credit-ledger/internal/http/respond"
	"github.com/hongminglow/credit-ledger/internal/models/dto"
	"github.com/hongminglow/credit-ledger/internal/topup"
)

// TopUpHandler lists denominations and opens gateway payments.
type TopUpHandler struct {
	topups *topup.Service
}

// NewTopUpHandler constructs the handler.
func NewTopUpHandler(topups *topup.Service) *TopUpHandler {
	return &TopUpHandler{topups: topups}
}

// Register attaches the routes behind guard.
func (h *TopUpHandler) Register(mux *http.ServeMux, guard Guard) {
	mux.Handle("GET /v1/topups/options", guard(http.HandlerFunc(h.handleOptions)))
	mux.Handle("POST /v1/users/{id}/topups", guard(http.HandlerFunc(h.handleRequest)))
}

func (h *TopUpHandler) handleOptions(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, "top-up options", h.topups.ListTopUpOptions())
}

func (h *TopUpHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var req dto.TopUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.topups.RequestTopUp(r.Context(), userID, req.Amount)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, "payment created", res)
}
