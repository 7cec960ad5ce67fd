package handlers

import (
	"net/http"
	"strings"

	"github.com/hongminglow/credit-ledger/internal/access"
	"github.com/hongminglow/credit-ledger/internal/http/respond"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/models/dto"
)

// AccessHandler exposes the access request workflow.
type AccessHandler struct {
	access *access.Service
}

// NewAccessHandler constructs the handler.
func NewAccessHandler(svc *access.Service) *AccessHandler {
	return &AccessHandler{access: svc}
}

// Register attaches submission behind service and review behind admin.
func (h *AccessHandler) Register(mux *http.ServeMux, service, admin Guard) {
	mux.Handle("POST /v1/users/{id}/access-requests", service(http.HandlerFunc(h.handleSubmit)))
	mux.Handle("GET /v1/access-requests", admin(http.HandlerFunc(h.handleList)))
	mux.Handle("POST /v1/access-requests/{id}/review", admin(http.HandlerFunc(h.handleReview)))
}

func (h *AccessHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var req dto.AccessRequestBody
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		respond.Error(w, http.StatusBadRequest, "capability is required")
		return
	}
	submitted, err := h.access.Submit(r.Context(), userID, req.Capability)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, "access request submitted", submitted)
}

func (h *AccessHandler) handleList(w http.ResponseWriter, r *http.Request) {
	status := models.AccessRequestStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		respond.Error(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	list, err := h.access.List(r.Context(), status)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	if list == nil {
		list = []models.AccessRequest{}
	}
	respond.JSON(w, http.StatusOK, "access requests", list)
}

func (h *AccessHandler) handleReview(w http.ResponseWriter, r *http.Request) {
	reviewerID, err := administrator(r)
	if err != nil {
		respond.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	requestID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var req dto.ReviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := access.ParseDecision(req.Decision)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	reviewed, err := h.access.Review(r.Context(), reviewerID, requestID, decision)
	if err != nil {
		respond.Failure(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "access request reviewed", reviewed)
}
