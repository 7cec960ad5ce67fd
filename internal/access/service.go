// Package access implements onboarding and capability requests reviewed by
// administrators. A request is pending until reviewed and terminal afterwards.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/credit-ledger/internal/apperr"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/models"
	"github.com/hongminglow/credit-ledger/internal/storage"
)

// Decision is an administrator's verdict on a request.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// ParseDecision accepts approve/approved and deny/denied.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return Approve, nil
	case "deny", "denied":
		return Deny, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Service runs the access request workflow.
type Service struct {
	store  storage.Store
	logger logging.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(store storage.Store, logger logging.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit opens a request. A pending request for the same capability is
// returned instead of opening a second one.
func (s *Service) Submit(ctx context.Context, userID int64, capability string) (models.AccessRequest, error) {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return models.AccessRequest{}, errors.New("capability is required")
	}

	var req models.AccessRequest
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return userNotFound(err, userID)
		}
		pending, err := tx.ListAccessRequests(ctx, models.AccessPending)
		if err != nil {
			return err
		}
		for _, p := range pending {
			if p.UserID == userID && p.Capability == capability {
				req = p
				return nil
			}
		}
		req, err = tx.InsertAccessRequest(ctx, models.AccessRequest{
			UserID:     userID,
			Capability: capability,
			Status:     models.AccessPending,
			CreatedAt:  s.now(),
		})
		return err
	})
	if err != nil {
		return models.AccessRequest{}, err
	}
	s.logger.WithFields(logging.Fields{
		"user_id":    userID,
		"request_id": req.ID,
		"capability": capability,
	}).Info("access request submitted")
	return req, nil
}

// Review applies an administrator's decision. Approving the administrator
// capability promotes the requester in the same unit of work.
func (s *Service) Review(ctx context.Context, reviewerID, requestID int64, decision Decision) (models.AccessRequest, error) {
	if decision != Approve && decision != Deny {
		return models.AccessRequest{}, fmt.Errorf("unknown decision %q", decision)
	}
	current, err := s.store.GetAccessRequest(ctx, requestID)
	if err != nil {
		return models.AccessRequest{}, requestNotFound(err, requestID)
	}

	var req models.AccessRequest
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		reviewer, err := tx.GetUser(ctx, reviewerID)
		if err != nil {
			return userNotFound(err, reviewerID)
		}
		if !reviewer.IsAdministrator() {
			return fmt.Errorf("user %d: %w", reviewerID, apperr.ErrNotAdministrator)
		}
		if _, err := tx.LockUser(ctx, current.UserID); err != nil {
			return userNotFound(err, current.UserID)
		}
		req, err = tx.LockAccessRequest(ctx, requestID)
		if err != nil {
			return requestNotFound(err, requestID)
		}

		now := s.now()
		if decision == Approve {
			err = req.Approve(reviewerID, now)
		} else {
			err = req.Deny(reviewerID, now)
		}
		if errors.Is(err, models.ErrRequestNotPending) {
			return fmt.Errorf("request %d is %s: %w", req.ID, req.Status, apperr.ErrAlreadyReviewed)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateAccessRequest(ctx, req); err != nil {
			return err
		}
		if req.Status == models.AccessApproved && req.Capability == models.CapabilityAdministrator {
			return tx.SetUserRole(ctx, req.UserID, models.RoleAdministrator)
		}
		return nil
	})
	if err != nil {
		return models.AccessRequest{}, err
	}
	s.logger.WithFields(logging.Fields{
		"request_id":  req.ID,
		"user_id":     req.UserID,
		"reviewer_id": reviewerID,
		"status":      req.Status,
	}).Info("access request reviewed")
	return req, nil
}

// List returns requests in the given status, or all of them when status is empty.
func (s *Service) List(ctx context.Context, status models.AccessRequestStatus) ([]models.AccessRequest, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return s.store.ListAccessRequests(ctx, status)
}

func userNotFound(err error, userID int64) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("user %d: %w", userID, apperr.ErrUnknownUser)
	}
	return err
}

func requestNotFound(err error, requestID int64) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("access request %d: %w", requestID, apperr.ErrUnknownAccessRequest)
	}
	return err
}
