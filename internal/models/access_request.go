package models

import (
	"errors"
	"time"
)

// AccessRequestStatus is pending until an administrator decides.
type AccessRequestStatus string

const (
	AccessPending  AccessRequestStatus = "pending"
	AccessApproved AccessRequestStatus = "approved"
	AccessDenied   AccessRequestStatus = "denied"
)

// Valid reports whether s is a known access request status.
func (s AccessRequestStatus) Valid() bool {
	switch s {
	case AccessPending, AccessApproved, AccessDenied:
		return true
	}
	return false
}

// CapabilityAdministrator grants the administrator role when approved.
const CapabilityAdministrator = "administrator"

// ErrRequestNotPending is returned by Approve/Deny on a request that was already reviewed.
var ErrRequestNotPending = errors.New("access request is not pending")

// AccessRequest asks for onboarding or an elevated capability.
type AccessRequest struct {
	ID         int64               `json:"id"`
	UserID     int64               `json:"user_id"`
	Capability string              `json:"capability"`
	Status     AccessRequestStatus `json:"status"`
	ReviewerID *int64              `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ReviewedAt *time.Time          `json:"reviewed_at,omitempty"`
}

// Approve moves a pending request to approved.
func (r *AccessRequest) Approve(reviewerID int64, at time.Time) error {
	return r.review(AccessApproved, reviewerID, at)
}

// Deny moves a pending request to denied.
func (r *AccessRequest) Deny(reviewerID int64, at time.Time) error {
	return r.review(AccessDenied, reviewerID, at)
}

func (r *AccessRequest) review(status AccessRequestStatus, reviewerID int64, at time.Time) error {
	if r.Status != AccessPending {
		return ErrRequestNotPending
	}
	r.Status = status
	r.ReviewerID = &reviewerID
	r.ReviewedAt = &at
	return nil
}
