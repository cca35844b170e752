// Package mergerequest holds the merge request model and its pure lifecycle
// transitions. Persistence, authorization and application of changes live in
// the app layer; every function here only validates and mutates the value.
package mergerequest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"eidos/api/internal/changes"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusStale     Status = "stale"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// MinRejectReasonLength is the shortest accepted rejection reason, in runes,
// after trimming.
const MinRejectReasonLength = 10

var (
	ErrTerminal           = errors.New("merge request already finalized")
	ErrNotReviewable      = errors.New("merge request is not in a reviewable state")
	ErrSelfReview         = errors.New("submitter cannot review their own merge request")
	ErrNotSubmitter       = errors.New("only the submitter can perform this action")
	ErrEmptyChanges       = errors.New("merge request has no changes")
	ErrReasonTooShort     = fmt.Errorf("rejection reason must be at least %d characters", MinRejectReasonLength)
	ErrNotStale           = errors.New("merge request is not stale")
	ErrVersionNotAdvanced = errors.New("resource version has not advanced")
	ErrInvalidState       = errors.New("transition not allowed from current state")
	ErrTitleRequired      = errors.New("title is required")
)

func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Reviewable() bool {
	return s == StatusPending || s == StatusStale
}

func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusDraft, StatusPending, StatusStale, StatusApproved, StatusRejected, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown merge request status %q", value)
	}
}

type MergeRequest struct {
	ID             string                `json:"id"`
	ResourceID     string                `json:"resourceId"`
	SubmitterID    string                `json:"submitterId"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	Status         Status                `json:"status"`
	BaseVersion    int64                 `json:"baseVersion"`
	CurrentVersion *int64                `json:"currentVersion,omitempty"`
	ReviewerID     string                `json:"reviewerId,omitempty"`
	ReviewedAt     *time.Time            `json:"reviewedAt,omitempty"`
	ReviewComment  string                `json:"reviewComment,omitempty"`
	Changes        []changes.ChangeEntry `json:"changes"`
	CreatedAt      time.Time             `json:"createdAt"`
	SubmittedAt    *time.Time            `json:"submittedAt,omitempty"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// New builds a Draft merge request. Title is required.
func New(id, resourceID, submitterID, title, description string, baseVersion int64, entries []changes.ChangeEntry, now time.Time) (MergeRequest, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return MergeRequest{}, ErrTitleRequired
	}
	if len(entries) == 0 {
		return MergeRequest{}, ErrEmptyChanges
	}
	return MergeRequest{
		ID:          id,
		ResourceID:  resourceID,
		SubmitterID: submitterID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Status:      StatusDraft,
		BaseVersion: baseVersion,
		Changes:     entries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Submit moves Draft to Pending.
func Submit(mr *MergeRequest, subjectID string, now time.Time) error {
	if mr.Status.Terminal() {
		return ErrTerminal
	}
	if mr.Status != StatusDraft {
		return ErrInvalidState
	}
	if subjectID != mr.SubmitterID {
		return ErrNotSubmitter
	}
	if len(mr.Changes) == 0 {
		return ErrEmptyChanges
	}
	mr.Status = StatusPending
	mr.SubmittedAt = &now
	mr.UpdatedAt = now
	return nil
}

// Cancel moves Draft, Pending or Stale to Cancelled. Accepting Stale extends
// the Draft/Pending transition table: a submitter may withdraw a request that
// fell behind instead of rebasing it.
func Cancel(mr *MergeRequest, subjectID string, now time.Time) error {
	if mr.Status.Terminal() {
		return ErrTerminal
	}
	if subjectID != mr.SubmitterID {
		return ErrNotSubmitter
	}
	mr.Status = StatusCancelled
	mr.UpdatedAt = now
	return nil
}

// MarkStale records that the resource advanced past the base version. It is
// valid on Pending and, to refresh CurrentVersion, on Stale.
func MarkStale(mr *MergeRequest, resourceVersion int64, now time.Time) error {
	if mr.Status.Terminal() {
		return ErrTerminal
	}
	if !mr.Status.Reviewable() {
		return ErrInvalidState
	}
	if resourceVersion <= mr.BaseVersion {
		return ErrVersionNotAdvanced
	}
	version := resourceVersion
	mr.Status = StatusStale
	mr.CurrentVersion = &version
	mr.UpdatedAt = now
	return nil
}

func checkReview(mr *MergeRequest, reviewerID string) error {
	if mr.Status.Terminal() {
		return ErrTerminal
	}
	if !mr.Status.Reviewable() {
		return ErrNotReviewable
	}
	if reviewerID == mr.SubmitterID {
		return ErrSelfReview
	}
	return nil
}

// CheckReviewer validates everything Approve checks except the absence of
// conflicts, which the caller establishes.
func CheckReviewer(mr MergeRequest, reviewerID string) error {
	return checkReview(&mr, reviewerID)
}

// Approve moves Pending or Stale to Approved. The caller must have verified
// that the changes apply without conflicts.
func Approve(mr *MergeRequest, reviewerID, comment string, now time.Time) error {
	if err := checkReview(mr, reviewerID); err != nil {
		return err
	}
	mr.Status = StatusApproved
	mr.ReviewerID = reviewerID
	mr.ReviewedAt = &now
	mr.ReviewComment = strings.TrimSpace(comment)
	mr.UpdatedAt = now
	return nil
}

// Reject moves Pending or Stale to Rejected with a mandatory reason.
func Reject(mr *MergeRequest, reviewerID, reason string, now time.Time) error {
	if err := checkReview(mr, reviewerID); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < MinRejectReasonLength {
		return ErrReasonTooShort
	}
	mr.Status = StatusRejected
	mr.ReviewerID = reviewerID
	mr.ReviewedAt = &now
	mr.ReviewComment = reason
	mr.UpdatedAt = now
	return nil
}

// Rebase moves a Stale request back to Pending against resourceVersion. The
// caller must have verified that the changes still apply without conflicts.
func Rebase(mr *MergeRequest, subjectID string, resourceVersion int64, now time.Time) error {
	if mr.Status.Terminal() {
		return ErrTerminal
	}
	if mr.Status != StatusStale {
		return ErrNotStale
	}
	if subjectID != mr.SubmitterID {
		return ErrNotSubmitter
	}
	mr.Status = StatusPending
	mr.BaseVersion = resourceVersion
	mr.CurrentVersion = nil
	mr.UpdatedAt = now
	return nil
}

// IsStale reports whether resourceVersion is ahead of the request's base.
func (mr MergeRequest) IsStale(resourceVersion int64) bool {
	return resourceVersion > mr.BaseVersion
}
