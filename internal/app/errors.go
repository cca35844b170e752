package app

import (
	"errors"
	"fmt"
	"net/http"

	"eidos/api/internal/changes"
	"eidos/api/internal/conflict"
	"eidos/api/internal/mergerequest"
	"eidos/api/internal/store"
)

// Kind classifies every error the engine returns to its callers.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindUnauthorized      Kind = "Unauthorized"
	KindInvalidTransition Kind = "InvalidTransition"
	KindValidationFailed  Kind = "ValidationFailed"
	KindConflictDetected  Kind = "ConflictDetected"
	KindApplyFailed       Kind = "ApplyFailed"
	KindInternal          Kind = "Internal"
)

func (k Kind) status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidTransition, KindConflictDetected:
		return http.StatusConflict
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type DomainError struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(kind Kind, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Status:  kind.status(),
		Code:    code,
		Message: message,
		Details: details,
	}
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

func notFound(what string) *DomainError {
	return domainError(KindNotFound, "NOT_FOUND", what+" not found", nil)
}

func forbidden() *DomainError {
	return domainError(KindUnauthorized, "FORBIDDEN", "Insufficient permission", nil)
}

func conflictDetected(conflicts []conflict.Conflict) *DomainError {
	return domainError(KindConflictDetected, "CONFLICT_DETECTED",
		fmt.Sprintf("%d conflict(s) block this merge request", len(conflicts)),
		map[string]any{"conflicts": conflicts})
}

// classify maps sentinel errors from the domain packages to DomainErrors.
// Anything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	wrap := func(kind Kind, code string) error {
		e := domainError(kind, code, err.Error(), nil)
		e.Err = err
		return e
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return wrap(KindNotFound, "NOT_FOUND")
	case errors.Is(err, store.ErrDuplicate):
		return wrap(KindValidationFailed, "DUPLICATE")
	case errors.Is(err, store.ErrConflictingTx):
		return wrap(KindInvalidTransition, "CONCURRENT_UPDATE")
	case errors.Is(err, mergerequest.ErrTerminal):
		return wrap(KindInvalidTransition, "ALREADY_FINALIZED")
	case errors.Is(err, mergerequest.ErrSelfReview):
		return wrap(KindInvalidTransition, "SELF_REVIEW")
	case errors.Is(err, mergerequest.ErrNotReviewable):
		return wrap(KindInvalidTransition, "NOT_REVIEWABLE")
	case errors.Is(err, mergerequest.ErrNotStale):
		return wrap(KindInvalidTransition, "NOT_STALE")
	case errors.Is(err, mergerequest.ErrInvalidState):
		return wrap(KindInvalidTransition, "INVALID_STATE")
	case errors.Is(err, mergerequest.ErrVersionNotAdvanced):
		return wrap(KindInvalidTransition, "VERSION_NOT_ADVANCED")
	case errors.Is(err, mergerequest.ErrNotSubmitter):
		return wrap(KindUnauthorized, "NOT_SUBMITTER")
	case errors.Is(err, mergerequest.ErrTitleRequired):
		return wrap(KindValidationFailed, "TITLE_REQUIRED")
	case errors.Is(err, mergerequest.ErrEmptyChanges), errors.Is(err, changes.ErrEmptyMutationLog):
		return wrap(KindValidationFailed, "EMPTY_CHANGES")
	case errors.Is(err, mergerequest.ErrReasonTooShort):
		return wrap(KindValidationFailed, "REASON_TOO_SHORT")
	case errors.Is(err, changes.ErrInvalidMutation):
		return wrap(KindValidationFailed, "INVALID_MUTATION")
	default:
		return err
	}
}
