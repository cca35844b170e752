package store

import (
	"context"
	"errors"
	"time"

	"eidos/api/internal/changes"
	"eidos/api/internal/mergerequest"
	"eidos/api/internal/permission"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrConflictingTx means the database aborted the transaction because of a
	// deadlock or serialization failure. Retrying it is safe.
	ErrConflictingTx = errors.New("transaction aborted by a concurrent update")
)

type ShareLink struct {
	ID           string           `json:"id"`
	ResourceID   string           `json:"resourceId"`
	TokenHash    string           `json:"-"`
	PasswordHash string           `json:"-"`
	Level        permission.Level `json:"level"`
	ExpiresAt    *time.Time       `json:"expiresAt,omitempty"`
	Active       bool             `json:"active"`
	CreatedBy    string           `json:"createdBy"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// AuditEvent is one lifecycle transition written to the append-only audit log.
type AuditEvent struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	SubjectID  string    `json:"subjectId"`
	Action     string    `json:"action"`
	EntityID   string    `json:"entityId"`
	Comment    string    `json:"comment,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// AppliedChange is the entity state a change entry produced. State is nil
// for deletes.
type AppliedChange struct {
	SequenceNumber int
	ChangeType     changes.ChangeType
	EntityType     string
	EntityID       string
	State          changes.Snapshot
}

// Tx is the transactional view the lifecycle engine works through. Lock
// methods take row locks held until commit.
// Tx is the unit of work behind every lifecycle transition. Callers that lock
// rows take the resource row before any merge request row of that resource.
type Tx interface {
	LockMergeRequest(ctx context.Context, id string) (mergerequest.MergeRequest, error)
	InsertMergeRequest(ctx context.Context, mr mergerequest.MergeRequest) error
	SaveMergeRequest(ctx context.Context, mr mergerequest.MergeRequest) error
	LockResource(ctx context.Context, id string) (permission.Resource, error)
	GetResource(ctx context.Context, id string) (permission.Resource, error)
	BumpResourceVersion(ctx context.Context, id string) (int64, error)
	GetCurrentState(ctx context.Context, resourceID, entityType, entityID string) (changes.Snapshot, bool, error)
	FindByName(ctx context.Context, resourceID, entityType, name string) (string, bool, error)
	ApplyChange(ctx context.Context, resourceID string, entry changes.ChangeEntry) (AppliedChange, error)
	ListMergeRequestsByStatus(ctx context.Context, resourceID string, statuses ...mergerequest.Status) ([]mergerequest.MergeRequest, error)
	InsertAuditEvent(ctx context.Context, event AuditEvent) error
}
