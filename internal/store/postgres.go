package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"eidos/api/internal/changes"
	"eidos/api/internal/mergerequest"
	"eidos/api/internal/permission"
	"eidos/api/internal/util"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a single transaction. Any error from fn rolls back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return abortedTx(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", abortedTx(err))
	}
	return nil
}

func (s *PostgresStore) InsertResource(ctx context.Context, resource permission.Resource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, owner_id, visibility, allow_public_edit, current_version)
		VALUES ($1, $2, $3, $4, $5)
	`, resource.ID, resource.OwnerID, string(resource.Visibility), resource.AllowPublicEdit, resource.CurrentVersion)
	if err != nil {
		return fmt.Errorf("insert resource: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetResource(ctx context.Context, id string) (permission.Resource, error) {
	return getResource(ctx, s.db, id, false)
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_memberships (group_id, subject_id) VALUES ($1, $2)
		ON CONFLICT (group_id, subject_id) DO NOTHING
	`, groupID, subjectID)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// LoadGrants materializes every grant that can apply to subjectID on
// resourceID. Group grants are returned with the subject's memberships.
func (s *PostgresStore) LoadGrants(ctx context.Context, subjectID, resourceID string) (permission.Grants, error) {
	grants := permission.Grants{MemberOf: map[string]bool{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT gg.id, gg.group_id, gg.level, (gm.subject_id IS NOT NULL) AS is_member
		FROM group_grants gg
		LEFT JOIN group_memberships gm ON gm.group_id = gg.group_id AND gm.subject_id = $2
		WHERE gg.resource_id = $1
		ORDER BY gg.id
	`, resourceID, subjectID)
	if err != nil {
		return grants, fmt.Errorf("query group grants: %w", err)
	}
	for rows.Next() {
		var grant permission.GroupGrant
		var member bool
		if err := rows.Scan(&grant.ID, &grant.GroupID, &grant.Level, &member); err != nil {
			rows.Close()
			return grants, fmt.Errorf("scan group grant: %w", err)
		}
		grants.Groups = append(grants.Groups, grant)
		if member {
			grants.MemberOf[grant.GroupID] = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return grants, fmt.Errorf("iterate group grants: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, subject_id, level FROM direct_grants
		WHERE resource_id = $1 AND subject_id = $2
	`, resourceID, subjectID)
	if err != nil {
		return grants, fmt.Errorf("query direct grants: %w", err)
	}
	for rows.Next() {
		var grant permission.DirectGrant
		if err := rows.Scan(&grant.ID, &grant.SubjectID, &grant.Level); err != nil {
			rows.Close()
			return grants, fmt.Errorf("scan direct grant: %w", err)
		}
		grants.Direct = append(grants.Direct, grant)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return grants, fmt.Errorf("iterate direct grants: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT g.id, g.share_link_id, g.subject_id, g.level, g.expires_at, (g.active AND l.active) AS active
		FROM share_link_grants g
		JOIN share_links l ON l.id = g.share_link_id
		WHERE g.resource_id = $1 AND g.subject_id = $2
	`, resourceID, subjectID)
	if err != nil {
		return grants, fmt.Errorf("query share link grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var grant permission.ShareLinkGrant
		var expiresAt sql.NullTime
		if err := rows.Scan(&grant.ID, &grant.ShareLinkID, &grant.SubjectID, &grant.Level, &expiresAt, &grant.Active); err != nil {
			return grants, fmt.Errorf("scan share link grant: %w", err)
		}
		grant.ExpiresAt = nullTime(expiresAt)
		grants.ShareLinks = append(grants.ShareLinks, grant)
	}
	if err := rows.Err(); err != nil {
		return grants, fmt.Errorf("iterate share link grants: %w", err)
	}
	return grants, nil
}

func (s *PostgresStore) InsertDirectGrant(ctx context.Context, resourceID string, grant permission.DirectGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO direct_grants (id, resource_id, subject_id, level) VALUES ($1, $2, $3, $4)
	`, grant.ID, resourceID, grant.SubjectID, int(grant.Level))
	if err != nil {
		return fmt.Errorf("insert direct grant: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) InsertGroupGrant(ctx context.Context, resourceID string, grant permission.GroupGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_grants (id, resource_id, group_id, level) VALUES ($1, $2, $3, $4)
	`, grant.ID, resourceID, grant.GroupID, int(grant.Level))
	if err != nil {
		return fmt.Errorf("insert group grant: %w", classify(err))
	}
	return nil
}

// DeleteGrant removes a direct or group grant of the resource.
func (s *PostgresStore) DeleteGrant(ctx context.Context, resourceID, grantID string) error {
	var deleted int
	err := s.db.QueryRowContext(ctx, `
		WITH d AS (DELETE FROM direct_grants WHERE id = $1 AND resource_id = $2 RETURNING id),
		     g AS (DELETE FROM group_grants WHERE id = $1 AND resource_id = $2 RETURNING id)
		SELECT (SELECT count(*) FROM d) + (SELECT count(*) FROM g)
	`, grantID, resourceID).Scan(&deleted)
	if err != nil {
		return fmt.Errorf("delete grant: %w", classify(err))
	}
	if deleted == 0 {
		return fmt.Errorf("delete grant %s: %w", grantID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertShareLink(ctx context.Context, link ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, resource_id, token_hash, password_hash, level, expires_at, active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, link.ID, link.ResourceID, link.TokenHash, link.PasswordHash, int(link.Level), link.ExpiresAt, link.Active, link.CreatedBy, link.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetShareLinkByTokenHash(ctx context.Context, tokenHash string) (ShareLink, error) {
	return scanShareLink(s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, token_hash, password_hash, level, expires_at, active, created_by, created_at
		FROM share_links WHERE token_hash = $1
	`, tokenHash))
}

func (s *PostgresStore) InsertShareLinkGrant(ctx context.Context, resourceID string, grant permission.ShareLinkGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_link_grants (id, resource_id, share_link_id, subject_id, level, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, grant.ID, resourceID, grant.ShareLinkID, grant.SubjectID, int(grant.Level), grant.ExpiresAt, grant.Active)
	if err != nil {
		return fmt.Errorf("insert share link grant: %w", classify(err))
	}
	return nil
}

// DeactivateShareLink turns off a link and every grant redeemed through it.
func (s *PostgresStore) DeactivateShareLink(ctx context.Context, resourceID, linkID string) (ShareLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ShareLink{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	link, err := scanShareLink(tx.QueryRowContext(ctx, `
		UPDATE share_links SET active = FALSE WHERE id = $1 AND resource_id = $2
		RETURNING id, resource_id, token_hash, password_hash, level, expires_at, active, created_by, created_at
	`, linkID, resourceID))
	if err != nil {
		return ShareLink{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE share_link_grants SET active = FALSE WHERE share_link_id = $1`, linkID); err != nil {
		return ShareLink{}, fmt.Errorf("deactivate share link grants: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ShareLink{}, fmt.Errorf("commit deactivate share link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetMergeRequest(ctx context.Context, id string) (mergerequest.MergeRequest, error) {
	return getMergeRequest(ctx, s.db, id, false)
}

// ListMergeRequests returns the resource's requests, newest first. An empty
// status lists every status.
func (s *PostgresStore) ListMergeRequests(ctx context.Context, resourceID string, status mergerequest.Status) ([]mergerequest.MergeRequest, error) {
	if status == "" {
		return listMergeRequests(ctx, s.db, resourceID, nil, false)
	}
	return listMergeRequests(ctx, s.db, resourceID, []mergerequest.Status{status}, false)
}

func (s *PostgresStore) GetCurrentState(ctx context.Context, resourceID, entityType, entityID string) (changes.Snapshot, bool, error) {
	return getCurrentState(ctx, s.db, resourceID, entityType, entityID, false)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, resourceID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, subject_id, action, entity_id, COALESCE(comment, ''), occurred_at
		FROM audit_events WHERE resource_id = $1 ORDER BY occurred_at, id
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var event AuditEvent
		if err := rows.Scan(&event.ID, &event.ResourceID, &event.SubjectID, &event.Action, &event.EntityID, &event.Comment, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockMergeRequest(ctx context.Context, id string) (mergerequest.MergeRequest, error) {
	return getMergeRequest(ctx, t.tx, id, true)
}

func (t *pgTx) InsertMergeRequest(ctx context.Context, mr mergerequest.MergeRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO merge_requests (
			id, resource_id, submitter_id, title, description, status, base_version,
			current_version, reviewer_id, reviewed_at, review_comment, created_at, submitted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, mr.ID, mr.ResourceID, mr.SubmitterID, mr.Title, mr.Description, string(mr.Status), mr.BaseVersion,
		mr.CurrentVersion, nullString(mr.ReviewerID), mr.ReviewedAt, nullString(mr.ReviewComment), mr.CreatedAt, mr.SubmittedAt, mr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert merge request: %w", classify(err))
	}
	for _, entry := range mr.Changes {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO merge_request_changes (
				merge_request_id, sequence_number, change_type, entity_type, entity_id,
				before_snapshot, after_snapshot, has_conflict
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, mr.ID, entry.SequenceNumber, string(entry.ChangeType), entry.EntityType, nullString(entry.EntityID),
			nullJSON(entry.BeforeSnapshot), nullJSON(entry.AfterSnapshot), entry.HasConflict)
		if err != nil {
			return fmt.Errorf("insert change %d: %w", entry.SequenceNumber, classify(err))
		}
	}
	return nil
}

// SaveMergeRequest writes the mutable lifecycle columns and the conflict
// flags. Snapshots are immutable after capture.
func (t *pgTx) SaveMergeRequest(ctx context.Context, mr mergerequest.MergeRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE merge_requests SET
			status = $2, base_version = $3, current_version = $4, reviewer_id = $5,
			reviewed_at = $6, review_comment = $7, submitted_at = $8, updated_at = $9
		WHERE id = $1
	`, mr.ID, string(mr.Status), mr.BaseVersion, mr.CurrentVersion, nullString(mr.ReviewerID),
		mr.ReviewedAt, nullString(mr.ReviewComment), mr.SubmittedAt, mr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update merge request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update merge request %s: %w", mr.ID, ErrNotFound)
	}
	for _, entry := range mr.Changes {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE merge_request_changes SET has_conflict = $3
			WHERE merge_request_id = $1 AND sequence_number = $2
		`, mr.ID, entry.SequenceNumber, entry.HasConflict); err != nil {
			return fmt.Errorf("update change %d: %w", entry.SequenceNumber, err)
		}
	}
	return nil
}

func (t *pgTx) LockResource(ctx context.Context, id string) (permission.Resource, error) {
	return getResource(ctx, t.tx, id, true)
}

func (t *pgTx) GetResource(ctx context.Context, id string) (permission.Resource, error) {
	return getResource(ctx, t.tx, id, false)
}

func (t *pgTx) BumpResourceVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE resources SET current_version = current_version + 1, updated_at = NOW()
		WHERE id = $1 RETURNING current_version
	`, id).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump resource version: %w", classify(err))
	}
	return version, nil
}

func (t *pgTx) GetCurrentState(ctx context.Context, resourceID, entityType, entityID string) (changes.Snapshot, bool, error) {
	return getCurrentState(ctx, t.tx, resourceID, entityType, entityID, false)
}

func (t *pgTx) FindByName(ctx context.Context, resourceID, entityType, name string) (string, bool, error) {
	var entityID string
	err := t.tx.QueryRowContext(ctx, `
		SELECT entity_id FROM entities
		WHERE resource_id = $1 AND entity_type = $2 AND name = $3
		ORDER BY entity_id LIMIT 1
	`, resourceID, entityType, name).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find entity by name: %w", err)
	}
	return entityID, true, nil
}

func (t *pgTx) ApplyChange(ctx context.Context, resourceID string, entry changes.ChangeEntry) (AppliedChange, error) {
	applied := AppliedChange{
		SequenceNumber: entry.SequenceNumber,
		ChangeType:     entry.ChangeType,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
	}

	switch entry.ChangeType {
	case changes.ChangeCreate:
		if applied.EntityID == "" {
			applied.EntityID = util.NewID(entry.EntityType)
		}
		state, err := changes.ApplyTo(nil, entry)
		if err != nil {
			return applied, err
		}
		if err := t.writeEntity(ctx, resourceID, applied.EntityType, applied.EntityID, state, true); err != nil {
			return applied, err
		}
		applied.State = state
	case changes.ChangeUpdate:
		live, found, err := getCurrentState(ctx, t.tx, resourceID, entry.EntityType, entry.EntityID, true)
		if err != nil {
			return applied, err
		}
		if !found {
			return applied, fmt.Errorf("update %s %s: %w", entry.EntityType, entry.EntityID, ErrNotFound)
		}
		state, err := changes.ApplyTo(live, entry)
		if err != nil {
			return applied, err
		}
		if err := t.writeEntity(ctx, resourceID, entry.EntityType, entry.EntityID, state, false); err != nil {
			return applied, err
		}
		applied.State = state
	case changes.ChangeDelete:
		res, err := t.tx.ExecContext(ctx, `
			DELETE FROM entities WHERE resource_id = $1 AND entity_type = $2 AND entity_id = $3
		`, resourceID, entry.EntityType, entry.EntityID)
		if err != nil {
			return applied, fmt.Errorf("delete entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return applied, fmt.Errorf("delete %s %s: %w", entry.EntityType, entry.EntityID, ErrNotFound)
		}
	default:
		return applied, fmt.Errorf("%w: unknown change type %q", changes.ErrInvalidMutation, entry.ChangeType)
	}
	return applied, nil
}

func (t *pgTx) writeEntity(ctx context.Context, resourceID, entityType, entityID string, state changes.Snapshot, insert bool) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode entity state: %w", err)
	}
	if insert {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO entities (resource_id, entity_type, entity_id, state) VALUES ($1, $2, $3, $4)
		`, resourceID, entityType, entityID, payload)
		if err != nil {
			return fmt.Errorf("insert entity: %w", classify(err))
		}
		return nil
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE entities SET state = $4, updated_at = NOW()
		WHERE resource_id = $1 AND entity_type = $2 AND entity_id = $3
	`, resourceID, entityType, entityID, payload)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return nil
}

func (t *pgTx) ListMergeRequestsByStatus(ctx context.Context, resourceID string, statuses ...mergerequest.Status) ([]mergerequest.MergeRequest, error) {
	return listMergeRequests(ctx, t.tx, resourceID, statuses, true)
}

func (t *pgTx) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, resource_id, subject_id, action, entity_id, comment, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.ResourceID, event.SubjectID, event.Action, event.EntityID, nullString(event.Comment), event.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func getResource(ctx context.Context, q queryer, id string, forUpdate bool) (permission.Resource, error) {
	query := `SELECT id, owner_id, visibility, allow_public_edit, current_version FROM resources WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var resource permission.Resource
	var visibility string
	err := q.QueryRowContext(ctx, query, id).Scan(&resource.ID, &resource.OwnerID, &visibility, &resource.AllowPublicEdit, &resource.CurrentVersion)
	if err != nil {
		return permission.Resource{}, fmt.Errorf("get resource %s: %w", id, classify(err))
	}
	resource.Visibility = permission.Visibility(visibility)
	return resource, nil
}

const mergeRequestColumns = `
	id, resource_id, submitter_id, title, description, status, base_version, current_version,
	COALESCE(reviewer_id, ''), reviewed_at, COALESCE(review_comment, ''), created_at, submitted_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMergeRequest(row rowScanner) (mergerequest.MergeRequest, error) {
	var mr mergerequest.MergeRequest
	var status string
	var currentVersion sql.NullInt64
	var reviewedAt, submittedAt sql.NullTime
	err := row.Scan(&mr.ID, &mr.ResourceID, &mr.SubmitterID, &mr.Title, &mr.Description, &status, &mr.BaseVersion,
		&currentVersion, &mr.ReviewerID, &reviewedAt, &mr.ReviewComment, &mr.CreatedAt, &submittedAt, &mr.UpdatedAt)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}
	mr.Status = mergerequest.Status(status)
	if currentVersion.Valid {
		version := currentVersion.Int64
		mr.CurrentVersion = &version
	}
	mr.ReviewedAt = nullTime(reviewedAt)
	mr.SubmittedAt = nullTime(submittedAt)
	return mr, nil
}

func getMergeRequest(ctx context.Context, q queryer, id string, forUpdate bool) (mergerequest.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	mr, err := scanMergeRequest(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return mergerequest.MergeRequest{}, fmt.Errorf("get merge request %s: %w", id, classify(err))
	}
	if mr.Changes, err = loadChanges(ctx, q, mr.ID); err != nil {
		return mergerequest.MergeRequest{}, err
	}
	return mr, nil
}

func listMergeRequests(ctx context.Context, q queryer, resourceID string, statuses []mergerequest.Status, forUpdate bool) ([]mergerequest.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests WHERE resource_id = $1`
	args := []any{resourceID}
	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, status := range statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query merge requests: %w", err)
	}
	items := make([]mergerequest.MergeRequest, 0)
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan merge request: %w", err)
		}
		items = append(items, mr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate merge requests: %w", err)
	}
	rows.Close()

	for i := range items {
		if items[i].Changes, err = loadChanges(ctx, q, items[i].ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func loadChanges(ctx context.Context, q queryer, mergeRequestID string) ([]changes.ChangeEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sequence_number, change_type, entity_type, COALESCE(entity_id, ''),
			before_snapshot, after_snapshot, has_conflict
		FROM merge_request_changes
		WHERE merge_request_id = $1
		ORDER BY sequence_number
	`, mergeRequestID)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	entries := make([]changes.ChangeEntry, 0)
	for rows.Next() {
		var entry changes.ChangeEntry
		var changeType string
		var before, after []byte
		if err := rows.Scan(&entry.SequenceNumber, &changeType, &entry.EntityType, &entry.EntityID, &before, &after, &entry.HasConflict); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entry.ChangeType = changes.ChangeType(changeType)
		if len(before) > 0 {
			entry.BeforeSnapshot = json.RawMessage(before)
		}
		if len(after) > 0 {
			entry.AfterSnapshot = json.RawMessage(after)
		}
		if err := changes.RecomputeDiffs(&entry); err != nil {
			return nil, fmt.Errorf("recompute diffs for change %d: %w", entry.SequenceNumber, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func getCurrentState(ctx context.Context, q queryer, resourceID, entityType, entityID string, forUpdate bool) (changes.Snapshot, bool, error) {
	query := `SELECT state FROM entities WHERE resource_id = $1 AND entity_type = $2 AND entity_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var payload []byte
	err := q.QueryRowContext(ctx, query, resourceID, entityType, entityID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get entity state: %w", err)
	}
	state, err := changes.DecodeSnapshot(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode entity state: %w", err)
	}
	if state == nil {
		state = changes.Snapshot{}
	}
	return state, true, nil
}

func scanShareLink(row rowScanner) (ShareLink, error) {
	var link ShareLink
	var expiresAt sql.NullTime
	err := row.Scan(&link.ID, &link.ResourceID, &link.TokenHash, &link.PasswordHash, &link.Level, &expiresAt, &link.Active, &link.CreatedBy, &link.CreatedAt)
	if err != nil {
		return ShareLink{}, fmt.Errorf("get share link: %w", classify(err))
	}
	link.ExpiresAt = nullTime(expiresAt)
	return link, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
