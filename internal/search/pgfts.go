package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the
// generated merge_requests.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := "mr.fts @@ " + tsQuery
	if q.FilterResourceID != "" {
		args = append(args, q.FilterResourceID)
		where += fmt.Sprintf(" AND mr.resource_id = $%d", len(args))
	}
	if q.FilterStatus != "" {
		args = append(args, q.FilterStatus)
		where += fmt.Sprintf(" AND mr.status = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM merge_requests mr WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT mr.id, mr.resource_id, mr.title,
			ts_headline('english', coalesce(mr.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			mr.status, mr.submitter_id
		FROM merge_requests mr
		WHERE %s
		ORDER BY ts_rank(mr.fts, %s) DESC, mr.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.Title, &r.Snippet, &r.Status, &r.SubmitterID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every merge request for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MergeRequestRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, resource_id, title, description, status, submitter_id
		FROM merge_requests
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load merge requests: %w", err)
	}
	defer rows.Close()

	records := make([]MergeRequestRecord, 0)
	for rows.Next() {
		var r MergeRequestRecord
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.Title, &r.Description, &r.Status, &r.SubmitterID); err != nil {
			return nil, fmt.Errorf("scan merge request: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge requests: %w", err)
	}
	return records, nil
}
