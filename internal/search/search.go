package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resourceId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	Status      string `json:"status"`
	SubmitterID string `json:"submitterId"`
}

// Query describes a search request. Empty filters match everything.
type Query struct {
	Text             string
	FilterResourceID string
	FilterStatus     string
	Limit            int
	Offset           int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push merge requests into a search index.
type Indexer interface {
	IndexMergeRequest(record MergeRequestRecord) error
	IndexMergeRequests(records []MergeRequestRecord) error
}

// MergeRequestRecord is the data we index for a merge request.
type MergeRequestRecord struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resourceId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	SubmitterID string `json:"submitterId"`
}
