package search

import (
	"context"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus/hooks/test"
)

func seedIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx := NewMemoryIndex()
	err := idx.IndexMergeRequests([]MergeRequestRecord{
		{ID: "mr_1", ResourceID: "res_1", Title: "Add Person class", Description: "introduces a person hierarchy", Status: "pending"},
		{ID: "mr_2", ResourceID: "res_1", Title: "Rename Agent", Description: "agent becomes actor", Status: "approved"},
		{ID: "mr_3", ResourceID: "res_2", Title: "Person properties", Description: "", Status: "pending"},
	})
	if err != nil {
		t.Fatalf("seed index: %v", err)
	}
	return idx
}

func TestMemoryIndexSearch(t *testing.T) {
	idx := seedIndex(t)
	cases := []struct {
		name  string
		query Query
		want  []string
	}{
		{name: "blank", query: Query{Text: "  "}, want: nil},
		{name: "title and description", query: Query{Text: "person"}, want: []string{"mr_1", "mr_3"}},
		{name: "resource filter", query: Query{Text: "person", FilterResourceID: "res_2"}, want: []string{"mr_3"}},
		{name: "status filter", query: Query{Text: "a", FilterStatus: "approved"}, want: []string{"mr_2"}},
		{name: "paging", query: Query{Text: "person", Limit: 1, Offset: 1}, want: []string{"mr_3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results, _, err := idx.Search(context.Background(), tc.query)
			if err != nil {
				t.Fatalf("Search() error: %v", err)
			}
			if len(results) != len(tc.want) {
				t.Fatalf("got %d results (%+v), want %v", len(results), results, tc.want)
			}
			for i, id := range tc.want {
				if results[i].ID != id {
					t.Fatalf("results[%d] = %s, want %s", i, results[i].ID, id)
				}
			}
		})
	}
}

type failingBackend struct{ *MemoryIndex }

func (failingBackend) Search(context.Context, Query) ([]Result, int, error) {
	return nil, 0, errors.New("index offline")
}

func (failingBackend) IndexMergeRequest(MergeRequestRecord) error {
	return errors.New("index offline")
}

func TestServiceFallsBackOnPrimaryError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	svc := NewService(failingBackend{NewMemoryIndex()}, seedIndex(t), logger)

	resp := svc.Search(context.Background(), Query{Text: "rename"})
	if resp.Total != 1 || resp.Results[0].ID != "mr_2" {
		t.Fatalf("response = %+v", resp)
	}
	if len(hook.Entries) == 0 {
		t.Fatal("expected fallback to be logged")
	}
}

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "anything"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestServiceIndexesAsync(t *testing.T) {
	idx := NewMemoryIndex()
	svc := NewService(idx, nil, nil)
	svc.IndexMergeRequest(MergeRequestRecord{ID: "mr_9", ResourceID: "res_1", Title: "Merge ontologies", Status: "draft"})
	svc.Wait()

	resp := svc.Search(context.Background(), Query{Text: "ontologies"})
	if resp.Total != 1 {
		t.Fatalf("expected indexed record to be searchable, got %+v", resp)
	}
}

func TestServiceLogsIndexFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	svc := NewService(failingBackend{NewMemoryIndex()}, nil, logger)
	svc.IndexMergeRequest(MergeRequestRecord{ID: "mr_1"})
	svc.Wait()
	entry := hook.LastEntry()
	if entry == nil || entry.Data["merge_request_id"] != "mr_1" {
		t.Fatalf("expected warn log with merge request id, got %+v", entry)
	}
}

func TestMeiliFilters(t *testing.T) {
	filters := meiliFilters(Query{FilterResourceID: "res_1", FilterStatus: "pending"})
	if len(filters) != 2 || filters[0] != `resourceId = "res_1"` || filters[1] != `status = "pending"` {
		t.Fatalf("filters = %v", filters)
	}
	if got := meiliFilters(Query{}); len(got) != 0 {
		t.Fatalf("expected no filters, got %v", got)
	}
}

func TestHitToResultPrefersFormatted(t *testing.T) {
	hit := meili.Hit{
		"id":          []byte(`"mr_1"`),
		"resourceId":  []byte(`"res_1"`),
		"title":       []byte(`"Add Person"`),
		"description": []byte(`"plain"`),
		"status":      []byte(`"pending"`),
		"_formatted":  []byte(`{"title":"Add <mark>Person</mark>"}`),
	}
	got := hitToResult(hit)
	if got.Title != "Add <mark>Person</mark>" || got.Snippet != "plain" || got.ResourceID != "res_1" {
		t.Fatalf("result = %+v", got)
	}
}
