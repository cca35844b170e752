package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is a substring-matching Backend for development and tests.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]MergeRequestRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: map[string]MergeRequestRecord{}}
}

func (m *MemoryIndex) Healthy() bool { return true }

func (m *MemoryIndex) IndexMergeRequest(record MergeRequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record
	return nil
}

func (m *MemoryIndex) IndexMergeRequests(records []MergeRequestRecord) error {
	for _, record := range records {
		if err := m.IndexMergeRequest(record); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	m.mu.RLock()
	matches := make([]Result, 0)
	for _, record := range m.records {
		if q.FilterResourceID != "" && record.ResourceID != q.FilterResourceID {
			continue
		}
		if q.FilterStatus != "" && record.Status != q.FilterStatus {
			continue
		}
		if !strings.Contains(strings.ToLower(record.Title), needle) &&
			!strings.Contains(strings.ToLower(record.Description), needle) {
			continue
		}
		matches = append(matches, Result{
			ID:          record.ID,
			ResourceID:  record.ResourceID,
			Title:       record.Title,
			Snippet:     record.Description,
			Status:      record.Status,
			SubmitterID: record.SubmitterID,
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	total := len(matches)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}
