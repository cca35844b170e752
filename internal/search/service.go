package search

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Backend is a searchable index that can also be written to.
type Backend interface {
	Searcher
	Indexer
}

// Service is the facade that tries the primary backend first and falls back
// to a read-only searcher (Postgres FTS in production).
type Service struct {
	primary  Backend
	fallback Searcher
	log      logrus.FieldLogger
	wg       sync.WaitGroup
}

// NewService creates a search service. primary and fallback may each be nil.
func NewService(primary Backend, fallback Searcher, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{primary: primary, fallback: fallback, log: log.WithField("component", "search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("primary search failed, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Warn("fallback search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMergeRequest indexes a merge request (fire-and-forget).
func (s *Service) IndexMergeRequest(record MergeRequestRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.IndexMergeRequest(record); err != nil {
			s.log.WithError(err).WithField("merge_request_id", record.ID).Warn("index merge request")
		}
	}()
}

// Healthy reports whether the primary backend, if configured, is reachable.
func (s *Service) Healthy() bool {
	return s.primary == nil || s.primary.Healthy()
}

// Wait blocks until pending index writes have been attempted.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ReindexAll pushes records to the primary backend.
func (s *Service) ReindexAll(records []MergeRequestRecord) {
	if s.primary == nil || !s.primary.Healthy() || len(records) == 0 {
		return
	}
	if err := s.primary.IndexMergeRequests(records); err != nil {
		s.log.WithError(err).Warn("reindex merge requests")
	}
}

// ReindexAllFromPG reindexes every merge request stored in PostgreSQL.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if pg == nil || s.primary == nil || !s.primary.Healthy() {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	s.ReindexAll(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
