package search

import (
	"context"
	"log/slog"

	"offshoot/api/internal/store"
)

// Loader reads every fork from the system of record.
type Loader interface {
	LoadAllForks(ctx context.Context) ([]ForkRecord, error)
}

// Service is the facade that tries the index first and falls back to the
// secondary searcher. Either may be nil.
type Service struct {
	index    Index
	fallback Searcher
	loader   Loader
	logger   *slog.Logger
}

func NewService(index Index, fallback Searcher, loader Loader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{index: index, fallback: fallback, loader: loader, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search index error, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexFork pushes the current state of a fork to the index.
func (s *Service) IndexFork(_ context.Context, doc store.Document, fork store.Fork) error {
	if !s.indexReady() {
		return nil
	}
	return s.index.IndexFork(RecordFromFork(doc, fork))
}

func (s *Service) RemoveFork(_ context.Context, forkID string) error {
	if !s.indexReady() {
		return nil
	}
	return s.index.DeleteFork(forkID)
}

// Reindex loads every fork and pushes it to the index. It returns the number
// of records sent.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.indexReady() || s.loader == nil {
		return 0, nil
	}
	records, err := s.loader.LoadAllForks(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.index.IndexForks(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
