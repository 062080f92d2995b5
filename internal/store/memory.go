package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents and forks in process memory. It backs the
// `memory` store driver and tests; nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	documents  map[string]Document
	properties map[string]map[string]string
	terms      map[string]map[string][]string
	forks      map[string]Fork
	notes      []AuditNote
	nextNoteID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        func() time.Time { return time.Now().UTC() },
		documents:  make(map[string]Document),
		properties: make(map[string]map[string]string),
		terms:      make(map[string]map[string][]string),
		forks:      make(map[string]Fork),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, kind string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Document, 0)
	for _, doc := range s.documents {
		if doc.Kind == kind {
			items = append(items, doc)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, item Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertDocumentLocked(item)
	return nil
}

func (s *MemoryStore) insertDocumentLocked(item Document) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	s.documents[item.ID] = item
}

func (s *MemoryStore) UpdateDocumentFields(_ context.Context, documentID string, fields DocumentFields, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return ErrNotFound
	}
	doc.Title = fields.Title
	doc.Content = fields.Content
	doc.Excerpt = fields.Excerpt
	doc.UpdatedBy = updatedBy
	doc.UpdatedAt = s.now()
	s.documents[documentID] = doc
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return ErrNotFound
	}
	s.deleteDocumentLocked(documentID)
	return nil
}

func (s *MemoryStore) deleteDocumentLocked(documentID string) {
	delete(s.documents, documentID)
	delete(s.properties, documentID)
	delete(s.terms, documentID)
}

func (s *MemoryStore) GetProperties(_ context.Context, documentID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	props := make(map[string]string, len(s.properties[documentID]))
	for key, value := range s.properties[documentID] {
		props[key] = value
	}
	return props, nil
}

func (s *MemoryStore) SetProperty(_ context.Context, documentID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, ok := s.properties[documentID]
	if !ok {
		props = make(map[string]string)
		s.properties[documentID] = props
	}
	props[key] = value
	return nil
}

func (s *MemoryStore) DeleteProperty(_ context.Context, documentID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.properties[documentID], key)
	return nil
}

func (s *MemoryStore) GetPrimaryImage(_ context.Context, documentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.properties[documentID][PrimaryImageKey], nil
}

func (s *MemoryStore) SetPrimaryImage(ctx context.Context, documentID, imageID string) error {
	return s.SetProperty(ctx, documentID, PrimaryImageKey, imageID)
}

func (s *MemoryStore) GetTerms(_ context.Context, documentID, taxonomy string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	terms := append([]string{}, s.terms[documentID][taxonomy]...)
	sort.Strings(terms)
	return terms, nil
}

func (s *MemoryStore) SetTerms(_ context.Context, documentID, taxonomy string, terms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTaxonomy, ok := s.terms[documentID]
	if !ok {
		byTaxonomy = make(map[string][]string)
		s.terms[documentID] = byTaxonomy
	}
	seen := make(map[string]struct{}, len(terms))
	unique := make([]string, 0, len(terms))
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		unique = append(unique, term)
	}
	byTaxonomy[taxonomy] = unique
	return nil
}

func (s *MemoryStore) AddAuditNote(_ context.Context, note AuditNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNoteID++
	note.ID = s.nextNoteID
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	s.notes = append(s.notes, note)
	return nil
}

func (s *MemoryStore) ListAuditNotes(_ context.Context, documentID string, limit int) ([]AuditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	items := make([]AuditNote, 0)
	for i := len(s.notes) - 1; i >= 0 && len(items) < limit; i-- {
		if s.notes[i].DocumentID == documentID {
			items = append(items, s.notes[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) InsertFork(_ context.Context, doc Document, fork Fork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertDocumentLocked(doc)
	fork.BaseSnapshot = copyStrings(fork.BaseSnapshot)
	s.forks[fork.ID] = fork
	return nil
}

func (s *MemoryStore) GetFork(_ context.Context, forkID string) (Fork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fork, ok := s.forks[forkID]
	if !ok {
		return Fork{}, ErrNotFound
	}
	fork.BaseSnapshot = copyStrings(fork.BaseSnapshot)
	return fork, nil
}

func (s *MemoryStore) ListForks(_ context.Context, originalID string) ([]Fork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Fork, 0)
	for _, fork := range s.forks {
		if fork.OriginalID == originalID {
			fork.BaseSnapshot = copyStrings(fork.BaseSnapshot)
			items = append(items, fork)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// CountForks counts the forks of originalID whose document still exists.
func (s *MemoryStore) CountForks(ctx context.Context, originalID string) (int, error) {
	items, err := s.ListForks(ctx, originalID)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, item := range items {
		if _, ok := s.documents[item.ID]; ok {
			count++
		}
	}
	return count, nil
}

// ClaimForkMerge marks a draft fork as held by a merge. A claim older than
// staleBefore is treated as abandoned.
func (s *MemoryStore) ClaimForkMerge(_ context.Context, forkID string, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fork, ok := s.forks[forkID]
	if !ok {
		return false, ErrNotFound
	}
	if fork.State != ForkStateDraft {
		return false, nil
	}
	if fork.MergeClaimedAt != nil && !fork.MergeClaimedAt.Before(staleBefore) {
		return false, nil
	}
	fork.MergeClaimedAt = &at
	s.forks[forkID] = fork
	return true, nil
}

func (s *MemoryStore) ReleaseForkMerge(_ context.Context, forkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fork, ok := s.forks[forkID]
	if !ok {
		return ErrNotFound
	}
	if fork.State == ForkStateDraft {
		fork.MergeClaimedAt = nil
		s.forks[forkID] = fork
	}
	return nil
}

func (s *MemoryStore) MarkForkMerged(_ context.Context, forkID, mergedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fork, ok := s.forks[forkID]
	if !ok {
		return false, ErrNotFound
	}
	if fork.State != ForkStateDraft {
		return false, nil
	}
	fork.State = ForkStateMerged
	fork.MergedAt = &at
	fork.MergedBy = mergedBy
	s.forks[forkID] = fork
	return true, nil
}

func (s *MemoryStore) LockFork(_ context.Context, forkID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fork, ok := s.forks[forkID]
	if !ok {
		return ErrNotFound
	}
	fork.LockedAt = &at
	s.forks[forkID] = fork
	if doc, ok := s.documents[forkID]; ok {
		doc.Status = StatusLocked
		doc.UpdatedAt = s.now()
		s.documents[forkID] = doc
	}
	return nil
}

// DeleteFork removes a fork document together with its metadata.
func (s *MemoryStore) DeleteFork(_ context.Context, forkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[forkID]
	if !ok || doc.Kind != KindFork {
		return ErrNotFound
	}
	s.deleteDocumentLocked(forkID)
	delete(s.forks, forkID)
	return nil
}

// RetireFork removes the document of a merged fork and keeps its metadata.
func (s *MemoryStore) RetireFork(_ context.Context, forkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[forkID]
	if !ok || doc.Kind != KindFork {
		return ErrNotFound
	}
	if fork, ok := s.forks[forkID]; !ok || fork.State != ForkStateMerged {
		return ErrNotFound
	}
	s.deleteDocumentLocked(forkID)
	return nil
}

func copyStrings(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
