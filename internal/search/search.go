package search

import (
	"context"

	"offshoot/api/internal/store"
)

// Result is a single fork search hit.
type Result struct {
	ForkID     string `json:"forkId"`
	OriginalID string `json:"originalId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	State      string `json:"state"`
	AuthorName string `json:"authorName,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	OriginalID string // empty = forks of every document
	State      string // empty = any state
	Limit      int
	Offset     int
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

// Index is a Searcher that can also be written to.
type Index interface {
	Searcher
	IndexFork(rec ForkRecord) error
	IndexForks(recs []ForkRecord) error
	DeleteFork(id string) error
}

// ForkRecord is the data we index for a fork.
type ForkRecord struct {
	ID         string `json:"id"`
	OriginalID string `json:"originalId"`
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt"`
	Content    string `json:"content"`
	State      string `json:"state"`
	AuthorName string `json:"authorName"`
	CreatedAt  int64  `json:"createdAt"`
}

func RecordFromFork(doc store.Document, fork store.Fork) ForkRecord {
	return ForkRecord{
		ID:         fork.ID,
		OriginalID: fork.OriginalID,
		Title:      doc.Title,
		Excerpt:    doc.Excerpt,
		Content:    doc.Content,
		State:      fork.State,
		AuthorName: fork.AuthorName,
		CreatedAt:  fork.CreatedAt.Unix(),
	}
}
