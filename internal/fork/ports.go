package fork

import (
	"context"
	"time"

	"offshoot/api/internal/gitrepo"
	"offshoot/api/internal/store"
)

// DocumentStore is the slice of the host document store the core reads and
// writes. Documents are never created or deleted through it.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	UpdateDocumentFields(ctx context.Context, documentID string, fields store.DocumentFields, updatedBy string) error
	GetProperties(ctx context.Context, documentID string) (map[string]string, error)
	SetProperty(ctx context.Context, documentID, key, value string) error
	DeleteProperty(ctx context.Context, documentID, key string) error
	GetTerms(ctx context.Context, documentID, taxonomy string) ([]string, error)
	SetTerms(ctx context.Context, documentID, taxonomy string, terms []string) error
	GetPrimaryImage(ctx context.Context, documentID string) (string, error)
	SetPrimaryImage(ctx context.Context, documentID, imageID string) error
	AddAuditNote(ctx context.Context, note store.AuditNote) error
}

// ForkStore persists fork documents and their metadata. ClaimForkMerge and
// MarkForkMerged must each be a single conditional update: they report false
// when the fork was no longer an unclaimed draft or a draft respectively.
// RetireFork drops a merged fork's document and keeps its metadata.
type ForkStore interface {
	InsertFork(ctx context.Context, doc store.Document, fork store.Fork) error
	GetFork(ctx context.Context, forkID string) (store.Fork, error)
	ListForks(ctx context.Context, originalID string) ([]store.Fork, error)
	CountForks(ctx context.Context, originalID string) (int, error)
	ClaimForkMerge(ctx context.Context, forkID string, at, staleBefore time.Time) (bool, error)
	ReleaseForkMerge(ctx context.Context, forkID string) error
	MarkForkMerged(ctx context.Context, forkID, mergedBy string, at time.Time) (bool, error)
	LockFork(ctx context.Context, forkID string, at time.Time) error
	RetireFork(ctx context.Context, forkID string) error
	DeleteFork(ctx context.Context, forkID string) error
}

// Revisions records a recoverable copy of a document before it is mutated.
type Revisions interface {
	SnapshotRevision(documentID string, content gitrepo.Content, author, message string) (store.CommitInfo, error)
}

// Indexer keeps an external fork search index in sync.
type Indexer interface {
	IndexFork(ctx context.Context, doc store.Document, fork store.Fork) error
	RemoveFork(ctx context.Context, forkID string) error
}

// Notifier tells a fork's author that their fork was merged.
type Notifier interface {
	NotifyMerged(ctx context.Context, notice MergeNotice) error
}

// Recorder receives lifecycle events for metrics.
type Recorder interface {
	ForkCreated()
	MergeCompleted(conflicts int, elapsed time.Duration)
	MergeFailed(reason string)
}

type MergeNotice struct {
	ForkID        string
	ForkTitle     string
	DocumentID    string
	DocumentTitle string
	AuthorName    string
	AuthorEmail   string
	MergedBy      string
	ViewURL       string
	Conflicts     []Conflict
}
