package store

import (
	"errors"
	"time"
)

// KindFork tags documents that are working copies of another document.
const KindFork = "fork"

// PrimaryImageKey is the property holding a document's primary image reference.
const PrimaryImageKey = "_primary_image"

const (
	ForkStateDraft  = "draft"
	ForkStateMerged = "merged"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusLocked    = "locked"
)

var ErrNotFound = errors.New("store: not found")

type Document struct {
	ID        string
	Kind      string
	Title     string
	Content   string
	Excerpt   string
	Status    string
	AuthorID  string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentFields is the mergeable part of a document.
type DocumentFields struct {
	Title   string
	Content string
	Excerpt string
}

func (d Document) Fields() DocumentFields {
	return DocumentFields{Title: d.Title, Content: d.Content, Excerpt: d.Excerpt}
}

type Fork struct {
	ID           string
	OriginalID   string
	OriginalKind string
	State        string
	AuthorID     string
	AuthorName   string
	AuthorEmail  string
	BaseSnapshot map[string]string
	CreatedAt    time.Time
	MergedAt     *time.Time
	MergedBy     string
	LockedAt     *time.Time
	// MergeClaimedAt is set while a merge holds the fork.
	MergeClaimedAt *time.Time
}

type AuditNote struct {
	ID         int64
	DocumentID string
	Author     string
	Body       string
	CreatedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
