package fork

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Actor is the user on whose behalf an operation runs.
type Actor struct {
	ID    string
	Name  string
	Email string
}

func (a Actor) label() string {
	if a.Name != "" {
		return a.Name
	}
	if a.ID != "" {
		return a.ID
	}
	return "unknown"
}

type State string

const (
	StateDraft  State = "draft"
	StateMerged State = "merged"
)

// Disposal is what happens to a fork after it has been merged.
type Disposal string

const (
	DisposeLock   Disposal = "lock"
	DisposeDelete Disposal = "delete"
)

func ParseDisposal(raw string) (Disposal, error) {
	switch Disposal(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DisposeLock:
		return DisposeLock, nil
	case DisposeDelete:
		return DisposeDelete, nil
	default:
		return "", fmt.Errorf("unknown disposal policy %q", raw)
	}
}

// Fork is a fork document together with its lifecycle metadata.
type Fork struct {
	ID           string     `json:"id"`
	OriginalID   string     `json:"originalId"`
	OriginalKind string     `json:"originalKind"`
	State        State      `json:"state"`
	Status       string     `json:"status"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Excerpt      string     `json:"excerpt"`
	AuthorID     string     `json:"authorId,omitempty"`
	AuthorName   string     `json:"authorName,omitempty"`
	Base         Snapshot   `json:"baseSnapshot"`
	CreatedAt    time.Time  `json:"createdAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	MergedBy     string     `json:"mergedBy,omitempty"`
	LockedAt     *time.Time `json:"lockedAt,omitempty"`
}

type Options struct {
	// Taxonomies lists the taxonomies whose term assignments travel with a
	// fork.
	Taxonomies []string
	// ReservedPrefix marks private properties that are not copied or merged.
	// Defaults to "_".
	ReservedPrefix string
	// ForkableKinds limits which document kinds may be forked. Empty allows
	// every kind except fork.
	ForkableKinds []string
	Disposal      Disposal
	// PublicURL prefixes the view link returned from a merge.
	PublicURL string
	Logger    *slog.Logger
	Indexer   Indexer
	Notifier  Notifier
	Recorder  Recorder
	Clock     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReservedPrefix == "" {
		o.ReservedPrefix = "_"
	}
	if o.Disposal == "" {
		o.Disposal = DisposeLock
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	o.PublicURL = strings.TrimRight(o.PublicURL, "/")
	return o
}
