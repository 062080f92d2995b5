package fork

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"offshoot/api/internal/store"
)

type FieldComparison struct {
	Field    Field  `json:"field"`
	Original string `json:"original"`
	Fork     string `json:"fork"`
	Changed  bool   `json:"changed"`
}

type PropertyChange struct {
	Key      string `json:"key"`
	Original string `json:"original,omitempty"`
	Fork     string `json:"fork,omitempty"`
}

type PropertyDiff struct {
	Added   []PropertyChange `json:"added"`
	Removed []PropertyChange `json:"removed"`
	Changed []PropertyChange `json:"changed"`
}

type TermComparison struct {
	Taxonomy string   `json:"taxonomy"`
	Original []string `json:"original"`
	Fork     []string `json:"fork"`
	Changed  bool     `json:"changed"`
}

// Comparison is a side-by-side view of a fork and the current state of its
// original document.
type Comparison struct {
	ForkID     string            `json:"forkId"`
	OriginalID string            `json:"originalId"`
	State      State             `json:"state"`
	Fields     []FieldComparison `json:"fields"`
	HasChanges bool              `json:"hasChanges"`
	Properties PropertyDiff      `json:"properties"`
	Terms      []TermComparison  `json:"terms"`
}

// Comparer builds read-only comparisons.
type Comparer struct {
	repo *Repository
}

func NewComparer(repo *Repository) *Comparer {
	return &Comparer{repo: repo}
}

// Compare diffs the fork against the live original. The base snapshot is
// not consulted: the view shows what a merge would overwrite, not what
// diverged since the fork was made.
func (c *Comparer) Compare(ctx context.Context, forkID string) (Comparison, error) {
	forkDoc, meta, err := c.repo.load(ctx, forkID)
	if err != nil {
		return Comparison{}, err
	}
	original, err := c.repo.docs.GetDocument(ctx, meta.OriginalID)
	if errors.Is(err, store.ErrNotFound) {
		return Comparison{}, fmt.Errorf("%w: %s", ErrOriginalDeleted, meta.OriginalID)
	}
	if err != nil {
		return Comparison{}, storeError("get original", err)
	}

	view := Comparison{
		ForkID:     forkID,
		OriginalID: original.ID,
		State:      State(meta.State),
		Fields:     make([]FieldComparison, 0, len(mergeableFields)),
	}
	originalValues := fieldsOf(original)
	forkValues := fieldsOf(forkDoc)
	for _, field := range mergeableFields {
		item := FieldComparison{
			Field:    field,
			Original: originalValues[field],
			Fork:     forkValues[field],
			Changed:  originalValues[field] != forkValues[field],
		}
		view.HasChanges = view.HasChanges || item.Changed
		view.Fields = append(view.Fields, item)
	}

	originalProps, originalTerms, _, err := c.repo.auxiliaryContent(ctx, original.ID)
	if err != nil {
		return Comparison{}, err
	}
	forkProps, forkTerms, _, err := c.repo.auxiliaryContent(ctx, forkID)
	if err != nil {
		return Comparison{}, err
	}
	view.Properties = c.diffProperties(originalProps, forkProps)
	view.Terms = make([]TermComparison, 0, len(c.repo.opts.Taxonomies))
	for _, taxonomy := range c.repo.opts.Taxonomies {
		view.Terms = append(view.Terms, TermComparison{
			Taxonomy: taxonomy,
			Original: originalTerms[taxonomy],
			Fork:     forkTerms[taxonomy],
			Changed:  !slices.Equal(originalTerms[taxonomy], forkTerms[taxonomy]),
		})
	}
	return view, nil
}

func (c *Comparer) diffProperties(original, fork map[string]string) PropertyDiff {
	diff := PropertyDiff{
		Added:   []PropertyChange{},
		Removed: []PropertyChange{},
		Changed: []PropertyChange{},
	}
	keys := make(map[string]struct{}, len(original)+len(fork))
	for key := range original {
		keys[key] = struct{}{}
	}
	for key := range fork {
		keys[key] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		if !c.repo.reserved(key) {
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		before, inOriginal := original[key]
		after, inFork := fork[key]
		switch {
		case inOriginal && !inFork:
			diff.Removed = append(diff.Removed, PropertyChange{Key: key, Original: before})
		case !inOriginal && inFork:
			diff.Added = append(diff.Added, PropertyChange{Key: key, Fork: after})
		case before != after:
			diff.Changed = append(diff.Changed, PropertyChange{Key: key, Original: before, Fork: after})
		}
	}
	return diff
}
