package fork

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"offshoot/api/internal/store"
	"offshoot/api/internal/util"
)

// Repository creates forks and owns their state transitions.
type Repository struct {
	docs  DocumentStore
	forks ForkStore
	opts  Options
}

func NewRepository(docs DocumentStore, forks ForkStore, opts Options) *Repository {
	return &Repository{docs: docs, forks: forks, opts: opts.withDefaults()}
}

// Create makes a draft fork of the document originalID. The fork starts with
// the original's mergeable fields, a snapshot of the same values, its
// non-reserved properties, its terms in every configured taxonomy and its
// primary image.
func (r *Repository) Create(ctx context.Context, originalID string, actor Actor) (Fork, error) {
	original, err := r.docs.GetDocument(ctx, originalID)
	if errors.Is(err, store.ErrNotFound) {
		return Fork{}, fmt.Errorf("%w: document %s", ErrNotFound, originalID)
	}
	if err != nil {
		return Fork{}, storeError("get original", err)
	}
	if original.Kind == store.KindFork {
		return Fork{}, fmt.Errorf("%w: %s is itself a fork", ErrInvalidOriginal, originalID)
	}
	if !r.forkable(original.Kind) {
		return Fork{}, fmt.Errorf("%w: kind %q cannot be forked", ErrInvalidOriginal, original.Kind)
	}

	now := r.opts.Clock()
	snapshot := TakeSnapshot(original)
	doc := store.Document{
		ID:        util.NewID("fork"),
		Kind:      store.KindFork,
		Title:     original.Title,
		Content:   original.Content,
		Excerpt:   original.Excerpt,
		Status:    store.StatusDraft,
		AuthorID:  actor.ID,
		UpdatedBy: actor.label(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	meta := store.Fork{
		ID:           doc.ID,
		OriginalID:   original.ID,
		OriginalKind: original.Kind,
		State:        store.ForkStateDraft,
		AuthorID:     actor.ID,
		AuthorName:   actor.Name,
		AuthorEmail:  actor.Email,
		BaseSnapshot: snapshot.toStore(),
		CreatedAt:    now,
	}
	if err := r.forks.InsertFork(ctx, doc, meta); err != nil {
		return Fork{}, storeError("insert fork", err)
	}

	if err := r.copyAuxiliary(ctx, original.ID, doc.ID); err != nil {
		if cleanupErr := r.forks.DeleteFork(ctx, doc.ID); cleanupErr != nil {
			r.opts.Logger.Warn("fork cleanup failed", "fork_id", doc.ID, "error", cleanupErr)
		}
		return Fork{}, err
	}

	if r.opts.Indexer != nil {
		if err := r.opts.Indexer.IndexFork(ctx, doc, meta); err != nil {
			r.opts.Logger.Warn("fork index failed", "fork_id", doc.ID, "error", err)
		}
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.ForkCreated()
	}
	r.opts.Logger.Info("fork created", "fork_id", doc.ID, "original_id", original.ID, "actor", actor.label())

	return toFork(doc, meta), nil
}

func (r *Repository) copyAuxiliary(ctx context.Context, fromID, toID string) error {
	props, err := r.docs.GetProperties(ctx, fromID)
	if err != nil {
		return storeError("get properties", err)
	}
	for _, key := range store.SortedKeys(props) {
		if r.reserved(key) {
			continue
		}
		if err := r.docs.SetProperty(ctx, toID, key, props[key]); err != nil {
			return storeError("copy property "+key, err)
		}
	}

	for _, taxonomy := range r.opts.Taxonomies {
		terms, err := r.docs.GetTerms(ctx, fromID, taxonomy)
		if err != nil {
			return storeError("get terms "+taxonomy, err)
		}
		if len(terms) == 0 {
			continue
		}
		if err := r.docs.SetTerms(ctx, toID, taxonomy, terms); err != nil {
			return storeError("copy terms "+taxonomy, err)
		}
	}

	image, err := r.docs.GetPrimaryImage(ctx, fromID)
	if err != nil {
		return storeError("get primary image", err)
	}
	if image != "" {
		if err := r.docs.SetPrimaryImage(ctx, toID, image); err != nil {
			return storeError("copy primary image", err)
		}
	}
	return nil
}

func (r *Repository) forkable(kind string) bool {
	return len(r.opts.ForkableKinds) == 0 || slices.Contains(r.opts.ForkableKinds, kind)
}

// reserved reports whether a property is private to its document. The
// primary image property is never reserved.
func (r *Repository) reserved(key string) bool {
	return key != store.PrimaryImageKey && strings.HasPrefix(key, r.opts.ReservedPrefix)
}

func (r *Repository) Get(ctx context.Context, forkID string) (Fork, error) {
	doc, meta, err := r.load(ctx, forkID)
	if err != nil {
		return Fork{}, err
	}
	return toFork(doc, meta), nil
}

// load reads a fork document and its metadata. Anything that is not a fork
// is reported as ErrNotFound.
func (r *Repository) load(ctx context.Context, forkID string) (store.Document, store.Fork, error) {
	meta, err := r.forks.GetFork(ctx, forkID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, store.Fork{}, fmt.Errorf("%w: fork %s", ErrNotFound, forkID)
	}
	if err != nil {
		return store.Document{}, store.Fork{}, storeError("get fork", err)
	}
	doc, err := r.docs.GetDocument(ctx, forkID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, store.Fork{}, fmt.Errorf("%w: fork %s", ErrNotFound, forkID)
	}
	if err != nil {
		return store.Document{}, store.Fork{}, storeError("get fork document", err)
	}
	if doc.Kind != store.KindFork {
		return store.Document{}, store.Fork{}, fmt.Errorf("%w: %s is not a fork", ErrNotFound, forkID)
	}
	return doc, meta, nil
}

// List returns the forks of originalID, newest first.
func (r *Repository) List(ctx context.Context, originalID string) ([]Fork, error) {
	metas, err := r.forks.ListForks(ctx, originalID)
	if err != nil {
		return nil, storeError("list forks", err)
	}
	items := make([]Fork, 0, len(metas))
	for _, meta := range metas {
		doc, err := r.docs.GetDocument(ctx, meta.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeError("get fork document", err)
		}
		items = append(items, toFork(doc, meta))
	}
	return items, nil
}

func (r *Repository) Count(ctx context.Context, originalID string) (int, error) {
	count, err := r.forks.CountForks(ctx, originalID)
	if err != nil {
		return 0, storeError("count forks", err)
	}
	return count, nil
}

// mergeLease bounds how long a crashed merge can hold a fork.
const mergeLease = 10 * time.Minute

// claim reserves a draft fork for one merge. Another merge holding the fork,
// or a fork already merged, yields ErrAlreadyMerged.
func (r *Repository) claim(ctx context.Context, forkID string) error {
	now := r.opts.Clock()
	ok, err := r.forks.ClaimForkMerge(ctx, forkID, now, now.Add(-mergeLease))
	if err != nil {
		return storeError("claim fork", err)
	}
	if !ok {
		return fmt.Errorf("%w: fork %s is being merged", ErrAlreadyMerged, forkID)
	}
	return nil
}

// release gives up a claim on a fork that did not reach merged.
func (r *Repository) release(ctx context.Context, forkID string) {
	if err := r.forks.ReleaseForkMerge(context.WithoutCancel(ctx), forkID); err != nil {
		r.opts.Logger.Warn("fork release failed", "fork_id", forkID, "error", err)
	}
}

// retired reports whether forkID names a merged fork whose document is gone.
func (r *Repository) retired(ctx context.Context, forkID string) bool {
	meta, err := r.forks.GetFork(ctx, forkID)
	return err == nil && meta.State == store.ForkStateMerged
}

// transitionToMerged moves a draft fork to merged. Losing a race against
// another merge yields ErrAlreadyMerged.
func (r *Repository) transitionToMerged(ctx context.Context, forkID, mergedBy string) error {
	ok, err := r.forks.MarkForkMerged(ctx, forkID, mergedBy, r.opts.Clock())
	if err != nil {
		return storeError("mark merged", err)
	}
	if !ok {
		return fmt.Errorf("%w: fork %s", ErrAlreadyMerged, forkID)
	}
	return nil
}

func (r *Repository) dispose(ctx context.Context, forkID string) error {
	switch r.opts.Disposal {
	case DisposeDelete:
		if err := r.forks.RetireFork(ctx, forkID); err != nil {
			return storeError("retire fork", err)
		}
		if r.opts.Indexer != nil {
			if err := r.opts.Indexer.RemoveFork(ctx, forkID); err != nil {
				r.opts.Logger.Warn("fork unindex failed", "fork_id", forkID, "error", err)
			}
		}
		return nil
	default:
		if err := r.forks.LockFork(ctx, forkID, r.opts.Clock()); err != nil {
			return storeError("lock fork", err)
		}
		return nil
	}
}

// reindex refreshes the search entry of a fork that still exists.
func (r *Repository) reindex(ctx context.Context, forkID string) {
	if r.opts.Indexer == nil || r.opts.Disposal == DisposeDelete {
		return
	}
	doc, meta, err := r.load(ctx, forkID)
	if err == nil {
		err = r.opts.Indexer.IndexFork(ctx, doc, meta)
	}
	if err != nil {
		r.opts.Logger.Warn("fork reindex failed", "fork_id", forkID, "error", err)
	}
}

func (r *Repository) auxiliaryContent(ctx context.Context, documentID string) (map[string]string, map[string][]string, string, error) {
	props, err := r.docs.GetProperties(ctx, documentID)
	if err != nil {
		return nil, nil, "", storeError("get properties", err)
	}
	terms := make(map[string][]string, len(r.opts.Taxonomies))
	for _, taxonomy := range r.opts.Taxonomies {
		items, err := r.docs.GetTerms(ctx, documentID, taxonomy)
		if err != nil {
			return nil, nil, "", storeError("get terms "+taxonomy, err)
		}
		sort.Strings(items)
		terms[taxonomy] = items
	}
	image, err := r.docs.GetPrimaryImage(ctx, documentID)
	if err != nil {
		return nil, nil, "", storeError("get primary image", err)
	}
	return props, terms, image, nil
}

func toFork(doc store.Document, meta store.Fork) Fork {
	return Fork{
		ID:           doc.ID,
		OriginalID:   meta.OriginalID,
		OriginalKind: meta.OriginalKind,
		State:        State(meta.State),
		Status:       doc.Status,
		Title:        doc.Title,
		Content:      doc.Content,
		Excerpt:      doc.Excerpt,
		AuthorID:     meta.AuthorID,
		AuthorName:   meta.AuthorName,
		Base:         snapshotFromStore(meta.BaseSnapshot),
		CreatedAt:    meta.CreatedAt,
		MergedAt:     meta.MergedAt,
		MergedBy:     meta.MergedBy,
		LockedAt:     meta.LockedAt,
	}
}
