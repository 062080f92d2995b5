package fork

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"offshoot/api/internal/gitrepo"
	"offshoot/api/internal/store"
)

type MergeResult struct {
	Success      bool                 `json:"success"`
	Conflicts    []Conflict           `json:"conflicts"`
	HasConflicts bool                 `json:"hasConflicts"`
	DocumentID   string               `json:"documentId"`
	ViewURL      string               `json:"viewUrl"`
	MergedFields map[Field]Resolution `json:"mergedFields"`
	Revision     string               `json:"revision,omitempty"`
}

// Engine merges forks back into their original documents.
type Engine struct {
	repo      *Repository
	revisions Revisions
}

// NewEngine builds an Engine. Without revisions no backup is taken before a
// merge.
func NewEngine(repo *Repository, revisions Revisions) *Engine {
	return &Engine{repo: repo, revisions: revisions}
}

// Merge applies the fork forkID to the document originalID on behalf of
// actor. Conflicts do not fail the merge; they are reported in the result.
//
// The fork is claimed before anything is written, so concurrent merges of
// the same fork apply it once. The writes after the document update are not
// transactional. A failure there is returned as a *StoreError and leaves the
// document partially merged while the fork is released as a draft.
func (e *Engine) Merge(ctx context.Context, forkID, originalID string, actor Actor) (MergeResult, error) {
	started := e.repo.opts.Clock()
	result, err := e.merge(ctx, forkID, originalID, actor)
	if recorder := e.repo.opts.Recorder; recorder != nil {
		if err != nil {
			recorder.MergeFailed(failureReason(err))
		} else {
			recorder.MergeCompleted(len(result.Conflicts), e.repo.opts.Clock().Sub(started))
		}
	}
	return result, err
}

func (e *Engine) merge(ctx context.Context, forkID, originalID string, actor Actor) (MergeResult, error) {
	docs := e.repo.docs
	log := e.repo.opts.Logger

	forkDoc, meta, err := e.repo.load(ctx, forkID)
	if errors.Is(err, ErrNotFound) {
		if e.repo.retired(ctx, forkID) {
			return MergeResult{}, fmt.Errorf("%w: fork %s", ErrAlreadyMerged, forkID)
		}
		return MergeResult{}, fmt.Errorf("%w: %s", ErrInvalidFork, forkID)
	}
	if err != nil {
		return MergeResult{}, err
	}
	original, err := docs.GetDocument(ctx, originalID)
	if errors.Is(err, store.ErrNotFound) {
		return MergeResult{}, fmt.Errorf("%w: document %s", ErrInvalidOriginal, originalID)
	}
	if err != nil {
		return MergeResult{}, storeError("get original", err)
	}
	if original.Kind == store.KindFork {
		return MergeResult{}, fmt.Errorf("%w: %s is a fork", ErrInvalidOriginal, originalID)
	}
	if meta.OriginalID != originalID {
		return MergeResult{}, fmt.Errorf("%w: fork %s was made from %s", ErrMismatch, forkID, meta.OriginalID)
	}
	if meta.State == store.ForkStateMerged {
		return MergeResult{}, fmt.Errorf("%w: fork %s", ErrAlreadyMerged, forkID)
	}

	if err := e.repo.claim(ctx, forkID); err != nil {
		return MergeResult{}, err
	}
	merged := false
	defer func() {
		if !merged {
			e.repo.release(ctx, forkID)
		}
	}()

	revision, err := e.backup(ctx, original, forkID, actor)
	if err != nil {
		return MergeResult{}, err
	}

	outcome := ThreeWay(snapshotFromStore(meta.BaseSnapshot), fieldsOf(original), fieldsOf(forkDoc))

	if err := docs.UpdateDocumentFields(ctx, originalID, documentFields(outcome.Values), actor.label()); err != nil {
		return MergeResult{}, storeError("update document", err)
	}
	if err := e.replaceProperties(ctx, forkID, originalID); err != nil {
		return MergeResult{}, err
	}
	if err := e.replaceTerms(ctx, forkID, originalID); err != nil {
		return MergeResult{}, err
	}
	image, err := docs.GetPrimaryImage(ctx, forkID)
	if err != nil {
		return MergeResult{}, storeError("get fork primary image", err)
	}
	if image != "" {
		if err := docs.SetPrimaryImage(ctx, originalID, image); err != nil {
			return MergeResult{}, storeError("set primary image", err)
		}
	}

	if err := e.repo.transitionToMerged(ctx, forkID, actor.label()); err != nil {
		return MergeResult{}, err
	}
	merged = true
	if err := e.repo.dispose(ctx, forkID); err != nil {
		return MergeResult{}, err
	}

	note := store.AuditNote{
		DocumentID: originalID,
		Author:     actor.label(),
		Body:       auditBody(forkID, forkDoc.Title, actor, outcome.Conflicts),
		CreatedAt:  e.repo.opts.Clock(),
	}
	if err := docs.AddAuditNote(ctx, note); err != nil {
		return MergeResult{}, storeError("add audit note", err)
	}

	result := MergeResult{
		Success:      true,
		Conflicts:    outcome.Conflicts,
		HasConflicts: len(outcome.Conflicts) > 0,
		DocumentID:   originalID,
		ViewURL:      e.viewURL(originalID),
		MergedFields: outcome.Resolutions,
		Revision:     revision,
	}

	e.repo.reindex(ctx, forkID)
	e.notify(ctx, forkDoc, meta, outcome.Values[FieldTitle], actor, result)
	log.Info("fork merged",
		"fork_id", forkID,
		"original_id", originalID,
		"actor", actor.label(),
		"conflicts", len(outcome.Conflicts),
	)
	return result, nil
}

func (e *Engine) backup(ctx context.Context, original store.Document, forkID string, actor Actor) (string, error) {
	if e.revisions == nil {
		return "", nil
	}
	props, terms, image, err := e.repo.auxiliaryContent(ctx, original.ID)
	if err != nil {
		return "", err
	}
	content := gitrepo.Content{
		Title:        original.Title,
		Content:      original.Content,
		Excerpt:      original.Excerpt,
		Properties:   props,
		Terms:        terms,
		PrimaryImage: image,
	}
	commit, err := e.revisions.SnapshotRevision(original.ID, content, actor.label(), "Before merging fork "+forkID)
	if err != nil {
		return "", storeError("backup revision", err)
	}
	return commit.Hash, nil
}

// replaceProperties makes the document's non-reserved properties equal to
// the fork's. Properties present only on the document are removed.
func (e *Engine) replaceProperties(ctx context.Context, forkID, originalID string) error {
	docs := e.repo.docs
	current, err := docs.GetProperties(ctx, originalID)
	if err != nil {
		return storeError("get properties", err)
	}
	incoming, err := docs.GetProperties(ctx, forkID)
	if err != nil {
		return storeError("get fork properties", err)
	}
	for _, key := range store.SortedKeys(current) {
		if e.mergeReserved(key) {
			continue
		}
		if err := docs.DeleteProperty(ctx, originalID, key); err != nil {
			return storeError("delete property "+key, err)
		}
	}
	for _, key := range store.SortedKeys(incoming) {
		if e.mergeReserved(key) {
			continue
		}
		if err := docs.SetProperty(ctx, originalID, key, incoming[key]); err != nil {
			return storeError("set property "+key, err)
		}
	}
	return nil
}

// mergeReserved leaves the primary image to its own merge step.
func (e *Engine) mergeReserved(key string) bool {
	return key == store.PrimaryImageKey || e.repo.reserved(key)
}

func (e *Engine) replaceTerms(ctx context.Context, forkID, originalID string) error {
	docs := e.repo.docs
	for _, taxonomy := range e.repo.opts.Taxonomies {
		terms, err := docs.GetTerms(ctx, forkID, taxonomy)
		if err != nil {
			return storeError("get fork terms "+taxonomy, err)
		}
		if err := docs.SetTerms(ctx, originalID, taxonomy, terms); err != nil {
			return storeError("set terms "+taxonomy, err)
		}
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, forkDoc store.Document, meta store.Fork, documentTitle string, actor Actor, result MergeResult) {
	notifier := e.repo.opts.Notifier
	if notifier == nil || meta.AuthorEmail == "" || meta.AuthorID == actor.ID {
		return
	}
	notice := MergeNotice{
		ForkID:        forkDoc.ID,
		ForkTitle:     forkDoc.Title,
		DocumentID:    result.DocumentID,
		DocumentTitle: documentTitle,
		AuthorName:    meta.AuthorName,
		AuthorEmail:   meta.AuthorEmail,
		MergedBy:      actor.label(),
		ViewURL:       result.ViewURL,
		Conflicts:     result.Conflicts,
	}
	if err := notifier.NotifyMerged(ctx, notice); err != nil {
		e.repo.opts.Logger.Warn("merge notification failed", "fork_id", forkDoc.ID, "error", err)
	}
}

func (e *Engine) viewURL(documentID string) string {
	return e.repo.opts.PublicURL + "/documents/" + documentID
}

func auditBody(forkID, forkTitle string, actor Actor, conflicts []Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s merged fork %q (%s) into this document.", actor.label(), forkTitle, forkID)
	if len(conflicts) > 0 {
		fields := make([]string, 0, len(conflicts))
		for _, conflict := range conflicts {
			fields = append(fields, string(conflict.Field))
		}
		fmt.Fprintf(&b, " Conflicts resolved in favour of the fork: %s.", strings.Join(fields, ", "))
	}
	return b.String()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFork):
		return "invalid_fork"
	case errors.Is(err, ErrInvalidOriginal):
		return "invalid_original"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrAlreadyMerged):
		return "already_merged"
	default:
		return "store"
	}
}
