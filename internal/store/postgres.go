package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `id, kind, title, content, excerpt, status, author_id, updated_by_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	err := row.Scan(&item.ID, &item.Kind, &item.Title, &item.Content, &item.Excerpt, &item.Status, &item.AuthorID, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) ListDocuments(ctx context.Context, kind string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE kind=$1
		ORDER BY updated_at DESC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	return insertDocument(ctx, s.db, item)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDocument(ctx context.Context, db execer, item Document) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (id, kind, title, content, excerpt, status, author_id, updated_by_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.Kind, item.Title, item.Content, item.Excerpt, item.Status, item.AuthorID, item.UpdatedBy, createdAt, updatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentFields(ctx context.Context, documentID string, fields DocumentFields, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, content=$3, excerpt=$4, updated_by_name=$5, updated_at=NOW()
		WHERE id=$1
	`, documentID, fields.Title, fields.Content, fields.Excerpt, updatedBy)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetProperties(ctx context.Context, documentID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM document_properties WHERE document_id=$1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	props := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		props[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return props, nil
}

func (s *PostgresStore) SetProperty(ctx context.Context, documentID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_properties (document_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, key) DO UPDATE SET value=EXCLUDED.value
	`, documentID, key, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteProperty(ctx context.Context, documentID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_properties WHERE document_id=$1 AND key=$2`, documentID, key)
	if err != nil {
		return fmt.Errorf("delete property %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) GetPrimaryImage(ctx context.Context, documentID string) (string, error) {
	var imageID string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM document_properties WHERE document_id=$1 AND key=$2`, documentID, PrimaryImageKey).Scan(&imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read primary image: %w", err)
	}
	return imageID, nil
}

func (s *PostgresStore) SetPrimaryImage(ctx context.Context, documentID, imageID string) error {
	return s.SetProperty(ctx, documentID, PrimaryImageKey, imageID)
}

func (s *PostgresStore) GetTerms(ctx context.Context, documentID, taxonomy string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT term_id FROM document_terms
		WHERE document_id=$1 AND taxonomy=$2
		ORDER BY term_id
	`, documentID, taxonomy)
	if err != nil {
		return nil, fmt.Errorf("list terms: %w", err)
	}
	defer rows.Close()

	terms := make([]string, 0)
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, fmt.Errorf("scan term: %w", err)
		}
		terms = append(terms, term)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terms: %w", err)
	}
	return terms, nil
}

// SetTerms replaces every term of one taxonomy on the document.
func (s *PostgresStore) SetTerms(ctx context.Context, documentID, taxonomy string, terms []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set terms: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_terms WHERE document_id=$1 AND taxonomy=$2`, documentID, taxonomy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear terms: %w", err)
	}
	for _, term := range terms {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_terms (document_id, taxonomy, term_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, documentID, taxonomy, term); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert term %s: %w", term, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set terms: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddAuditNote(ctx context.Context, note AuditNote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_notes (document_id, author, body)
		VALUES ($1, $2, $3)
	`, note.DocumentID, note.Author, note.Body)
	if err != nil {
		return fmt.Errorf("insert audit note: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditNotes(ctx context.Context, documentID string, limit int) ([]AuditNote, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, author, body, created_at
		FROM audit_notes
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit notes: %w", err)
	}
	defer rows.Close()

	items := make([]AuditNote, 0)
	for rows.Next() {
		var item AuditNote
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Author, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit notes: %w", err)
	}
	return items, nil
}

// InsertFork writes the fork document and its fork row in one transaction.
func (s *PostgresStore) InsertFork(ctx context.Context, doc Document, fork Fork) error {
	snapshot, err := json.Marshal(fork.BaseSnapshot)
	if err != nil {
		return fmt.Errorf("marshal base snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert fork: %w", err)
	}
	if err := insertDocument(ctx, tx, doc); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO forks (id, original_id, original_kind, state, author_id, author_name, author_email, base_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`, fork.ID, fork.OriginalID, fork.OriginalKind, fork.State, fork.AuthorID, fork.AuthorName, fork.AuthorEmail, string(snapshot), fork.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert fork: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert fork: %w", err)
	}
	return nil
}

const forkColumns = `id, original_id, original_kind, state, author_id, author_name, author_email, base_snapshot, created_at, merged_at, COALESCE(merged_by, ''), locked_at, merge_claimed_at`

func scanFork(row rowScanner) (Fork, error) {
	var (
		item     Fork
		snapshot []byte
		mergedAt sql.NullTime
		lockedAt sql.NullTime
		claimed  sql.NullTime
	)
	err := row.Scan(&item.ID, &item.OriginalID, &item.OriginalKind, &item.State, &item.AuthorID, &item.AuthorName, &item.AuthorEmail, &snapshot, &item.CreatedAt, &mergedAt, &item.MergedBy, &lockedAt, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return Fork{}, ErrNotFound
	}
	if err != nil {
		return Fork{}, fmt.Errorf("scan fork: %w", err)
	}
	item.BaseSnapshot = map[string]string{}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &item.BaseSnapshot); err != nil {
			return Fork{}, fmt.Errorf("decode base snapshot: %w", err)
		}
	}
	if mergedAt.Valid {
		value := mergedAt.Time
		item.MergedAt = &value
	}
	if lockedAt.Valid {
		value := lockedAt.Time
		item.LockedAt = &value
	}
	if claimed.Valid {
		value := claimed.Time
		item.MergeClaimedAt = &value
	}
	return item, nil
}

func (s *PostgresStore) GetFork(ctx context.Context, forkID string) (Fork, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+forkColumns+` FROM forks WHERE id=$1`, forkID)
	return scanFork(row)
}

func (s *PostgresStore) ListForks(ctx context.Context, originalID string) ([]Fork, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+forkColumns+`
		FROM forks
		WHERE original_id=$1
		ORDER BY created_at DESC, id
	`, originalID)
	if err != nil {
		return nil, fmt.Errorf("list forks: %w", err)
	}
	defer rows.Close()

	items := make([]Fork, 0)
	for rows.Next() {
		item, err := scanFork(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountForks(ctx context.Context, originalID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM forks f JOIN documents d ON d.id = f.id
		WHERE f.original_id=$1
	`, originalID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count forks: %w", err)
	}
	return count, nil
}

// MarkForkMerged flips draft to merged with a single conditional update.
// It reports false when the fork was not in draft.
func (s *PostgresStore) MarkForkMerged(ctx context.Context, forkID, mergedBy string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE forks
		SET state='merged', merged_at=$2, merged_by=$3
		WHERE id=$1 AND state='draft'
	`, forkID, at, mergedBy)
	if err != nil {
		return false, fmt.Errorf("mark fork merged: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClaimForkMerge takes the merge lease on a draft fork. A lease older than
// staleBefore is taken over.
func (s *PostgresStore) ClaimForkMerge(ctx context.Context, forkID string, at, staleBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE forks
		SET merge_claimed_at=$2
		WHERE id=$1 AND state='draft' AND (merge_claimed_at IS NULL OR merge_claimed_at < $3)
	`, forkID, at, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim fork merge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) ReleaseForkMerge(ctx context.Context, forkID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE forks SET merge_claimed_at=NULL WHERE id=$1 AND state='draft'`, forkID); err != nil {
		return fmt.Errorf("release fork merge: %w", err)
	}
	return nil
}

func (s *PostgresStore) LockFork(ctx context.Context, forkID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lock fork: %w", err)
	}
	result, err := tx.ExecContext(ctx, `UPDATE forks SET locked_at=$2 WHERE id=$1`, forkID, at)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock fork: %w", err)
	}
	if err := requireAffected(result); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status=$2, updated_at=NOW() WHERE id=$1`, forkID, StatusLocked); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock fork document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lock fork: %w", err)
	}
	return nil
}

// DeleteFork removes the fork document and its fork row. Properties and
// terms cascade from the document.
func (s *PostgresStore) DeleteFork(ctx context.Context, forkID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete fork: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND kind=$2`, forkID, KindFork)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete fork: %w", err)
	}
	if err := requireAffected(result); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM forks WHERE id=$1`, forkID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete fork row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete fork: %w", err)
	}
	return nil
}

// RetireFork deletes the document of a merged fork. The fork row stays.
func (s *PostgresStore) RetireFork(ctx context.Context, forkID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE id=$1 AND kind=$2
		  AND EXISTS (SELECT 1 FROM forks WHERE forks.id=$1 AND state='merged')
	`, forkID, KindFork)
	if err != nil {
		return fmt.Errorf("retire fork: %w", err)
	}
	return requireAffected(result)
}

func SortedKeys(input map[string]string) []string {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
