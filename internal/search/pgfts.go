package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole service is.
func (p *PgFTS) Healthy() bool {
	return true
}

const forkVector = "to_tsvector('english', d.title || ' ' || d.excerpt)"

// Search matches fork titles and excerpts with plainto_tsquery, ranked by
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := []string{"d.kind = 'fork'", forkVector + " @@ " + tsQuery}
	if q.OriginalID != "" {
		args = append(args, q.OriginalID)
		where = append(where, fmt.Sprintf("f.original_id = $%d", len(args)))
	}
	if q.State != "" {
		args = append(args, q.State)
		where = append(where, fmt.Sprintf("f.state = $%d", len(args)))
	}
	from := "FROM documents d JOIN forks f ON f.id = d.id WHERE " + strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT f.id, f.original_id, d.title,
			ts_headline('english', d.excerpt, %s, 'MaxFragments=1,MaxWords=30'),
			f.state, f.author_name
		%s
		ORDER BY ts_rank(%s, %s) DESC, f.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, from, forkVector, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ForkID, &r.OriginalID, &r.Title, &r.Snippet, &r.State, &r.AuthorName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllForks returns every fork for full reindexing.
func (p *PgFTS) LoadAllForks(ctx context.Context) ([]ForkRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.original_id, d.title, d.excerpt, d.content, f.state, f.author_name, f.created_at
		FROM forks f
		JOIN documents d ON d.id = f.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load forks: %w", err)
	}
	defer rows.Close()

	records := make([]ForkRecord, 0)
	for rows.Next() {
		var rec ForkRecord
		var createdAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.OriginalID, &rec.Title, &rec.Excerpt, &rec.Content, &rec.State, &rec.AuthorName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fork: %w", err)
		}
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time.Unix()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forks: %w", err)
	}
	return records, nil
}
