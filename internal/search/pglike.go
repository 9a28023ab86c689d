package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

const snippetLen = 240

// PgLike is the fallback searcher: a plain ILIKE substring query over
// titled approved theories.
type PgLike struct {
	db *sql.DB
}

func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

func (p *PgLike) Search(q Query) ([]Result, int, error) {
	ctx := context.Background()
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	pattern := "%" + q.Text + "%"

	where := `
		t.status = 'approved' AND t.title IS NOT NULL AND ($1 = ''
			OR t.title ILIKE $2
			OR t.content ILIKE $2
			OR COALESCE(u.username, u.name, u.email, '') ILIKE $2
			OR EXISTS (
				SELECT 1 FROM theory_tags tt
				JOIN tags tg ON tg.id = tt.tag_id
				WHERE tt.theory_id = t.id AND tg.name ILIKE $2
			))`

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM theories t JOIN users u ON u.id = t.author_id
		WHERE `+where, q.Text, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.content, COALESCE(u.username, u.name, u.email, ''), t.created_at
		FROM theories t JOIN users u ON u.id = t.author_id
		WHERE `+where+`
		ORDER BY t.created_at DESC
		LIMIT $3 OFFSET $4
	`, q.Text, pattern, limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search theories: %w", err)
	}
	defer rows.Close()

	var results []Result
	var ids []string
	for rows.Next() {
		var r Result
		var content string
		var createdAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Title, &content, &r.Author, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		r.Snippet = snippet(content)
		if createdAt.Valid {
			r.CreatedAt = createdAt.Time.Unix()
		}
		results = append(results, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}

	for i, id := range ids {
		tags, err := p.theoryTagNames(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		results[i].Tags = tags
	}
	return results, total, nil
}

func (p *PgLike) theoryTagNames(ctx context.Context, theoryID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tg.name FROM theory_tags tt
		JOIN tags tg ON tg.id = tt.tag_id
		WHERE tt.theory_id = $1
		ORDER BY tg.name
	`, theoryID)
	if err != nil {
		return nil, fmt.Errorf("load result tags: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan result tag: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result tags: %w", err)
	}
	return names, nil
}

// LoadAllRecords reads every indexable theory for a full reindex.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]TheoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.content, COALESCE(u.username, u.name, u.email, ''), t.created_at
		FROM theories t JOIN users u ON u.id = t.author_id
		WHERE t.status = 'approved' AND t.title IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load theories for reindex: %w", err)
	}
	defer rows.Close()

	var records []TheoryRecord
	for rows.Next() {
		var rec TheoryRecord
		var createdAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Author, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reindex theory: %w", err)
		}
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time.Unix()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reindex theories: %w", err)
	}

	for i := range records {
		tags, err := p.theoryTagNames(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Tags = tags
	}
	return records, nil
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= snippetLen {
		return content
	}
	end := snippetLen
	for end > 0 && !utf8.RuneStart(content[end]) {
		end--
	}
	cut := content[:end]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
