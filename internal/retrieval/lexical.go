package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/sitewalk/internal/storage"
)

// LexicalHit is one session ranked by full-text relevance.
type LexicalHit struct {
	SessionID int64     `json:"session_id"`
	JobID     *int64    `json:"job_id,omitempty"`
	JobName   string    `json:"job_name,omitempty"`
	Snippet   string    `json:"snippet"`
	Rank      float64   `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchLexical ranks session transcripts and summaries against query with
// bm25. Lower Rank is better. An empty or punctuation-only query returns nothing.
func SearchLexical(ctx context.Context, db *sql.DB, query string, jobID *int64, limit int) ([]LexicalHit, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	q := `SELECT s.id, s.job_id, COALESCE(j.name, ''),
	             snippet(sessions_fts, -1, '[', ']', '...', 12),
	             bm25(sessions_fts), s.created_at
	      FROM sessions_fts
	      JOIN sessions s ON s.id = sessions_fts.rowid
	      LEFT JOIN jobs j ON j.id = s.job_id
	      WHERE sessions_fts MATCH ? AND s.deleted_at IS NULL`
	args := []any{match}
	if jobID != nil {
		q += ` AND s.job_id = ?`
		args = append(args, *jobID)
	}
	q += ` ORDER BY bm25(sessions_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		var job sql.NullInt64
		var createdAt string
		if err := rows.Scan(&h.SessionID, &job, &h.JobName, &h.Snippet, &h.Rank, &createdAt); err != nil {
			return nil, err
		}
		if job.Valid {
			id := job.Int64
			h.JobID = &id
		}
		if h.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression: each word becomes a
// quoted term and terms are OR-ed so partial matches still rank.
func ftsQuery(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
