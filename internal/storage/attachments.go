package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const attachmentColumns = `id, session_id, job_id, filename, path, analysis_json, parse_error, analyzed_at, created_at`

func scanAttachment(row rowScanner) (Attachment, error) {
	var a Attachment
	var sessionID, jobID sql.NullInt64
	var parseErr int
	var analyzedAt sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &sessionID, &jobID, &a.Filename, &a.Path, &a.AnalysisJSON, &parseErr, &analyzedAt, &createdAt); err != nil {
		return Attachment{}, err
	}
	a.SessionID = idPtr(sessionID)
	a.JobID = idPtr(jobID)
	a.ParseError = parseErr == 1
	var err error
	if a.AnalyzedAt, err = parseOptionalTime(analyzedAt); err != nil {
		return Attachment{}, err
	}
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

// CreateAttachment registers a plan document for a Session and/or Job.
func (s *Store) CreateAttachment(ctx context.Context, sessionID, jobID *int64, filename, path string) (Attachment, error) {
	if sessionID == nil && jobID == nil {
		return Attachment{}, fmt.Errorf("attachment needs a session or a job")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO attachments (session_id, job_id, filename, path, created_at)
		VALUES (?, ?, ?, ?, ?)`, nullID(sessionID), nullID(jobID), filename, path, s.timestamp())
	if err != nil {
		return Attachment{}, fmt.Errorf("inserting attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Attachment{}, err
	}
	a, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	return a, err
}

// ListAttachments returns attachments of a Session plus those attached
// directly to its Job (when jobID is non-nil), oldest first.
func (s *Store) ListAttachments(ctx context.Context, sessionID int64, jobID *int64) ([]Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE session_id = ?`
	args := []any{sessionID}
	if jobID != nil {
		query += ` OR (session_id IS NULL AND job_id = ?)`
		args = append(args, *jobID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAttachmentAnalysis records the analysis result. When parseError is set,
// analysisJSON holds the raw generation output.
func (s *Store) SaveAttachmentAnalysis(ctx context.Context, id int64, analysisJSON string, parseError bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attachments SET analysis_json = ?, parse_error = ?, analyzed_at = ? WHERE id = ?`,
		analysisJSON, boolInt(parseError), s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}
