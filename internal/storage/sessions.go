package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, job_id, audio_path, voice_tag, status, transcript, segments_json, duration_seconds,
	summary_text, summary_json, summary_parse_error, room_markers_json, discrepancies_json, error_message,
	retry_count, email_sent_at, created_at, updated_at`

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var jobID sql.NullInt64
	var status string
	var parseErr int
	var emailSentAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &jobID, &s.AudioPath, &s.VoiceTag, &status, &s.Transcript, &s.SegmentsJSON,
		&s.DurationSeconds, &s.SummaryText, &s.SummaryJSON, &parseErr, &s.RoomMarkersJSON, &s.DiscrepanciesJSON,
		&s.ErrorMessage, &s.RetryCount, &emailSentAt, &createdAt, &updatedAt); err != nil {
		return Session{}, err
	}
	s.JobID = idPtr(jobID)
	s.Status = SessionStatus(status)
	s.SummaryParseError = parseErr == 1
	var err error
	if s.EmailSentAt, err = parseOptionalTime(emailSentAt); err != nil {
		return Session{}, err
	}
	if s.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Session{}, err
	}
	if s.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// CreateSession inserts a new Session in the uploaded state.
func (s *Store) CreateSession(ctx context.Context, audioPath, voiceTag string, jobID *int64) (Session, error) {
	if audioPath == "" {
		return Session{}, fmt.Errorf("audio path is required")
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (job_id, audio_path, voice_tag, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullID(jobID), audioPath, voiceTag, StatusUploaded, now, now,
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, id)
}

// GetSession returns a non-deleted Session.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns non-deleted sessions, newest first, optionally for one Job.
func (s *Store) ListSessions(ctx context.Context, jobID *int64, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE deleted_at IS NULL`
	args := []any{}
	if jobID != nil {
		query += ` AND job_id = ?`
		args = append(args, *jobID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.querySessions(ctx, query, args...)
}

// ListErroredSessions returns up to limit sessions that entered the error
// state at or after since and were reset fewer than maxRetries times, oldest
// first.
func (s *Store) ListErroredSessions(ctx context.Context, since time.Time, maxRetries, limit int) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE deleted_at IS NULL AND status = ? AND updated_at >= ? AND retry_count < ?
		ORDER BY updated_at ASC LIMIT ?`, StatusError, FormatTime(since), maxRetries, limit)
}

// ListCompletedSince returns sessions completed at or after since.
func (s *Store) ListCompletedSince(ctx context.Context, since time.Time) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE deleted_at IS NULL AND status = ? AND updated_at >= ?
		ORDER BY updated_at ASC`, StatusComplete, FormatTime(since))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TransitionSession moves a Session to a new status, enforcing CanTransition.
// Entering any status other than error clears a stored error message.
func (s *Store) TransitionSession(ctx context.Context, id int64, to SessionStatus) error {
	return s.transition(ctx, id, to, "")
}

// FailSession moves a Session to error and records msg.
func (s *Store) FailSession(ctx context.Context, id int64, msg string) error {
	return s.transition(ctx, id, StatusError, msg)
}

// ResetForRetry moves an errored Session back to uploaded and counts the
// retry. Any other current status is rejected with ErrInvalidTransition.
func (s *Store) ResetForRetry(ctx context.Context, id int64) error {
	return s.transition(ctx, id, StatusUploaded, "")
}

func (s *Store) transition(ctx context.Context, id int64, to SessionStatus, msg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ? AND deleted_at IS NULL`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := checkTransition(SessionStatus(from), to); err != nil {
		return err
	}
	retried := 0
	if SessionStatus(from) == StatusError && to == StatusUploaded {
		retried = 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, error_message = ?, retry_count = retry_count + ?, updated_at = ? WHERE id = ?`,
		to, msg, retried, s.timestamp(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveTranscript persists the transcript text, time-coded segments, and measured duration.
func (s *Store) SaveTranscript(ctx context.Context, id int64, transcript, segmentsJSON string, duration float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET transcript = ?, segments_json = ?, duration_seconds = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, transcript, segmentsJSON, duration, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SaveSummary stores the summary. When parseError is set, summaryJSON holds
// the raw generation output rather than validated structured data.
func (s *Store) SaveSummary(ctx context.Context, id int64, summaryText, summaryJSON string, parseError bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary_text = ?, summary_json = ?, summary_parse_error = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, summaryText, summaryJSON, boolInt(parseError), s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SaveRoomMarkers stores the ordered room markers extracted from voice commands.
func (s *Store) SaveRoomMarkers(ctx context.Context, id int64, markersJSON string) error {
	return s.setSessionField(ctx, id, "room_markers_json", markersJSON)
}

// SaveDiscrepancies stores the cross-reference result for a Session.
func (s *Store) SaveDiscrepancies(ctx context.Context, id int64, discrepanciesJSON string) error {
	return s.setSessionField(ctx, id, "discrepancies_json", discrepanciesJSON)
}

func (s *Store) setSessionField(ctx context.Context, id int64, column, value string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		value, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetSessionJob links a Session to a Job.
func (s *Store) SetSessionJob(ctx context.Context, id, jobID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET job_id = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		jobID, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkEmailSent records that the summary email was delivered.
func (s *Store) MarkEmailSent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET email_sent_at = ? WHERE id = ? AND deleted_at IS NULL`,
		s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ClearDerived hard-deletes chunks and action items produced by earlier runs
// of a Session so a re-run does not duplicate them.
func (s *Store) ClearDerived(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_items WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clearing action items: %w", err)
	}
	return tx.Commit()
}

// DeleteSession soft-deletes a Session together with its chunks.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET deleted_at = ? WHERE session_id = ? AND deleted_at IS NULL`, now, id); err != nil {
		return fmt.Errorf("soft-deleting chunks: %w", err)
	}
	return tx.Commit()
}
