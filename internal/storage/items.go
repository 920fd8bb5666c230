package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const actionItemColumns = `id, session_id, job_id, description, assignee, priority, completed, completed_at, created_at`

func scanActionItem(row rowScanner) (ActionItem, error) {
	var a ActionItem
	var jobID sql.NullInt64
	var completed int
	var completedAt sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.SessionID, &jobID, &a.Description, &a.Assignee, &a.Priority, &completed, &completedAt, &createdAt); err != nil {
		return ActionItem{}, err
	}
	a.JobID = idPtr(jobID)
	a.Completed = completed == 1
	var err error
	if a.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return ActionItem{}, err
	}
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return ActionItem{}, err
	}
	return a, nil
}

// SaveActionItems inserts items for a Session in one transaction. Items with
// an empty description are skipped.
func (s *Store) SaveActionItems(ctx context.Context, sessionID int64, jobID *int64, items []ActionItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO action_items (session_id, job_id, description, assignee, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.timestamp()
	saved := 0
	for _, it := range items {
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, sessionID, nullID(jobID), desc, it.Assignee, it.Priority, now); err != nil {
			return 0, fmt.Errorf("inserting action item: %w", err)
		}
		saved++
	}
	return saved, tx.Commit()
}

// ActionItemFilter narrows ListActionItems.
type ActionItemFilter struct {
	SessionID *int64
	JobID     *int64
	OpenOnly  bool
	// Contains matches descriptions by case-insensitive substring.
	Contains string
	Limit    int
}

// ListActionItems returns action items belonging to non-deleted sessions, newest first.
func (s *Store) ListActionItems(ctx context.Context, f ActionItemFilter) ([]ActionItem, error) {
	var where []string
	var args []any
	where = append(where, `session_id IN (SELECT id FROM sessions WHERE deleted_at IS NULL)`)
	if f.SessionID != nil {
		where = append(where, `session_id = ?`)
		args = append(args, *f.SessionID)
	}
	if f.JobID != nil {
		where = append(where, `job_id = ?`)
		args = append(args, *f.JobID)
	}
	if f.OpenOnly {
		where = append(where, `completed = 0`)
	}
	if q := strings.TrimSpace(f.Contains); q != "" {
		where = append(where, `instr(lower(description), lower(?)) > 0`)
		args = append(args, q)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+actionItemColumns+` FROM action_items
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionItem
	for rows.Next() {
		a, err := scanActionItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ToggleActionItem flips the completion flag and returns the updated item.
func (s *Store) ToggleActionItem(ctx context.Context, id int64) (ActionItem, error) {
	a, err := scanActionItem(s.db.QueryRowContext(ctx, `SELECT `+actionItemColumns+` FROM action_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ActionItem{}, ErrNotFound
	}
	if err != nil {
		return ActionItem{}, err
	}

	var completedAt any
	if !a.Completed {
		completedAt = s.timestamp()
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE action_items SET completed = ?, completed_at = ? WHERE id = ?`,
		boolInt(!a.Completed), completedAt, id); err != nil {
		return ActionItem{}, err
	}
	return scanActionItem(s.db.QueryRowContext(ctx, `SELECT `+actionItemColumns+` FROM action_items WHERE id = ?`, id))
}
