package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// InsertNotification appends n to the notification log. ID and CreatedAt are
// assigned here; the stored record is returned.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	n.ID = uuid.New().String()
	n.Read = false
	ts := s.timestamp()
	created, err := ParseTime(ts)
	if err != nil {
		return Notification{}, err
	}
	n.CreatedAt = created
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, title, body, payload_json, job_id, session_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		n.ID, n.Type, n.Title, n.Body, n.PayloadJSON, nullID(n.JobID), nullID(n.SessionID), ts,
	)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	query := `SELECT id, type, title, body, payload_json, job_id, session_id, read, created_at FROM notifications`
	if unreadOnly {
		query += ` WHERE read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var jobID, sessionID sql.NullInt64
		var read int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Body, &n.PayloadJSON, &jobID, &sessionID, &read, &createdAt); err != nil {
			return nil, err
		}
		n.JobID = idPtr(jobID)
		n.SessionID = idPtr(sessionID)
		n.Read = read == 1
		if n.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead sets the read flag on one notification.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkAllNotificationsRead marks every unread notification and returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE read = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
