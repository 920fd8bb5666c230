package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxIntelligenceChars bounds the rolling intelligence text kept on a Job.
const maxIntelligenceChars = 4000

const jobColumns = `id, name, builder_name, subdivision, lot_number, voice_tag, phase, intelligence, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var builder, subdivision, lot, tag sql.NullString
	var active int
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Name, &builder, &subdivision, &lot, &tag, &j.Phase, &j.Intelligence, &active, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	j.BuilderName = builder.String
	j.Subdivision = subdivision.String
	j.LotNumber = lot.String
	j.VoiceTag = tag.String
	j.Active = active == 1
	var err error
	if j.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// GetJob returns the Job with the given ID.
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// FindJobByLot looks up a Job by case-insensitive exact (subdivision, lot_number).
func (s *Store) FindJobByLot(ctx context.Context, subdivision, lot string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE subdivision IS NOT NULL AND lot_number IS NOT NULL
		  AND lower(subdivision) = lower(?) AND lower(lot_number) = lower(?)`,
		strings.TrimSpace(subdivision), strings.TrimSpace(lot)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobsByLot returns every Job whose lot number matches case-insensitively.
// Used for fuzzy subdivision matching against spoken tags.
func (s *Store) ListJobsByLot(ctx context.Context, lot string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE lot_number IS NOT NULL AND lower(lot_number) = lower(?)
		ORDER BY id ASC`, strings.TrimSpace(lot))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobs returns jobs ordered by most recently updated.
func (s *Store) ListJobs(ctx context.Context, activeOnly bool, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateJobOrGet inserts j. When j carries both subdivision and lot number
// and a Job with the same identity already exists (including one created by a
// concurrent caller), the existing Job is returned instead.
func (s *Store) CreateJobOrGet(ctx context.Context, j Job) (Job, bool, error) {
	now := s.timestamp()
	subdivision := strings.TrimSpace(j.Subdivision)
	lot := strings.TrimSpace(j.LotNumber)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (name, builder_name, subdivision, lot_number, voice_tag, phase, intelligence, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', 1, ?, ?)
		ON CONFLICT DO NOTHING`,
		j.Name, nullString(strings.TrimSpace(j.BuilderName)), nullString(subdivision), nullString(lot),
		nullString(strings.TrimSpace(j.VoiceTag)), j.Phase, now, now,
	)
	if err != nil {
		return Job{}, false, fmt.Errorf("inserting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, err
	}
	if n == 0 {
		existing, err := s.FindJobByLot(ctx, subdivision, lot)
		if err != nil {
			return Job{}, false, fmt.Errorf("re-reading conflicting job: %w", err)
		}
		return existing, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, false, err
	}
	created, err := s.GetJob(ctx, id)
	return created, true, err
}

// UpdateJobRollup records the latest phase (when non-empty) and sets the
// Session's line in the Job's rolling intelligence text, keeping only the
// newest characters. A Session has at most one line: a replayed run replaces
// it.
func (s *Store) UpdateJobRollup(ctx context.Context, id, sessionID int64, phase, line string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	key := rollupKey(sessionID)
	var lines []string
	for _, l := range strings.Split(j.Intelligence, "\n") {
		if l != "" && !strings.HasPrefix(l, key) {
			lines = append(lines, l)
		}
	}
	if line = strings.TrimSpace(line); line != "" {
		lines = append(lines, key+line)
	}
	intel := strings.Join(lines, "\n")
	if len(intel) > maxIntelligenceChars {
		intel = intel[len(intel)-maxIntelligenceChars:]
		if i := strings.IndexByte(intel, '\n'); i >= 0 {
			intel = intel[i+1:]
		}
	}
	if phase == "" {
		phase = j.Phase
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET phase = ?, intelligence = ?, active = 1, updated_at = ? WHERE id = ?`,
		phase, intel, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func rollupKey(sessionID int64) string {
	return fmt.Sprintf("[session %d] ", sessionID)
}

// MarkInactiveJobs soft-marks active jobs with no session newer than cutoff.
// It returns the number of jobs marked.
func (s *Store) MarkInactiveJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	c := FormatTime(cutoff)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET active = 0, updated_at = ?
		WHERE active = 1 AND updated_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.job_id = jobs.id AND s.deleted_at IS NULL AND s.created_at >= ?
		  )`, s.timestamp(), c, c)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
