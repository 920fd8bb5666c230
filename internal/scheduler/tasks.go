package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/sitewalk/internal/analysis"
	"github.com/kalambet/sitewalk/internal/notify"
	"github.com/kalambet/sitewalk/internal/pipeline"
	"github.com/kalambet/sitewalk/internal/storage"
)

// Task names.
const (
	TaskRetryFailed  = "retry_failed_sessions"
	TaskMarkInactive = "mark_inactive_jobs"
	TaskDailyDigest  = "daily_digest"
)

// Defaults for the built-in tasks.
const (
	DefaultRetryBatch  = 3
	DefaultRetryWindow = 24 * time.Hour
	// DefaultMaxRetries is how many times a Session is replayed before the
	// scheduler leaves it to a manual retry.
	DefaultMaxRetries = 3
	DefaultIdleAfter   = 30 * 24 * time.Hour
	DefaultDigestSpan  = 24 * time.Hour
)

// Store is the storage surface the built-in tasks use.
type Store interface {
	ListErroredSessions(ctx context.Context, since time.Time, maxRetries, limit int) ([]storage.Session, error)
	MarkInactiveJobs(ctx context.Context, cutoff time.Time) (int64, error)
	ListCompletedSince(ctx context.Context, since time.Time) ([]storage.Session, error)
	GetJob(ctx context.Context, id int64) (storage.Job, error)
}

// Digester writes the daily digest text.
type Digester interface {
	Digest(ctx context.Context, entries []analysis.DigestEntry) (string, error)
}

// RetryFailedSessions replays up to batch Sessions that errored within
// window and still have retries left, oldest first. Each one is reset and
// processed from the start.
func RetryFailedSessions(st Store, proc pipeline.Processor, batch int, window time.Duration) func(context.Context) error {
	if batch <= 0 {
		batch = DefaultRetryBatch
	}
	if window <= 0 {
		window = DefaultRetryWindow
	}
	return func(ctx context.Context) error {
		sessions, err := st.ListErroredSessions(ctx, time.Now().Add(-window), DefaultMaxRetries, batch)
		if err != nil {
			return fmt.Errorf("listing errored sessions: %w", err)
		}
		var errs []error
		for _, s := range sessions {
			if _, err := proc.Retry(ctx, s.ID); err != nil {
				errs = append(errs, fmt.Errorf("session %d: %w", s.ID, err))
				continue
			}
			slog.Info("session recovered by retry", "session_id", s.ID)
		}
		return errors.Join(errs...)
	}
}

// MarkInactiveJobs marks Jobs without a Session in idleAfter as inactive and
// notifies when any were marked.
func MarkInactiveJobs(st Store, pub notify.Publisher, idleAfter time.Duration) func(context.Context) error {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return func(ctx context.Context) error {
		n, err := st.MarkInactiveJobs(ctx, time.Now().Add(-idleAfter))
		if err != nil {
			return fmt.Errorf("marking inactive jobs: %w", err)
		}
		if n == 0 {
			return nil
		}
		days := int(idleAfter.Hours() / 24)
		pub.Publish(ctx, storage.Notification{
			Type:  notify.TypeJobsInactive,
			Title: fmt.Sprintf("%d jobs marked inactive", n),
			Body:  fmt.Sprintf("No site walks recorded in %d days.", days),
		}, map[string]any{"count": n, "idle_days": days})
		return nil
	}
}

// DailyDigest summarizes the Sessions completed in span. A generation
// timeout yields no digest and no notification.
func DailyDigest(st Store, d Digester, pub notify.Publisher, span time.Duration) func(context.Context) error {
	if span <= 0 {
		span = DefaultDigestSpan
	}
	return func(ctx context.Context) error {
		sessions, err := st.ListCompletedSince(ctx, time.Now().Add(-span))
		if err != nil {
			return fmt.Errorf("listing completed sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil
		}

		names := map[int64]string{}
		entries := make([]analysis.DigestEntry, 0, len(sessions))
		for _, s := range sessions {
			e := analysis.DigestEntry{Summary: s.SummaryText, CreatedAt: s.CreatedAt}
			if s.JobID != nil {
				name, ok := names[*s.JobID]
				if !ok {
					if j, err := st.GetJob(ctx, *s.JobID); err == nil {
						name = j.Name
					}
					names[*s.JobID] = name
				}
				e.JobName = name
			}
			entries = append(entries, e)
		}

		text, err := d.Digest(ctx, entries)
		if err != nil {
			return fmt.Errorf("writing digest: %w", err)
		}
		if text == "" {
			return nil
		}
		pub.Publish(ctx, storage.Notification{
			Type:  notify.TypeDigest,
			Title: fmt.Sprintf("Daily digest: %d site walks", len(sessions)),
			Body:  text,
		}, map[string]any{"sessions": len(sessions)})
		return nil
	}
}
