package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/sitewalk/internal/analysis"
	"github.com/kalambet/sitewalk/internal/pipeline"
	"github.com/kalambet/sitewalk/internal/storage"
)

func TestAdd_Validation(t *testing.T) {
	s := New(0, nil)
	run := func(context.Context) error { return nil }
	if err := s.Add(Task{Interval: time.Minute, Run: run}); err == nil {
		t.Error("expected error for unnamed task")
	}
	if err := s.Add(Task{Name: "x", Interval: 10 * time.Millisecond, Run: run}); err == nil {
		t.Error("expected error for sub-second interval")
	}
	if err := s.Add(Task{Name: "x", Interval: time.Minute, Run: run}); err != nil {
		t.Errorf("Add: %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	s := New(0, nil)
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := s.Add(Task{Name: "slow", Interval: time.Hour, Run: func(context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunNow("slow")
	}()
	<-started

	// The first run is still blocked; this tick returns without running.
	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping tick was queued instead of skipped")
	}

	close(release)
	wg.Wait()
	if n := runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}

	// Once the first run finished the guard is open again.
	release = make(chan struct{})
	close(release)
	s.RunNow("slow")
	if n := runs.Load(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	s := New(0, nil)
	calls := 0
	s.Add(Task{Name: "boom", Interval: time.Hour, Run: func(context.Context) error {
		calls++
		panic("boom")
	}})
	s.RunNow("boom")
	s.RunNow("boom")
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (guard must reopen after a panic)", calls)
	}
}

func TestStart_FiresAfterStartupDelay(t *testing.T) {
	s := New(20*time.Millisecond, nil)
	type ctxKey struct{}
	got := make(chan any, 1)
	s.Add(Task{Name: "once", Interval: time.Hour, Run: func(ctx context.Context) error {
		got <- ctx.Value(ctxKey{})
		return nil
	}})

	ctx := context.WithValue(context.Background(), ctxKey{}, "scheduler-ctx")
	s.Start(ctx)
	defer s.Stop()

	select {
	case v := <-got:
		if v != "scheduler-ctx" {
			t.Errorf("task ctx value = %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("startup run did not fire")
	}
}

func TestStop_CancelsPendingStartupRun(t *testing.T) {
	s := New(time.Hour, nil)
	ran := false
	s.Add(Task{Name: "later", Interval: time.Hour, Run: func(context.Context) error {
		ran = true
		return nil
	}})
	s.Start(context.Background())
	s.Stop()
	if ran {
		t.Error("task ran before its startup delay")
	}
}

type fakeStore struct {
	errored    []storage.Session
	completed  []storage.Session
	jobs       map[int64]storage.Job
	inactive   int64
	cutoff     time.Time
	erroredLim int
	maxRetries int
}

func (f *fakeStore) ListErroredSessions(_ context.Context, _ time.Time, maxRetries, limit int) ([]storage.Session, error) {
	f.erroredLim, f.maxRetries = limit, maxRetries
	if len(f.errored) > limit {
		return f.errored[:limit], nil
	}
	return f.errored, nil
}

func (f *fakeStore) MarkInactiveJobs(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.inactive, nil
}

func (f *fakeStore) ListCompletedSince(context.Context, time.Time) ([]storage.Session, error) {
	return f.completed, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (storage.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return storage.Job{}, storage.ErrNotFound
	}
	return j, nil
}

type fakeProcessor struct {
	retried []int64
	failOn  int64
}

func (f *fakeProcessor) ProcessSession(context.Context, int64) (pipeline.Outcome, error) {
	return pipeline.Outcome{}, nil
}

func (f *fakeProcessor) Retry(_ context.Context, id int64) (pipeline.Outcome, error) {
	f.retried = append(f.retried, id)
	if id == f.failOn {
		return pipeline.Outcome{}, errors.New("transcription failed: upstream failure")
	}
	return pipeline.Outcome{SessionID: id}, nil
}

type recordingPublisher struct {
	sent []storage.Notification
}

func (r *recordingPublisher) Publish(_ context.Context, n storage.Notification, _ any) {
	r.sent = append(r.sent, n)
}

type fakeDigester struct {
	text    string
	err     error
	entries []analysis.DigestEntry
}

func (f *fakeDigester) Digest(_ context.Context, entries []analysis.DigestEntry) (string, error) {
	f.entries = entries
	return f.text, f.err
}

func TestRetryFailedSessions_BoundedBatch(t *testing.T) {
	st := &fakeStore{errored: []storage.Session{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	proc := &fakeProcessor{failOn: 2}

	err := RetryFailedSessions(st, proc, 0, 0)(context.Background())
	if err == nil {
		t.Error("expected joined error for the failed retry")
	}
	if st.erroredLim != DefaultRetryBatch || st.maxRetries != DefaultMaxRetries {
		t.Errorf("limit = %d maxRetries = %d", st.erroredLim, st.maxRetries)
	}
	if len(proc.retried) != 3 || proc.retried[2] != 3 {
		t.Errorf("retried = %v, want [1 2 3]", proc.retried)
	}
}

func TestMarkInactiveJobs(t *testing.T) {
	st := &fakeStore{}
	pub := &recordingPublisher{}
	task := MarkInactiveJobs(st, pub, 0)

	if err := task(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}
	if len(pub.sent) != 0 {
		t.Error("notified with nothing marked")
	}
	if d := time.Since(st.cutoff); d < DefaultIdleAfter-time.Minute || d > DefaultIdleAfter+time.Minute {
		t.Errorf("cutoff %s ago", d)
	}

	st.inactive = 2
	task(context.Background())
	if len(pub.sent) != 1 || pub.sent[0].Type != "jobs_inactive" || pub.sent[0].Title != "2 jobs marked inactive" {
		t.Errorf("sent = %+v", pub.sent)
	}
}

func TestDailyDigest(t *testing.T) {
	job := int64(7)
	st := &fakeStore{
		completed: []storage.Session{
			{ID: 1, JobID: &job, SummaryText: "Framing complete."},
			{ID: 2, SummaryText: "Walk without a job."},
			{ID: 3, JobID: &job, SummaryText: "Roof on."},
		},
		jobs: map[int64]storage.Job{7: {ID: 7, Name: "Oak Creek Lot 42"}},
	}
	pub := &recordingPublisher{}
	d := &fakeDigester{text: "Two jobs moved forward."}

	if err := DailyDigest(st, d, pub, 0)(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}
	if len(d.entries) != 3 || d.entries[0].JobName != "Oak Creek Lot 42" || d.entries[1].JobName != "" {
		t.Errorf("entries = %+v", d.entries)
	}
	if len(pub.sent) != 1 || pub.sent[0].Type != "digest" || pub.sent[0].Body != "Two jobs moved forward." {
		t.Errorf("sent = %+v", pub.sent)
	}
}

func TestDailyDigest_EmptyDigestPublishesNothing(t *testing.T) {
	st := &fakeStore{completed: []storage.Session{{ID: 1, SummaryText: "x"}}}
	pub := &recordingPublisher{}
	// A timed-out digest comes back empty without an error.
	if err := DailyDigest(st, &fakeDigester{}, pub, 0)(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}
	if len(pub.sent) != 0 {
		t.Errorf("sent = %+v", pub.sent)
	}

	err := DailyDigest(st, &fakeDigester{err: errors.New("boom")}, pub, 0)(context.Background())
	if err == nil || len(pub.sent) != 0 {
		t.Errorf("err = %v sent = %d", err, len(pub.sent))
	}
}

func TestDailyDigest_NoSessionsSkipsGeneration(t *testing.T) {
	d := &fakeDigester{text: "unused"}
	pub := &recordingPublisher{}
	if err := DailyDigest(&fakeStore{}, d, pub, 0)(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}
	if d.entries != nil || len(pub.sent) != 0 {
		t.Error("digest generated for an empty day")
	}
}
