package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/sitewalk/internal/analysis"
	"github.com/kalambet/sitewalk/internal/indexer"
	"github.com/kalambet/sitewalk/internal/notify"
	"github.com/kalambet/sitewalk/internal/resolver"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/storage"
	"github.com/kalambet/sitewalk/internal/transcribe"
	"github.com/kalambet/sitewalk/internal/upstream"
)

type mockTranscriber struct {
	text string
	err  error
}

func (m *mockTranscriber) Transcribe(context.Context, string) (transcribe.Result, error) {
	if m.err != nil {
		return transcribe.Result{}, m.err
	}
	return transcribe.Result{
		Text:     m.text,
		Segments: []transcribe.Segment{{Start: 0, End: 4.5, Text: m.text}},
		Duration: 4.5,
	}, nil
}

type mockSummarizer struct {
	mu    sync.Mutex
	raw   string
	err   error
	input []string
}

func (m *mockSummarizer) Summarize(_ context.Context, transcript string, _ []string) (analysis.Result[analysis.Summary], error) {
	m.mu.Lock()
	m.input = append(m.input, transcript)
	m.mu.Unlock()
	if m.err != nil {
		return analysis.Result[analysis.Summary]{}, m.err
	}
	return analysis.ParseStructured[analysis.Summary](m.raw), nil
}

type mockPlans struct {
	raw string
	err error
}

func (m *mockPlans) Analyze(context.Context, string) (analysis.Result[analysis.PlanAnalysis], error) {
	if m.err != nil {
		return analysis.Result[analysis.PlanAnalysis]{}, m.err
	}
	return analysis.ParseStructured[analysis.PlanAnalysis](m.raw), nil
}

type mockCrossRef struct {
	raw   string
	err   error
	calls int
}

func (m *mockCrossRef) Compare(context.Context, string, string, []analysis.PlanAnalysis) (analysis.Result[analysis.CrossReference], error) {
	m.calls++
	if m.err != nil {
		return analysis.Result[analysis.CrossReference]{}, m.err
	}
	return analysis.ParseStructured[analysis.CrossReference](m.raw), nil
}

type mockPublisher struct {
	mu   sync.Mutex
	sent []storage.Notification
}

func (m *mockPublisher) Publish(_ context.Context, n storage.Notification, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
}

func (m *mockPublisher) count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Type == typ {
			n++
		}
	}
	return n
}

type mockMailer struct {
	mu     sync.Mutex
	ok     bool
	emails []notify.Email
}

func (m *mockMailer) Send(_ context.Context, e notify.Email) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, e)
	return m.ok
}

type constEmbedder struct{}

func (constEmbedder) EmbedEach(_ context.Context, texts []string) ([][]float32, []error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, make([]error, len(texts))
}

type fixture struct {
	store    *storage.Store
	trans    *mockTranscriber
	sum      *mockSummarizer
	plans    *mockPlans
	crossRef *mockCrossRef
	pub      *mockPublisher
	mail     *mockMailer
	orch     *Orchestrator
}

const plainSummary = `{"summary":"Two toilets in the master bath.","action_items":[{"description":"Confirm toilet count"}]}`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		trans:    &mockTranscriber{text: "Two toilets in master bath."},
		sum:      &mockSummarizer{raw: plainSummary},
		plans:    &mockPlans{raw: `{"summary":"Plan A2","rooms":[{"name":"Master Bath","fixtures":["1 toilet"]}]}`},
		crossRef: &mockCrossRef{raw: `{"discrepancies":[]}`},
		pub:      &mockPublisher{},
		mail:     &mockMailer{},
	}
	f.orch = New(Deps{
		Store:       st,
		Transcriber: f.trans,
		Summarizer:  f.sum,
		Plans:       f.plans,
		CrossRef:    f.crossRef,
		Resolver:    resolver.New(st),
		Indexer:     indexer.New(constEmbedder{}, retrieval.NewSQLiteStore(st.DB()), 0, -1),
		Notifier:    f.pub,
		Mailer:      f.mail,
		Recipients:  []string{"super@example.com"},
	})
	return f
}

func (f *fixture) upload(t *testing.T, voiceTag string, jobID *int64) storage.Session {
	t.Helper()
	s, err := f.store.CreateSession(context.Background(), "/audio/walk.m4a", voiceTag, jobID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func (f *fixture) session(t *testing.T, id int64) storage.Session {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

func TestProcess_NoIdentityLeavesJobNull(t *testing.T) {
	f := newFixture(t)
	sess := f.upload(t, "", nil)

	out, err := f.orch.ProcessSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if out.SessionID != 1 || out.JobID != nil {
		t.Errorf("outcome = %+v", out)
	}
	got := f.session(t, sess.ID)
	if got.Status != storage.StatusComplete || got.JobID != nil {
		t.Errorf("session = %s job=%v", got.Status, got.JobID)
	}
	if got.DurationSeconds != 4.5 || got.SummaryText != "Two toilets in the master bath." {
		t.Errorf("persisted = %+v", got)
	}
	// Mailer reported failure: the email is not recorded as sent.
	if len(f.mail.emails) != 1 || got.EmailSentAt != nil || out.EmailSent {
		t.Errorf("emails=%d sent_at=%v", len(f.mail.emails), got.EmailSentAt)
	}
	if f.pub.count(notify.TypeSessionComplete) != 1 {
		t.Error("missing session_complete notification")
	}
	if out.ActionItems != 1 || out.Indexed.Embedded != 2 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestProcess_EmailMarkedSentOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.mail.ok = true
	sess := f.upload(t, "", nil)
	out, err := f.orch.ProcessSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if !out.EmailSent || f.session(t, sess.ID).EmailSentAt == nil {
		t.Error("email delivery not recorded")
	}
}

func TestProcess_VoiceTagCreatesJob(t *testing.T) {
	f := newFixture(t)
	sess := f.upload(t, "oak creek lot 42", nil)

	out, err := f.orch.ProcessSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	got := f.session(t, sess.ID)
	if got.JobID == nil || !out.JobCreated {
		t.Fatalf("job not created: %+v", out)
	}
	job, err := f.store.GetJob(context.Background(), *got.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !strings.EqualFold(job.Subdivision, "Oak Creek") || job.LotNumber != "42" {
		t.Errorf("job = %+v", job)
	}
	if !strings.Contains(job.Intelligence, "Two toilets in the master bath.") {
		t.Errorf("rollup = %q", job.Intelligence)
	}
}

func TestProcess_SpokenTagMatchesExistingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, _, _ := f.store.CreateJobOrGet(ctx, storage.Job{Name: "Oak Creek Lot 42", Subdivision: "Oak Creek", LotNumber: "42"})
	f.trans.text = "Tag this job as oak creak lot 42. New room kitchen. Cabinets are in. Flag that."
	sess := f.upload(t, "", nil)

	out, err := f.orch.ProcessSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if out.JobID == nil || *out.JobID != existing.ID || out.JobCreated {
		t.Errorf("outcome = %+v, want job %d", out, existing.ID)
	}
	if in := f.sum.input[0]; strings.Contains(strings.ToLower(in), "tag this job") || strings.Contains(strings.ToLower(in), "flag that") {
		t.Errorf("control phrases leaked into summary input: %q", in)
	}
	if got := f.session(t, sess.ID); !strings.Contains(got.RoomMarkersJSON, "kitchen") {
		t.Errorf("room markers = %q", got.RoomMarkersJSON)
	}
}

func TestProcess_SameLotSharesJob(t *testing.T) {
	f := newFixture(t)
	f.sum.raw = `{"summary":"Framing check.","subdivision":"Oak Creek","lot_number":"42","phase":"framing"}`
	ctx := context.Background()

	a := f.upload(t, "", nil)
	b := f.upload(t, "", nil)
	outA, err := f.orch.ProcessSession(ctx, a.ID)
	if err != nil {
		t.Fatalf("ProcessSession(a): %v", err)
	}
	f.sum.raw = `{"summary":"Drywall check.","subdivision":"OAK CREEK","lot_number":"42"}`
	outB, err := f.orch.ProcessSession(ctx, b.ID)
	if err != nil {
		t.Fatalf("ProcessSession(b): %v", err)
	}
	if outA.JobID == nil || outB.JobID == nil || *outA.JobID != *outB.JobID {
		t.Fatalf("jobs differ: %v vs %v", outA.JobID, outB.JobID)
	}
	job, _ := f.store.GetJob(ctx, *outA.JobID)
	if job.Phase != "framing" {
		t.Errorf("phase = %q, want framing kept when later summary omits it", job.Phase)
	}
}

func TestProcess_TranscriptionFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.trans.err = fmt.Errorf("%w: 503", upstream.ErrFailure)
	sess := f.upload(t, "", nil)

	_, err := f.orch.ProcessSession(context.Background(), sess.ID)
	if !errors.Is(err, upstream.ErrFailure) {
		t.Fatalf("got %v, want ErrFailure", err)
	}
	got := f.session(t, sess.ID)
	if got.Status != storage.StatusError || !strings.Contains(got.ErrorMessage, "transcription failed") {
		t.Errorf("session = %s %q", got.Status, got.ErrorMessage)
	}
	if f.pub.count(notify.TypeError) != 1 {
		t.Error("missing error notification")
	}
	if len(f.sum.input) != 0 {
		t.Error("summarizer ran after transcription failure")
	}
}

func TestProcess_SummaryFailureKeepsTranscript(t *testing.T) {
	f := newFixture(t)
	f.sum.err = fmt.Errorf("%w: deadline exceeded", upstream.ErrTimeout)
	sess := f.upload(t, "", nil)

	_, err := f.orch.ProcessSession(context.Background(), sess.ID)
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	got := f.session(t, sess.ID)
	if got.Status != storage.StatusError || got.Transcript != "Two toilets in master bath." || got.DurationSeconds != 4.5 {
		t.Errorf("session = %+v", got)
	}
}

func TestProcess_SummaryParseErrorIsSoft(t *testing.T) {
	f := newFixture(t)
	f.sum.raw = "Sorry, here is a summary: toilets."
	sess := f.upload(t, "", nil)

	out, err := f.orch.ProcessSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	got := f.session(t, sess.ID)
	if got.Status != storage.StatusComplete || !got.SummaryParseError || got.SummaryJSON != f.sum.raw {
		t.Errorf("session = %+v", got)
	}
	if out.ActionItems != 0 {
		t.Errorf("action items from unparsed summary: %d", out.ActionItems)
	}
}

func TestProcess_DiscrepancyAlertFiresOnce(t *testing.T) {
	f := newFixture(t)
	f.crossRef.raw = `{"discrepancies":[
		{"item":"toilets","conversation":"two","plan":"one","severity":"high"},
		{"item":"vanity","conversation":"single","plan":"double","severity":"critical"},
		{"item":"paint","conversation":"white","plan":"ivory","severity":"low"}]}`
	ctx := context.Background()
	sess := f.upload(t, "", nil)
	if _, err := f.store.CreateAttachment(ctx, &sess.ID, nil, "a2.pdf", "/plans/a2.pdf"); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	out, err := f.orch.ProcessSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if !out.Alerted || out.Discrepancies != 3 {
		t.Errorf("outcome = %+v", out)
	}
	if n := f.pub.count(notify.TypeDiscrepancies); n != 1 {
		t.Errorf("discrepancy notifications = %d, want 1", n)
	}
	// One alert email plus the summary email.
	if len(f.mail.emails) != 2 || !strings.Contains(f.mail.emails[0].Subject, "2 plan discrepancies") {
		t.Errorf("emails = %+v", f.mail.emails)
	}
	if got := f.session(t, sess.ID); !strings.Contains(got.DiscrepanciesJSON, "vanity") {
		t.Errorf("discrepancies = %q", got.DiscrepanciesJSON)
	}
	n, _ := retrieval.NewSQLiteStore(f.store.DB()).Count(ctx)
	if n != 3 {
		t.Errorf("chunks = %d, want transcript + summary + plan", n)
	}
}

func TestProcess_NoDiscrepanciesNoAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.upload(t, "", nil)
	f.store.CreateAttachment(ctx, &sess.ID, nil, "a2.pdf", "/plans/a2.pdf")

	out, err := f.orch.ProcessSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if out.Alerted || f.pub.count(notify.TypeDiscrepancies) != 0 || len(f.mail.emails) != 1 {
		t.Errorf("unexpected alert: %+v emails=%d", out, len(f.mail.emails))
	}
	if f.crossRef.calls != 1 {
		t.Errorf("cross-reference calls = %d", f.crossRef.calls)
	}
}

func TestProcess_PlanFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.plans.err = errors.New("open PDF: not a PDF file")
	ctx := context.Background()
	sess := f.upload(t, "", nil)
	f.store.CreateAttachment(ctx, &sess.ID, nil, "bad.pdf", "/plans/bad.pdf")

	if _, err := f.orch.ProcessSession(ctx, sess.ID); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if f.crossRef.calls != 0 {
		t.Error("cross-referenced without a usable plan")
	}
	if f.session(t, sess.ID).Status != storage.StatusComplete {
		t.Error("session not complete")
	}
}

func TestProcess_PlanParseErrorSkipsCrossReference(t *testing.T) {
	f := newFixture(t)
	f.plans.raw = "no structure here"
	ctx := context.Background()
	sess := f.upload(t, "", nil)
	f.store.CreateAttachment(ctx, &sess.ID, nil, "a2.pdf", "/plans/a2.pdf")

	if _, err := f.orch.ProcessSession(ctx, sess.ID); err != nil {
		t.Fatalf("ProcessSession: %v", err)
	}
	if f.crossRef.calls != 0 {
		t.Error("cross-referenced a plan with a parse error")
	}
	atts, _ := f.store.ListAttachments(ctx, sess.ID, nil)
	if len(atts) != 1 || !atts[0].ParseError || atts[0].AnalysisJSON != "no structure here" {
		t.Errorf("attachment = %+v", atts)
	}
}

func TestRetry_ReplaysWithoutDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.crossRef.err = fmt.Errorf("%w: 500", upstream.ErrFailure)
	sess := f.upload(t, "oak creek lot 42", nil)
	f.store.CreateAttachment(ctx, &sess.ID, nil, "a2.pdf", "/plans/a2.pdf")

	if _, err := f.orch.ProcessSession(ctx, sess.ID); err == nil {
		t.Fatal("expected failure")
	}
	// Leftovers from an earlier partial run.
	f.store.SaveActionItems(ctx, sess.ID, nil, []storage.ActionItem{{Description: "stale"}})
	vs := retrieval.NewSQLiteStore(f.store.DB())
	vs.Insert(ctx, []retrieval.Chunk{{ID: "stale", SessionID: sess.ID, Type: retrieval.ChunkTranscript, Text: "stale", Embedding: []float32{0, 1, 0}}})

	if _, err := f.orch.ProcessSession(ctx, sess.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("processing an errored session: got %v", err)
	}

	f.crossRef.err = nil
	out, err := f.orch.Retry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if f.session(t, sess.ID).Status != storage.StatusComplete {
		t.Fatal("session not complete after retry")
	}
	items, _ := f.store.ListActionItems(ctx, storage.ActionItemFilter{SessionID: &sess.ID})
	if len(items) != 1 || items[0].Description != "Confirm toilet count" {
		t.Errorf("action items = %+v", items)
	}
	n, _ := vs.Count(ctx)
	if n != out.Indexed.Embedded {
		t.Errorf("chunks = %d, want %d", n, out.Indexed.Embedded)
	}
	job, err := f.store.GetJob(ctx, *f.session(t, sess.ID).JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if lines := strings.Split(job.Intelligence, "\n"); len(lines) != 1 {
		t.Errorf("intelligence lines = %d: %q", len(lines), job.Intelligence)
	}
}

func TestRetry_RequiresErrorStatus(t *testing.T) {
	f := newFixture(t)
	sess := f.upload(t, "", nil)
	if _, err := f.orch.Retry(context.Background(), sess.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestFirstSentence(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Framing done. Roof next.", 100, "Framing done."},
		{"No period here", 100, "No period here"},
		{"  spaced\n  out.  ", 100, "spaced out."},
		{"abcdefghij", 4, "abcd..."},
	}
	for _, tt := range tests {
		if got := firstSentence(tt.in, tt.max); got != tt.want {
			t.Errorf("firstSentence(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
