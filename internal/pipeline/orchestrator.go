// Package pipeline drives uploaded Sessions through transcription, command
// extraction, job resolution, summarization, plan cross-referencing,
// indexing, and notification.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/sitewalk/internal/analysis"
	"github.com/kalambet/sitewalk/internal/commands"
	"github.com/kalambet/sitewalk/internal/indexer"
	"github.com/kalambet/sitewalk/internal/metrics"
	"github.com/kalambet/sitewalk/internal/notify"
	"github.com/kalambet/sitewalk/internal/resolver"
	"github.com/kalambet/sitewalk/internal/storage"
	"github.com/kalambet/sitewalk/internal/transcribe"
)

// Summarizer produces the structured summary of a cleaned transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, rooms []string) (analysis.Result[analysis.Summary], error)
}

// PlanAnalyzer structures one plan document.
type PlanAnalyzer interface {
	Analyze(ctx context.Context, path string) (analysis.Result[analysis.PlanAnalysis], error)
}

// CrossReferencer compares a walk against analyzed plans.
type CrossReferencer interface {
	Compare(ctx context.Context, transcript, summary string, plans []analysis.PlanAnalysis) (analysis.Result[analysis.CrossReference], error)
}

// Deps are the collaborators of an Orchestrator. Metrics may be nil.
type Deps struct {
	Store       *storage.Store
	Transcriber transcribe.Transcriber
	Summarizer  Summarizer
	Plans       PlanAnalyzer
	CrossRef    CrossReferencer
	Resolver    *resolver.Resolver
	Indexer     *indexer.Indexer
	Notifier    notify.Publisher
	Mailer      notify.Mailer
	Recipients  []string
	Metrics     *metrics.Metrics
}

// Orchestrator runs Sessions through the pipeline. Runs of different
// Sessions are independent and may execute concurrently.
type Orchestrator struct {
	d      Deps
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{d: d, logger: slog.Default()}
}

// Outcome describes a completed run.
type Outcome struct {
	SessionID     int64          `json:"session_id"`
	JobID         *int64         `json:"job_id"`
	JobCreated    bool           `json:"job_created"`
	ActionItems   int            `json:"action_items"`
	Discrepancies int            `json:"discrepancies"`
	Alerted       bool           `json:"alerted"`
	EmailSent     bool           `json:"email_sent"`
	Indexed       indexer.Report `json:"indexed"`
}

// ProcessSession drives one Session from uploaded to complete. Chunks and
// action items from earlier runs are cleared first, so calling it again
// after ResetForRetry does not duplicate results. Any fatal stage failure
// moves the Session to error, stores the message, and emits an error
// notification.
func (o *Orchestrator) ProcessSession(ctx context.Context, id int64) (Outcome, error) {
	sess, err := o.d.Store.GetSession(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading session %d: %w", id, err)
	}
	if sess.Status != storage.StatusUploaded {
		return Outcome{}, fmt.Errorf("session %d is %s, want %s: %w",
			id, sess.Status, storage.StatusUploaded, storage.ErrInvalidTransition)
	}

	r := &run{o: o, sess: sess, out: Outcome{SessionID: id, JobID: sess.JobID}}
	start := time.Now()
	if err := r.execute(ctx); err != nil {
		o.fail(ctx, r.sess, err)
		o.d.Metrics.RunFinished("error")
		return r.out, err
	}
	o.d.Metrics.RunFinished("complete")
	o.logger.Info("session processed", "session_id", id, "job_id", derefID(r.out.JobID),
		"action_items", r.out.ActionItems, "discrepancies", r.out.Discrepancies,
		"duration", time.Since(start).Round(time.Millisecond))
	return r.out, nil
}

// Retry resets an errored Session to uploaded and processes it again from
// the start.
func (o *Orchestrator) Retry(ctx context.Context, id int64) (Outcome, error) {
	if err := o.d.Store.ResetForRetry(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("resetting session %d: %w", id, err)
	}
	o.logger.Info("session reset for retry", "session_id", id)
	return o.ProcessSession(ctx, id)
}

func (o *Orchestrator) fail(ctx context.Context, sess storage.Session, cause error) {
	msg := cause.Error()
	o.logger.Error("session processing failed", "session_id", sess.ID, "error", cause)
	if err := o.d.Store.FailSession(ctx, sess.ID, msg); err != nil {
		o.logger.Error("marking session failed", "session_id", sess.ID, "error", err)
	}
	id := sess.ID
	o.d.Notifier.Publish(ctx, storage.Notification{
		Type:      notify.TypeError,
		Title:     fmt.Sprintf("Session #%d failed", sess.ID),
		Body:      msg,
		JobID:     sess.JobID,
		SessionID: &id,
	}, map[string]any{"session_id": sess.ID, "error": msg})
}

// run holds the state of one pipeline pass.
type run struct {
	o    *Orchestrator
	sess storage.Session
	out  Outcome

	cleaned  string
	meta     commands.Metadata
	summary  analysis.Result[analysis.Summary]
	job      *storage.Job
	plans    []sessionPlan
	crossRef analysis.CrossReference
}

type sessionPlan struct {
	attachment storage.Attachment
	analysis   analysis.PlanAnalysis
}

func (r *run) execute(ctx context.Context) error {
	st := r.o.d.Store
	if err := st.ClearDerived(ctx, r.sess.ID); err != nil {
		return fmt.Errorf("clearing previous results: %w", err)
	}

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"transcribe", r.transcribe},
		{"extract", r.extract},
		{"match_job", r.matchJob},
		{"summarize", r.summarize},
		{"resolve_job", r.resolveJob},
		{"plans", r.crossReference},
		{"persist", r.persist},
		{"complete", r.complete},
	}
	for _, s := range stages {
		start := time.Now()
		err := s.fn(ctx)
		r.o.d.Metrics.ObserveStage(s.name, time.Since(start))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) transcribe(ctx context.Context) error {
	st := r.o.d.Store
	if err := st.TransitionSession(ctx, r.sess.ID, storage.StatusTranscribing); err != nil {
		return err
	}
	res, err := r.o.d.Transcriber.Transcribe(ctx, r.sess.AudioPath)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	segments, err := json.Marshal(res.Segments)
	if err != nil {
		return fmt.Errorf("encoding segments: %w", err)
	}
	if err := st.SaveTranscript(ctx, r.sess.ID, res.Text, string(segments), res.Duration); err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}
	r.sess.Transcript = res.Text
	return nil
}

func (r *run) extract(ctx context.Context) error {
	ex := commands.Extract(r.sess.Transcript)
	r.cleaned = ex.Cleaned
	r.meta = commands.Aggregate(ex.Matches)
	if len(r.meta.RoomMarkers) == 0 {
		return nil
	}
	b, err := json.Marshal(r.meta.RoomMarkers)
	if err != nil {
		return err
	}
	if err := r.o.d.Store.SaveRoomMarkers(ctx, r.sess.ID, string(b)); err != nil {
		return fmt.Errorf("saving room markers: %w", err)
	}
	return nil
}

// voiceTag prefers the tag supplied with the upload over one spoken in the walk.
func (r *run) voiceTag() string {
	if t := strings.TrimSpace(r.sess.VoiceTag); t != "" {
		return t
	}
	return r.meta.JobTag
}

// matchJob resolves against existing Jobs only: an explicit Job on the
// Session, then a fuzzy voice-tag match.
func (r *run) matchJob(ctx context.Context) error {
	st := r.o.d.Store
	if r.sess.JobID != nil {
		j, err := st.GetJob(ctx, *r.sess.JobID)
		if err != nil {
			return fmt.Errorf("loading job %d: %w", *r.sess.JobID, err)
		}
		r.job = &j
		return nil
	}
	tag := r.voiceTag()
	if tag == "" {
		return nil
	}
	j, err := r.o.d.Resolver.MatchTag(ctx, tag)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("matching voice tag: %w", err)
	}
	r.job = &j
	return r.link(ctx)
}

func (r *run) summarize(ctx context.Context) error {
	if err := r.o.d.Store.TransitionSession(ctx, r.sess.ID, storage.StatusSummarizing); err != nil {
		return err
	}
	rooms := make([]string, len(r.meta.RoomMarkers))
	for i, m := range r.meta.RoomMarkers {
		rooms[i] = m.Name
	}
	res, err := r.o.d.Summarizer.Summarize(ctx, r.cleaned, rooms)
	if err != nil {
		return fmt.Errorf("summarization failed: %w", err)
	}
	r.summary = res

	text, body := res.Raw, res.Raw
	if res.OK() {
		text = res.Data.Summary
		b, err := json.Marshal(res.Data)
		if err != nil {
			return err
		}
		body = string(b)
	} else {
		r.o.logger.Warn("summary did not parse, storing raw output",
			"session_id", r.sess.ID, "parse_error", res.ParseError)
	}
	if err := r.o.d.Store.SaveSummary(ctx, r.sess.ID, text, body, !res.OK()); err != nil {
		return fmt.Errorf("saving summary: %w", err)
	}
	return nil
}

// resolveJob falls back to the summary's identifying fields, creating a Job
// when nothing matches and at least one field is known.
func (r *run) resolveJob(ctx context.Context) error {
	if r.job == nil {
		var id resolver.Identity
		if r.summary.OK() {
			id = resolver.Identity{
				BuilderName: r.summary.Data.BuilderName,
				Subdivision: r.summary.Data.Subdivision,
				LotNumber:   r.summary.Data.LotNumber,
			}
		}
		j, created, err := r.o.d.Resolver.Resolve(ctx, r.voiceTag(), id)
		if err != nil {
			return fmt.Errorf("resolving job: %w", err)
		}
		if j == nil {
			r.o.logger.Info("session left without a job", "session_id", r.sess.ID)
			return nil
		}
		r.job = j
		r.out.JobCreated = created
		if err := r.link(ctx); err != nil {
			return err
		}
	}

	phase := ""
	if r.summary.OK() {
		phase = r.summary.Data.Phase
	}
	line := fmt.Sprintf("%s: %s", r.sess.CreatedAt.Format("2006-01-02"), firstSentence(r.summaryText(), 240))
	if err := r.o.d.Store.UpdateJobRollup(ctx, r.job.ID, r.sess.ID, phase, line); err != nil {
		return fmt.Errorf("updating job rollup: %w", err)
	}
	return nil
}

func (r *run) link(ctx context.Context) error {
	if err := r.o.d.Store.SetSessionJob(ctx, r.sess.ID, r.job.ID); err != nil {
		return fmt.Errorf("linking job: %w", err)
	}
	id := r.job.ID
	r.sess.JobID = &id
	r.out.JobID = &id
	return nil
}

func (r *run) summaryText() string {
	if r.summary.OK() {
		return r.summary.Data.Summary
	}
	return r.summary.Raw
}

// crossReference analyzes pending attachments, then compares the walk
// against every usable analysis. A failed attachment is skipped.
func (r *run) crossReference(ctx context.Context) error {
	st := r.o.d.Store
	atts, err := st.ListAttachments(ctx, r.sess.ID, r.sess.JobID)
	if err != nil {
		return fmt.Errorf("listing attachments: %w", err)
	}

	var plans []analysis.PlanAnalysis
	for _, a := range atts {
		if a.AnalyzedAt == nil {
			a, err = r.analyze(ctx, a)
			if err != nil {
				r.o.logger.Warn("plan analysis failed, skipping attachment",
					"session_id", r.sess.ID, "attachment_id", a.ID, "error", err)
				continue
			}
		}
		if !a.Analyzed() {
			continue
		}
		var pa analysis.PlanAnalysis
		if err := json.Unmarshal([]byte(a.AnalysisJSON), &pa); err != nil {
			r.o.logger.Warn("stored plan analysis unreadable, skipping",
				"attachment_id", a.ID, "error", err)
			continue
		}
		plans = append(plans, pa)
		r.plans = append(r.plans, sessionPlan{attachment: a, analysis: pa})
	}
	if len(plans) == 0 {
		return nil
	}

	res, err := r.o.d.CrossRef.Compare(ctx, r.cleaned, r.summaryText(), plans)
	if err != nil {
		return fmt.Errorf("cross-referencing plans: %w", err)
	}
	stored := res.Raw
	if res.OK() {
		r.crossRef = res.Data
		b, err := json.Marshal(res.Data.Discrepancies)
		if err != nil {
			return err
		}
		stored = string(b)
	} else {
		r.o.logger.Warn("cross-reference did not parse", "session_id", r.sess.ID, "parse_error", res.ParseError)
	}
	if err := st.SaveDiscrepancies(ctx, r.sess.ID, stored); err != nil {
		return fmt.Errorf("saving discrepancies: %w", err)
	}
	r.out.Discrepancies = len(r.crossRef.Discrepancies)

	if alerting := r.crossRef.Alerting(); len(alerting) > 0 {
		r.alert(ctx, alerting)
	}
	return nil
}

func (r *run) analyze(ctx context.Context, a storage.Attachment) (storage.Attachment, error) {
	res, err := r.o.d.Plans.Analyze(ctx, a.Path)
	if err != nil {
		return a, err
	}
	body := res.Raw
	if res.OK() {
		b, err := json.Marshal(res.Data)
		if err != nil {
			return a, err
		}
		body = string(b)
	}
	if err := r.o.d.Store.SaveAttachmentAnalysis(ctx, a.ID, body, !res.OK()); err != nil {
		return a, err
	}
	now := time.Now()
	a.AnalysisJSON, a.ParseError, a.AnalyzedAt = body, !res.OK(), &now
	return a, nil
}

// alert sends one email and one notification for the whole discrepancy set.
func (r *run) alert(ctx context.Context, alerting []analysis.Discrepancy) {
	var body strings.Builder
	for _, d := range alerting {
		fmt.Fprintf(&body, "[%s] %s: walk said %q, plan says %q\n", d.Severity, d.Item, d.Conversation, d.Plan)
	}
	title := fmt.Sprintf("%d plan discrepancies on %s", len(alerting), r.jobLabel())
	r.o.d.Mailer.Send(ctx, notify.Email{
		To:      r.o.d.Recipients,
		Subject: title,
		Body:    body.String(),
		Data:    map[string]any{"session_id": r.sess.ID, "discrepancies": alerting},
	})
	id := r.sess.ID
	r.o.d.Notifier.Publish(ctx, storage.Notification{
		Type:      notify.TypeDiscrepancies,
		Title:     title,
		Body:      body.String(),
		JobID:     r.sess.JobID,
		SessionID: &id,
	}, map[string]any{"session_id": r.sess.ID, "discrepancies": alerting})
	r.out.Alerted = true
}

func (r *run) persist(ctx context.Context) error {
	st := r.o.d.Store
	if r.summary.OK() {
		items := make([]storage.ActionItem, 0, len(r.summary.Data.ActionItems))
		for _, it := range r.summary.Data.ActionItems {
			desc := it.Description
			if it.Room != "" {
				desc = fmt.Sprintf("%s (%s)", desc, it.Room)
			}
			items = append(items, storage.ActionItem{Description: desc, Assignee: it.Assignee, Priority: it.Priority})
		}
		n, err := st.SaveActionItems(ctx, r.sess.ID, r.sess.JobID, items)
		if err != nil {
			return fmt.Errorf("saving action items: %w", err)
		}
		r.out.ActionItems = n
	}

	ix := r.o.d.Indexer
	rep, err := ix.IndexTranscript(ctx, r.sess.ID, r.sess.JobID, r.cleaned, r.meta.FlagOffsets)
	if err != nil {
		return fmt.Errorf("indexing transcript: %w", err)
	}
	r.out.Indexed.Add(rep)

	if r.summary.OK() {
		rep, err := ix.IndexSummary(ctx, r.sess.ID, r.sess.JobID, r.summary.Data.Summary)
		if err != nil {
			return fmt.Errorf("indexing summary: %w", err)
		}
		r.out.Indexed.Add(rep)
	}

	for _, p := range r.plans {
		if p.attachment.SessionID == nil || *p.attachment.SessionID != r.sess.ID {
			continue
		}
		rep, err := ix.IndexPlanAnalysis(ctx, r.sess.ID, r.sess.JobID, p.analysis.Text())
		if err != nil {
			return fmt.Errorf("indexing plan %d: %w", p.attachment.ID, err)
		}
		r.out.Indexed.Add(rep)
	}
	r.o.d.Metrics.ChunksIndexed(r.out.Indexed.Embedded, r.out.Indexed.Failed)
	return nil
}

func (r *run) complete(ctx context.Context) error {
	st := r.o.d.Store
	if err := st.TransitionSession(ctx, r.sess.ID, storage.StatusComplete); err != nil {
		return err
	}

	subject := fmt.Sprintf("Site walk #%d: %s", r.sess.ID, r.jobLabel())
	if r.o.d.Mailer.Send(ctx, notify.Email{
		To:      r.o.d.Recipients,
		Subject: subject,
		Body:    r.summaryText(),
		Data:    map[string]any{"session_id": r.sess.ID, "job_id": r.sess.JobID, "action_items": r.out.ActionItems},
	}) {
		if err := st.MarkEmailSent(ctx, r.sess.ID); err != nil {
			r.o.logger.Warn("recording email delivery", "session_id", r.sess.ID, "error", err)
		} else {
			r.out.EmailSent = true
		}
	}

	id := r.sess.ID
	r.o.d.Notifier.Publish(ctx, storage.Notification{
		Type:      notify.TypeSessionComplete,
		Title:     subject,
		Body:      firstSentence(r.summaryText(), 280),
		JobID:     r.sess.JobID,
		SessionID: &id,
	}, r.out)
	return nil
}

func (r *run) jobLabel() string {
	if r.job != nil && r.job.Name != "" {
		return r.job.Name
	}
	return "unassigned job"
}

// firstSentence returns the first sentence of s, cut to at most max bytes.
func firstSentence(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".!?"); i >= 0 && i+1 < len(s) {
		s = s[:i+1]
	}
	if len(s) > max {
		for max > 0 && !utf8.RuneStart(s[max]) {
			max--
		}
		s = strings.TrimSpace(s[:max]) + "..."
	}
	return s
}

func derefID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
