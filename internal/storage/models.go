package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job is a tracked work site. Identity is (subdivision, lot_number) when both
// are present; otherwise the record is freeform.
type Job struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	BuilderName  string    `json:"builder_name,omitempty"`
	Subdivision  string    `json:"subdivision,omitempty"`
	LotNumber    string    `json:"lot_number,omitempty"`
	VoiceTag     string    `json:"voice_tag,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Intelligence string    `json:"intelligence,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is one recorded field walk.
type Session struct {
	ID                int64         `json:"id"`
	JobID             *int64        `json:"job_id"`
	AudioPath         string        `json:"audio_path"`
	VoiceTag          string        `json:"voice_tag,omitempty"`
	Status            SessionStatus `json:"status"`
	Transcript        string        `json:"transcript,omitempty"`
	SegmentsJSON      string        `json:"segments,omitempty"`
	DurationSeconds   float64       `json:"duration_seconds"`
	SummaryText       string        `json:"summary_text,omitempty"`
	SummaryJSON       string        `json:"summary,omitempty"`
	SummaryParseError bool          `json:"summary_parse_error"`
	RoomMarkersJSON   string        `json:"room_markers,omitempty"`
	DiscrepanciesJSON string        `json:"discrepancies,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	// RetryCount counts resets from error back to uploaded.
	RetryCount        int           `json:"retry_count"`
	EmailSentAt       *time.Time    `json:"email_sent_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ActionItem is an extracted follow-up task.
type ActionItem struct {
	ID          int64      `json:"id"`
	SessionID   int64      `json:"session_id"`
	JobID       *int64     `json:"job_id"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Notification is an append-only log entry.
type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PayloadJSON string    `json:"payload,omitempty"`
	JobID       *int64    `json:"job_id,omitempty"`
	SessionID   *int64    `json:"session_id,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Attachment is a plan document attached to a Session or Job. AnalysisJSON is
// empty until the document has been analyzed.
type Attachment struct {
	ID           int64      `json:"id"`
	SessionID    *int64     `json:"session_id,omitempty"`
	JobID        *int64     `json:"job_id,omitempty"`
	Filename     string     `json:"filename"`
	Path         string     `json:"path"`
	AnalysisJSON string     `json:"analysis,omitempty"`
	ParseError   bool       `json:"parse_error"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Analyzed reports whether the attachment carries a usable analysis.
func (a Attachment) Analyzed() bool {
	return a.AnalyzedAt != nil && !a.ParseError
}
