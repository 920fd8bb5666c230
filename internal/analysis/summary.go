package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/sitewalk/internal/engine"
)

// SummaryItem is a follow-up task the summary extracted from the walk.
type SummaryItem struct {
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Room        string `json:"room,omitempty"`
}

// Summary is the structured record of one field walk.
type Summary struct {
	Summary     string        `json:"summary"`
	BuilderName string        `json:"builder_name,omitempty"`
	Subdivision string        `json:"subdivision,omitempty"`
	LotNumber   string        `json:"lot_number,omitempty"`
	Phase       string        `json:"phase,omitempty"`
	KeyPoints   []string      `json:"key_points,omitempty"`
	ActionItems []SummaryItem `json:"action_items,omitempty"`
}

// Validate requires the narrative summary; everything else is optional.
func (s *Summary) Validate() error {
	if strings.TrimSpace(s.Summary) == "" {
		return errors.New("summary is empty")
	}
	return nil
}

const summarySystemPrompt = `You summarize construction site walk recordings for a home builder. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- "summary" is a short narrative of what was inspected and decided.
- Fill builder_name, subdivision, and lot_number only when the speaker states them. Never guess.
- "phase" is the construction phase if stated (for example: foundation, framing, drywall, trim, final).
- Every follow-up task becomes one action_items entry with a concrete description.`

func summarySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"summary":      {Type: "string", Description: "Narrative summary of the walk"},
			"builder_name": {Type: "string", Description: "Builder or company name, if stated"},
			"subdivision":  {Type: "string", Description: "Subdivision or community name, if stated"},
			"lot_number":   {Type: "string", Description: "Lot number, if stated"},
			"phase":        {Type: "string", Description: "Construction phase, if stated"},
			"key_points":   {Type: "array", Description: "Notable observations"},
			"action_items": {Type: "array", Description: "Objects with description, assignee, priority, room"},
		},
		Required: []string{"summary", "action_items"},
	}
}

// Summarizer asks the generation service for a structured walk summary.
type Summarizer struct {
	gen engine.Generator
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(gen engine.Generator) *Summarizer {
	return &Summarizer{gen: gen}
}

// Summarize summarizes a cleaned transcript. rooms, when present, are the
// spoken room markers in walk order. An upstream error is returned as an
// error; malformed output is returned as a Result with ParseError set.
func (s *Summarizer) Summarize(ctx context.Context, transcript string, rooms []string) (Result[Summary], error) {
	var user strings.Builder
	if len(rooms) > 0 {
		fmt.Fprintf(&user, "Rooms visited, in order: %s\n\n", strings.Join(rooms, ", "))
	}
	user.WriteString("Transcript:\n")
	user.WriteString(transcript)

	raw, err := s.gen.Generate(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: summarySystemPrompt},
		{Role: engine.RoleUser, Content: user.String()},
	}, engine.Options{Temperature: engine.Temp(0.2), Schema: summarySchema()})
	if err != nil {
		return Result[Summary]{}, fmt.Errorf("summarizing transcript: %w", err)
	}
	return ParseStructured[Summary](raw), nil
}
