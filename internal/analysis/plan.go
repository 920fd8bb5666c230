package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/sitewalk/internal/engine"
)

// PlanRoom is what the plan specifies for one room.
type PlanRoom struct {
	Name     string   `json:"name"`
	Fixtures []string `json:"fixtures,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// PlanAnalysis is the structured reading of one plan document.
type PlanAnalysis struct {
	Summary        string     `json:"summary"`
	Rooms          []PlanRoom `json:"rooms,omitempty"`
	Specifications []string   `json:"specifications,omitempty"`
}

func (p *PlanAnalysis) Validate() error {
	if strings.TrimSpace(p.Summary) == "" && len(p.Rooms) == 0 {
		return errors.New("plan analysis has neither summary nor rooms")
	}
	return nil
}

// Text renders the analysis as plain text for indexing and prompts.
func (p PlanAnalysis) Text() string {
	var b strings.Builder
	b.WriteString(p.Summary)
	for _, r := range p.Rooms {
		fmt.Fprintf(&b, "\n%s", r.Name)
		if len(r.Fixtures) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(r.Fixtures, ", "))
		}
		if r.Notes != "" {
			fmt.Fprintf(&b, " (%s)", r.Notes)
		}
	}
	for _, s := range p.Specifications {
		fmt.Fprintf(&b, "\n- %s", s)
	}
	return strings.TrimSpace(b.String())
}

const planSystemPrompt = `You read residential construction plans. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

List every room with the fixtures and finishes the plan specifies for it, with counts where the plan gives them. Put plan-wide specifications (materials, ceiling heights, electrical notes) in "specifications".`

func planSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"summary":        {Type: "string", Description: "One paragraph overview of the plan"},
			"rooms":          {Type: "array", Description: "Objects with name, fixtures (array of strings), notes"},
			"specifications": {Type: "array", Description: "Plan-wide specifications"},
		},
		Required: []string{"summary", "rooms"},
	}
}

// PlanAnalyzer extracts text from a plan document and asks the generation
// service to structure it.
type PlanAnalyzer struct {
	gen      engine.Generator
	extract  func(path string) (string, error)
	maxChars int
}

// DefaultPlanChars caps the plan text sent in one analysis request.
const DefaultPlanChars = 24000

// NewPlanAnalyzer creates a PlanAnalyzer that reads PDFs from disk.
func NewPlanAnalyzer(gen engine.Generator) *PlanAnalyzer {
	return &PlanAnalyzer{gen: gen, extract: ExtractPlanText, maxChars: DefaultPlanChars}
}

// Analyze reads the document at path and returns its structured analysis.
// Extraction and upstream failures are errors; malformed output is a Result
// with ParseError set.
func (a *PlanAnalyzer) Analyze(ctx context.Context, path string) (Result[PlanAnalysis], error) {
	text, err := a.extract(path)
	if err != nil {
		return Result[PlanAnalysis]{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result[PlanAnalysis]{}, fmt.Errorf("plan %s has no extractable text", path)
	}
	if len(text) > a.maxChars {
		text = text[:a.maxChars]
	}

	raw, err := a.gen.Generate(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: planSystemPrompt},
		{Role: engine.RoleUser, Content: text},
	}, engine.Options{Temperature: engine.Temp(0), Schema: planSchema()})
	if err != nil {
		return Result[PlanAnalysis]{}, fmt.Errorf("analyzing plan %s: %w", path, err)
	}
	return ParseStructured[PlanAnalysis](raw), nil
}
