package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/sitewalk/internal/engine"
)

// Severity grades a discrepancy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alerts reports whether s warrants an immediate alert.
func (s Severity) Alerts() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Discrepancy is one mismatch between what was said on the walk and what the
// plans specify.
type Discrepancy struct {
	Item         string   `json:"item"`
	Conversation string   `json:"conversation"`
	Plan         string   `json:"plan"`
	Severity     Severity `json:"severity"`
	Room         string   `json:"room,omitempty"`
}

// CrossReference is the outcome of comparing one walk against its plans.
type CrossReference struct {
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Validate normalizes severities; unknown values become medium.
func (c *CrossReference) Validate() error {
	for i := range c.Discrepancies {
		d := &c.Discrepancies[i]
		switch s := Severity(strings.ToLower(string(d.Severity))); s {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
			d.Severity = s
		default:
			d.Severity = SeverityMedium
		}
	}
	return nil
}

// Alerting returns the discrepancies that warrant an alert.
func (c CrossReference) Alerting() []Discrepancy {
	var out []Discrepancy
	for _, d := range c.Discrepancies {
		if d.Severity.Alerts() {
			out = append(out, d)
		}
	}
	return out
}

const crossRefSystemPrompt = `You compare a construction site walk against the analyzed plans for the same house. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Report each place where the conversation contradicts the plans: wrong counts, wrong fixtures, wrong locations, missing items. Grade severity as low, medium, high, or critical. Report nothing when they agree.`

func crossRefSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"discrepancies": {Type: "array", Description: "Objects with item, conversation, plan, severity, room"},
		},
		Required: []string{"discrepancies"},
	}
}

// CrossReferencer compares a walk against analyzed plans.
type CrossReferencer struct {
	gen engine.Generator
}

// NewCrossReferencer creates a CrossReferencer.
func NewCrossReferencer(gen engine.Generator) *CrossReferencer {
	return &CrossReferencer{gen: gen}
}

// Compare asks the generation service for discrepancies between the walk and
// plans. It returns an empty result without calling out when plans is empty.
func (c *CrossReferencer) Compare(ctx context.Context, transcript, summary string, plans []PlanAnalysis) (Result[CrossReference], error) {
	if len(plans) == 0 {
		return Result[CrossReference]{}, nil
	}
	var user strings.Builder
	for i, p := range plans {
		fmt.Fprintf(&user, "[Plan %d]\n%s\n\n", i+1, p.Text())
	}
	if summary != "" {
		fmt.Fprintf(&user, "[Walk summary]\n%s\n\n", summary)
	}
	fmt.Fprintf(&user, "[Walk transcript]\n%s", transcript)

	raw, err := c.gen.Generate(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: crossRefSystemPrompt},
		{Role: engine.RoleUser, Content: user.String()},
	}, engine.Options{Temperature: engine.Temp(0), Schema: crossRefSchema()})
	if err != nil {
		return Result[CrossReference]{}, fmt.Errorf("cross-referencing plans: %w", err)
	}
	return ParseStructured[CrossReference](raw), nil
}
