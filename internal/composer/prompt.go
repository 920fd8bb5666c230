// Package composer assembles grounded chat prompts from retrieved chunks,
// open action items, and the live question.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/storage"
)

const (
	defaultMaxContextTokens = 4000
	// DefaultTopK is the number of vector hits used to ground a chat answer.
	DefaultTopK = 8
)

const systemPrompt = `You answer questions about residential construction site walks. Use only the records below. Each record starts with a header giving the job, the walk date, and the record type. Cite the job and date when you use a record. If the records do not answer the question, say so.`

// Composer builds chat messages within a token budget for injected context.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns a system message carrying the grounding context followed
// by the question as the user message. Hits are ordered by similarity and
// the lowest-scoring ones are dropped first when the budget runs out.
func (c *Composer) Compose(question string, hits []retrieval.ScoredChunk, openItems []storage.ActionItem) []engine.Message {
	sys := systemPrompt
	if ctx := c.buildContext(hits, openItems); ctx != "" {
		sys += "\n\n" + ctx
	}
	return []engine.Message{
		{Role: engine.RoleSystem, Content: sys},
		{Role: engine.RoleUser, Content: question},
	}
}

func (c *Composer) buildContext(hits []retrieval.ScoredChunk, openItems []storage.ActionItem) string {
	remaining := c.MaxContextTokens

	var items string
	if len(openItems) > 0 {
		items = formatActionItems(openItems)
		if t := EstimateTokens(items); t <= remaining {
			remaining -= t
		} else {
			items = ""
		}
	}

	sorted := make([]retrieval.ScoredChunk, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})

	const header = "[Site Walk Records]\n"
	remaining -= EstimateTokens(header)

	var selected []string
	for _, h := range sorted {
		entry := formatChunk(h)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	var sb strings.Builder
	if len(selected) > 0 {
		sb.WriteString(header)
		for _, e := range selected {
			sb.WriteString(e)
		}
	}
	if items != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(items)
	}
	return strings.TrimSpace(sb.String())
}

func formatChunk(h retrieval.ScoredChunk) string {
	job := h.JobName
	if job == "" {
		job = "unassigned job"
	}
	date := "unknown date"
	if !h.SessionDate.IsZero() {
		date = h.SessionDate.Format("2006-01-02")
	}
	flag := ""
	if h.Flagged {
		flag = " | FLAGGED"
	}
	return fmt.Sprintf("[%s | %s | %s%s]\n%s\n\n", job, date, h.Type, flag, h.Text)
}

func formatActionItems(items []storage.ActionItem) string {
	var sb strings.Builder
	sb.WriteString("[Open Action Items]\n")
	for _, it := range items {
		sb.WriteString("- ")
		sb.WriteString(it.Description)
		if it.Assignee != "" {
			fmt.Fprintf(&sb, " (assignee: %s)", it.Assignee)
		}
		if it.Priority != "" {
			fmt.Fprintf(&sb, " [%s]", it.Priority)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var actionKeywords = []string{
	"action item", "to do", "todo", "to-do", "follow up", "follow-up",
	"outstanding", "open item", "punch list", "pending", "still need",
}

// WantsActionItems reports whether the question asks about follow-up work.
func WantsActionItems(question string) bool {
	q := strings.ToLower(question)
	for _, k := range actionKeywords {
		if strings.Contains(q, k) {
			return true
		}
	}
	return false
}
