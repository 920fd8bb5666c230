package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/upstream"
)

const digestTimeout = 60 * time.Second

// DigestEntry is one completed walk to include in a digest.
type DigestEntry struct {
	JobName   string
	Summary   string
	CreatedAt time.Time
}

const digestSystemPrompt = `You write a short daily digest for a construction superintendent. Group the walks by job, lead with problems and open decisions, and keep it under 200 words. Plain text only.`

// Digester writes the daily digest.
type Digester struct {
	gen     engine.Generator
	timeout time.Duration
	logger  *slog.Logger
}

// NewDigester creates a Digester.
func NewDigester(gen engine.Generator) *Digester {
	return &Digester{gen: gen, timeout: digestTimeout, logger: slog.Default()}
}

// Digest summarizes entries. A timeout is swallowed and yields an empty
// digest; other upstream failures are returned.
func (d *Digester) Digest(ctx context.Context, entries []DigestEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	var user strings.Builder
	for _, e := range entries {
		name := e.JobName
		if name == "" {
			name = "Unassigned"
		}
		fmt.Fprintf(&user, "[%s, %s]\n%s\n\n", name, e.CreatedAt.Format("Jan 2 15:04"), e.Summary)
	}

	out, err := d.gen.Generate(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: digestSystemPrompt},
		{Role: engine.RoleUser, Content: strings.TrimSpace(user.String())},
	}, engine.Options{Temperature: engine.Temp(0.3), Timeout: d.timeout})
	if errors.Is(err, upstream.ErrTimeout) {
		d.logger.Warn("digest generation timed out, skipping")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("generating digest: %w", err)
	}
	return strings.TrimSpace(out), nil
}
