package prompt

import (
	"fmt"
	"strings"

	"github.com/stoa-app/coach-engine/internal/models"
	"github.com/stoa-app/coach-engine/internal/persona"
)

// Builder assembles the ordered message list sent to a provider.
// Output is deterministic for identical inputs: no randomness, no
// wall-clock reads.
type Builder struct {
	maxHistoryTurns int
}

// NewBuilder creates a prompt builder capping history at maxHistoryTurns
func NewBuilder(maxHistoryTurns int) *Builder {
	if maxHistoryTurns <= 0 {
		maxHistoryTurns = 20
	}
	return &Builder{maxHistoryTurns: maxHistoryTurns}
}

// Build returns the role-tagged messages for one coaching request:
// a system persona message, a system knowledge block (when chunks exist),
// the capped history verbatim, and the user message with an appended
// preferred-virtue hint when available. Zero chunks yields a minimal
// valid prompt, never an error.
func (b *Builder) Build(
	p *persona.Profile,
	userMessage string,
	history []models.Message,
	chunks []models.KnowledgeChunk,
	userCtx models.UserContext,
) []models.Message {
	out := make([]models.Message, 0, len(history)+3)

	out = append(out, models.Message{
		Role:    "system",
		Content: b.personaMessage(p, userCtx),
	})

	if len(chunks) > 0 {
		out = append(out, models.Message{
			Role:    "system",
			Content: b.knowledgeMessage(chunks),
		})
	}

	if len(history) > b.maxHistoryTurns {
		history = history[len(history)-b.maxHistoryTurns:]
	}
	out = append(out, history...)

	out = append(out, models.Message{
		Role:    "user",
		Content: b.userMessage(userMessage, userCtx),
	})

	return out
}

func (b *Builder) personaMessage(p *persona.Profile, userCtx models.UserContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, %s, speaking in the %s tradition.\n\n", p.Name, p.Title, p.Tradition)
	fmt.Fprintf(&sb, "Voice: %s\n", p.Voice)
	if p.StyleNote != "" {
		fmt.Fprintf(&sb, "Style: %s\n", p.StyleNote)
	}

	sb.WriteString("\nVirtues, in order of emphasis:\n")
	for i, v := range p.Virtues {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, v)
	}

	if len(p.ToneRules) > 0 {
		sb.WriteString("\nTone rules:\n")
		for _, rule := range p.ToneRules {
			fmt.Fprintf(&sb, "- %s\n", rule)
		}
	}

	if len(userCtx.RecentReflections) > 0 {
		sb.WriteString("\nThe reader's recent reflections:\n")
		for _, r := range userCtx.RecentReflections {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	if len(userCtx.ActivePractices) > 0 {
		sb.WriteString("\nThe reader's active practices:\n")
		for _, pr := range userCtx.ActivePractices {
			fmt.Fprintf(&sb, "- %s\n", pr)
		}
	}

	fmt.Fprintf(&sb, "\n%s\n", p.ClosingReminder)
	sb.WriteString("\nWhen you draw on a provided passage, cite it inline with its id " +
		"in double brackets, e.g. [[chunk-id]]. Do not append a citations or " +
		"references section; citations are rendered separately.")

	return sb.String()
}

func (b *Builder) knowledgeMessage(chunks []models.KnowledgeChunk) string {
	var sb strings.Builder

	sb.WriteString("Knowledge snippets. Each passage is tagged with an id you may cite:\n")
	for _, c := range chunks {
		fmt.Fprintf(&sb, "\n[[%s]] %s", c.ID, c.Work)
		if c.Section != "" {
			fmt.Fprintf(&sb, ", %s", c.Section)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n")
	}

	return sb.String()
}

func (b *Builder) userMessage(message string, userCtx models.UserContext) string {
	if userCtx.PreferredVirtue == "" {
		return message
	}
	return fmt.Sprintf("%s\n\n(The reader's preferred virtue to practice is %s.)",
		message, userCtx.PreferredVirtue)
}
