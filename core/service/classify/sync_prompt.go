package classify

import (
	"fmt"
	"strings"

	"sync_server/core/domain"
	"sync_server/core/port/out"
)

// =============================================================================
// Prompt assembly
// =============================================================================

const (
	defaultMaxPromptChars = 10000
	maxBodyChars          = 2000
	minBodyChars          = 400
	maxHistoryMessages    = 5
	maxHistoryBodyChars   = 500
)

// classifySystemPrompt is the fixed framing sent with every call. The
// catalogues are rendered from the domain so prompt and parser cannot
// drift apart.
var classifySystemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are an email triage assistant. Decide what should happen to the email below.\n\n")
	b.WriteString("Actions (pick exactly one):\n")
	for _, a := range domain.AllEmailActions {
		b.WriteString("- " + string(a) + ": " + actionHint(a) + "\n")
	}
	b.WriteString("\nPriorities (pick exactly one): high, medium, low\n\n")
	b.WriteString("Respond with exactly four lines and nothing else:\n")
	b.WriteString("ACTION: <one action from the list>\n")
	b.WriteString("PRIORITY: <high, medium or low>\n")
	b.WriteString("REASONING: <one or two sentences>\n")
	b.WriteString("SUGGESTED_RESPONSE: <draft text for reply, forward or new_email; empty otherwise>\n")
	return b.String()
}

func actionHint(a domain.EmailAction) string {
	switch a {
	case domain.ActionReply:
		return "the email needs a personal response"
	case domain.ActionForward:
		return "someone else should handle it"
	case domain.ActionNewEmail:
		return "a fresh message to a third party is needed"
	case domain.ActionNoAction:
		return "nothing needs to happen"
	case domain.ActionFlagImportant:
		return "mark as important, no response needed"
	case domain.ActionArchive:
		return "keep it, but move it out of the inbox"
	case domain.ActionDelete:
		return "junk or obsolete, move it to trash"
	}
	return ""
}

// promptInput carries everything one user prompt is assembled from.
type promptInput struct {
	email    *domain.Email
	history  []*domain.Email // same conversation, oldest first, self excluded
	rules    []domain.ClassificationRule
	stats    *out.SenderStats
	maxChars int
}

// buildUserPrompt renders the email block, sender context, thread
// history and numbered rules under the prompt budget. The body yields
// first, the history is dropped entirely when even a minimal body no
// longer fits.
func buildUserPrompt(in *promptInput) string {
	maxChars := in.maxChars
	if maxChars <= 0 {
		maxChars = defaultMaxPromptChars
	}

	head := renderHead(in.email)
	statsLine := renderSenderStats(in.stats)
	history := renderHistory(in.history)
	rules := renderRules(in.rules)

	const contentLabel = "CONTENT:\n"
	overhead := len(head) + len(contentLabel) + len(statsLine) + len(history) + len(rules)
	budget := maxChars - overhead
	if budget < minBodyChars && history != "" {
		history = ""
		budget = maxChars - (len(head) + len(contentLabel) + len(statsLine) + len(rules))
	}
	if budget > maxBodyChars {
		budget = maxBodyChars
	}
	body := domain.TruncateRunes(strings.TrimSpace(in.email.EffectiveBody()), budget)

	var b strings.Builder
	b.WriteString(head)
	b.WriteString(contentLabel)
	b.WriteString(body)
	b.WriteString("\n")
	if statsLine != "" {
		b.WriteString("\n")
		b.WriteString(statsLine)
	}
	if history != "" {
		b.WriteString("\n")
		b.WriteString(history)
	}
	if rules != "" {
		b.WriteString("\n")
		b.WriteString(rules)
	}
	return b.String()
}

func renderHead(e *domain.Email) string {
	return fmt.Sprintf("FROM: %s\nTO: %s\nSUBJECT: %s\nDATE: %s\n",
		e.Sender, strings.Join(e.Recipients, ", "), e.DisplaySubject(), e.SentDateString())
}

func renderSenderStats(s *out.SenderStats) string {
	if s == nil || s.EmailCount == 0 {
		return ""
	}
	line := fmt.Sprintf("SENDER HISTORY: %d previous emails from this sender", s.EmailCount)
	if !s.LastSeen.IsZero() {
		line += ", last on " + s.LastSeen.UTC().Format("2006-01-02")
	}
	return line + "\n"
}

func renderHistory(history []*domain.Email) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("CONVERSATION HISTORY (oldest first):\n")
	for _, prev := range history {
		fmt.Fprintf(&b, "[%s] %s: %s\n", prev.SentDateString(), prev.Sender,
			domain.TruncateRunes(strings.TrimSpace(prev.EffectiveBody()), maxHistoryBodyChars))
	}
	return b.String()
}

func renderRules(rules []domain.ClassificationRule) string {
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("USER RULES (follow them when they apply):\n")
	for i := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rules[i].Render())
	}
	return b.String()
}

// =============================================================================
// Response parsing
// =============================================================================

// parseJudgment extracts the four labeled lines from a model response.
// Labels match case-insensitively; a missing ACTION or PRIORITY falls
// back to the defaults while an unknown action collapses to no_action.
// Unlabeled lines extend the label they follow, so multi-line drafts
// under SUGGESTED_RESPONSE survive.
func parseJudgment(resp string) (action domain.EmailAction, priority domain.EmailPriority, reasoning, suggested string) {
	action = domain.DefaultAction
	priority = domain.DefaultPriority

	current := ""
	var reasonB, suggestB strings.Builder
	for _, line := range strings.Split(resp, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case matchLabel(trimmed, "ACTION:"):
			action = domain.ParseEmailAction(labelValue(trimmed))
			current = ""
		case matchLabel(trimmed, "PRIORITY:"):
			priority = domain.ParseEmailPriority(labelValue(trimmed))
			current = ""
		case matchLabel(trimmed, "REASONING:"):
			reasonB.WriteString(labelValue(trimmed))
			current = "reasoning"
		case matchLabel(trimmed, "SUGGESTED_RESPONSE:"):
			suggestB.WriteString(labelValue(trimmed))
			current = "suggested"
		default:
			switch current {
			case "reasoning":
				reasonB.WriteString("\n")
				reasonB.WriteString(line)
			case "suggested":
				suggestB.WriteString("\n")
				suggestB.WriteString(line)
			}
		}
	}
	return action, priority, strings.TrimSpace(reasonB.String()), strings.TrimSpace(suggestB.String())
}

func matchLabel(line, label string) bool {
	return len(line) >= len(label) && strings.EqualFold(line[:len(label)], label)
}

func labelValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}
