package action

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// =============================================================================
// Action executor
// =============================================================================

// maxDerivedSubjectLen caps the prefix pulled out of a suggested
// response before falling back to the original subject.
const maxDerivedSubjectLen = 100

// fallbackReplyBody is used when the classifier produced a reply action
// without any suggested text.
const fallbackReplyBody = "Thank you for your message. I will get back to you shortly."

var recipientPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// Service turns a classification into exactly one provider-side effect.
// Outbound mail is always a draft; the user presses send. Every executed
// action lands in the provider change log, failures are reported in the
// result and never retried here.
type Service struct {
	cfg     *config.Config
	factory out.ProviderFactory
	changes out.ProviderChangeRepository
	log     *logger.Logger
}

var _ in.ActionService = (*Service)(nil)

func NewService(cfg *config.Config, factory out.ProviderFactory, changes out.ProviderChangeRepository) *Service {
	return &Service{
		cfg:     cfg,
		factory: factory,
		changes: changes,
		log:     logger.WithField("component", "action_executor"),
	}
}

// Execute performs the side effect for one classification. The result is
// always non-nil; Success=false carries the reason in Error.
func (s *Service) Execute(ctx context.Context, email *domain.Email, c *domain.Classification) *domain.ActionResult {
	started := time.Now()
	res := &domain.ActionResult{
		ExecutedAt: started.UTC(),
	}
	if c != nil {
		res.EmailID = c.EmailID
		res.Action = c.Action
	}
	fail := func(format string, args ...interface{}) *domain.ActionResult {
		res.Error = fmt.Sprintf(format, args...)
		res.Duration = time.Since(started)
		return res
	}

	if email == nil || c == nil {
		return fail("email and classification are required")
	}
	if email.EmailID == "" {
		return fail("email has no provider id")
	}
	if c.Action == domain.ActionNoAction {
		res.Success = true
		res.Detail = "no side effects"
		res.Duration = time.Since(started)
		return res
	}

	log := s.log.WithUser(email.UserID).WithProvider(string(email.SourceType))

	provider, err := s.factory.EmailProvider(ctx, email.UserID, email.SourceType)
	if err != nil {
		log.WithError(err).Warn("no email provider for action %s", c.Action)
		return fail("provider unavailable: %v", err)
	}

	var change *domain.ProviderChange
	switch c.Action {
	case domain.ActionReply:
		change, err = s.reply(ctx, provider, email, c)
	case domain.ActionForward:
		change, err = s.forward(ctx, provider, email, c)
	case domain.ActionNewEmail:
		change, err = s.newEmail(ctx, provider, email, c)
	case domain.ActionFlagImportant:
		change, err = s.flag(ctx, provider, email)
	case domain.ActionArchive:
		change, err = s.move(ctx, provider, email, domain.FolderArchive, domain.ChangeModify)
	case domain.ActionDelete:
		change, err = s.move(ctx, provider, email, domain.FolderTrash, domain.ChangeRemove)
	default:
		return fail("unsupported action %q", c.Action)
	}
	if err != nil {
		log.WithError(err).Warn("action %s on %s failed", c.Action, email.EmailID)
		return fail("%v", err)
	}

	if change != nil {
		if aerr := s.changes.Append(ctx, change); aerr != nil {
			// The provider effect already happened; losing the audit row
			// must not flip the result to failed.
			log.WithError(aerr).Warn("provider change not recorded for %s", email.EmailID)
		}
	}

	res.Success = true
	if change != nil {
		res.Detail = change.Details["detail"]
	}
	res.Duration = time.Since(started)
	log.WithDuration(res.Duration).Info("executed %s on %s", c.Action, email.EmailID)
	return res
}

// =============================================================================
// Per-action dispatch
// =============================================================================

func (s *Service) reply(ctx context.Context, p out.EmailProvider, email *domain.Email, c *domain.Classification) (*domain.ProviderChange, error) {
	body := strings.TrimSpace(c.SuggestedResponse)
	if body == "" {
		body = fallbackReplyBody
	}
	sent, err := p.ReplyToEmail(ctx, email.EmailID, body, nil, true)
	if err != nil {
		return nil, err
	}
	return s.change(email, domain.ChangeCreate, map[string]string{
		"action":   string(domain.ActionReply),
		"draft_id": sent.DraftID,
		"detail":   fmt.Sprintf("reply draft %s", sent.DraftID),
	}), nil
}

func (s *Service) forward(ctx context.Context, p out.EmailProvider, email *domain.Email, c *domain.Classification) (*domain.ProviderChange, error) {
	recipients := ExtractRecipients(c.SuggestedResponse)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("forward: no recipient address in suggested response")
	}
	sent, err := p.ForwardEmail(ctx, email.EmailID, recipients, c.SuggestedResponse)
	if err != nil {
		return nil, err
	}
	return s.change(email, domain.ChangeCreate, map[string]string{
		"action":     string(domain.ActionForward),
		"draft_id":   sent.DraftID,
		"recipients": strings.Join(recipients, ","),
		"detail":     fmt.Sprintf("forward draft to %s", strings.Join(recipients, ", ")),
	}), nil
}

func (s *Service) newEmail(ctx context.Context, p out.EmailProvider, email *domain.Email, c *domain.Classification) (*domain.ProviderChange, error) {
	recipients := ExtractRecipients(c.SuggestedResponse)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("new_email: no recipient address in suggested response")
	}
	subject := DeriveSubject(c.SuggestedResponse, email.DisplaySubject())
	sent, err := p.SendEmail(ctx, &domain.OutgoingEmail{
		To:      recipients,
		Subject: subject,
		Body:    c.SuggestedResponse,
	})
	if err != nil {
		return nil, err
	}
	return s.change(email, domain.ChangeCreate, map[string]string{
		"action":     string(domain.ActionNewEmail),
		"draft_id":   sent.DraftID,
		"recipients": strings.Join(recipients, ","),
		"subject":    subject,
		"detail":     fmt.Sprintf("draft %q to %s", subject, strings.Join(recipients, ", ")),
	}), nil
}

func (s *Service) flag(ctx context.Context, p out.EmailProvider, email *domain.Email) (*domain.ProviderChange, error) {
	important := true
	if err := p.FlagEmail(ctx, email.EmailID, &out.FlagOptions{MarkImportant: &important}); err != nil {
		return nil, err
	}
	return s.change(email, domain.ChangeModify, map[string]string{
		"action": string(domain.ActionFlagImportant),
		"detail": "flagged important",
	}), nil
}

func (s *Service) move(ctx context.Context, p out.EmailProvider, email *domain.Email, dest domain.Folder, ct domain.ChangeType) (*domain.ProviderChange, error) {
	if err := p.MoveEmail(ctx, email.EmailID, dest); err != nil {
		return nil, err
	}
	return s.change(email, ct, map[string]string{
		"action": "move",
		"folder": string(dest),
		"detail": fmt.Sprintf("moved to %s", dest),
	}), nil
}

func (s *Service) change(email *domain.Email, ct domain.ChangeType, details map[string]string) *domain.ProviderChange {
	return domain.NewProviderChange(email.SourceType, email.UserID, ct, email.EmailID, details)
}

// =============================================================================
// Text extraction helpers
// =============================================================================

// ExtractRecipients pulls every distinct email address out of free text,
// in order of first appearance. Matching is case-insensitive for
// deduplication but the original spelling is kept.
func ExtractRecipients(text string) []string {
	matches := recipientPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		key := strings.ToLower(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// DeriveSubject takes the prefix before the first colon of the suggested
// text as the subject when it stays under the length cap, otherwise
// falls back to "Follow-up: " plus the original subject.
func DeriveSubject(suggested, originalSubject string) string {
	if i := strings.Index(suggested, ":"); i > 0 {
		prefix := strings.TrimSpace(suggested[:i])
		if prefix != "" && utf8.RuneCountInString(prefix) <= maxDerivedSubjectLen {
			return prefix
		}
	}
	return "Follow-up: " + originalSubject
}
