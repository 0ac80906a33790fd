// Package classify turns ingested emails into action judgments. One
// model call per email produces an action, a priority, the reasoning
// and an optional draft; failures degrade to a conservative default
// judgment instead of an error so a flaky backend never stalls a sync.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/logger"
	"sync_server/pkg/resilience"
)

const (
	defaultBatchLimit = 500
	defaultCallWait   = 30 * time.Second
)

// Service implements in.ClassifyService. The contact graph is optional
// and may be nil; everything else is required.
type Service struct {
	cfg      *config.Config
	gateway  out.LLMGateway
	emails   out.EmailRepository
	registry out.Registry
	prefs    out.PreferenceRepository
	contacts out.ContactGraph
	breaker  *resilience.CircuitBreaker
	log      *logger.Logger
}

var _ in.ClassifyService = (*Service)(nil)

func NewService(
	cfg *config.Config,
	gateway out.LLMGateway,
	emails out.EmailRepository,
	registry out.Registry,
	prefs out.PreferenceRepository,
	contacts out.ContactGraph,
) *Service {
	log := logger.WithField("component", "classify_service")

	cbCfg := resilience.DefaultCircuitBreakerConfig("classify_llm")
	cbCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		log.Warn("circuit breaker %s: %s -> %s", name, from, to)
	}

	return &Service{
		cfg:      cfg,
		gateway:  gateway,
		emails:   emails,
		registry: registry,
		prefs:    prefs,
		contacts: contacts,
		breaker:  resilience.NewCircuitBreaker(cbCfg),
		log:      log,
	}
}

// ClassifyEmail judges a single email. The judgment is returned without
// being persisted; callers that want the stores updated go through
// ClassifyRecent.
func (s *Service) ClassifyEmail(ctx context.Context, email *domain.Email) (*domain.Classification, error) {
	if email == nil || email.EmailID == "" {
		return nil, apperr.MissingField("email_id")
	}
	prefs := s.loadPrefs(ctx, email.UserID)
	return s.classifyOne(ctx, email, prefs.ActiveRules()), nil
}

// ClassifyRecent judges up to limit unclassified emails for the user
// and persists every judgment the model actually produced. Fallback
// judgments are returned but not persisted, so the emails stay eligible
// for the next pass.
func (s *Service) ClassifyRecent(ctx context.Context, userID string, source domain.Provider, limit int) ([]*domain.Classification, error) {
	if userID == "" {
		return nil, apperr.MissingField("user_id")
	}
	if !source.IsEmail() {
		return nil, apperr.InvalidArgument("source", "classification applies to email sources only")
	}
	if limit <= 0 {
		limit = s.cfg.SyncLimitPerSync
	}
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	pending, err := s.emails.ListUnclassified(ctx, userID, source, limit)
	if err != nil {
		return nil, apperr.StorageError("list unclassified emails", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	rules := s.loadPrefs(ctx, userID).ActiveRules()

	judgments := make([]*domain.Classification, 0, len(pending))
	for _, email := range pending {
		if ctx.Err() != nil {
			return judgments, ctx.Err()
		}
		c := s.classifyOne(ctx, email, rules)
		judgments = append(judgments, c)
		if c.FromModel {
			s.persist(ctx, c)
		}
	}

	s.log.WithUser(userID).Info("classified %d/%d emails from %s", countFromModel(judgments), len(pending), source)
	return judgments, nil
}

// classifyOne never fails: any model-side problem yields the default
// judgment with FromModel unset.
func (s *Service) classifyOne(ctx context.Context, email *domain.Email, rules []domain.ClassificationRule) *domain.Classification {
	input := &promptInput{
		email:    email,
		history:  s.threadContext(ctx, email),
		rules:    rules,
		stats:    s.senderContext(ctx, email),
		maxChars: s.cfg.ClassifyMaxPromptChars,
	}

	resp, err := s.complete(ctx, buildUserPrompt(input))
	if err != nil {
		s.log.WithUser(email.UserID).WithError(err).Warn("classification of %s failed", email.EmailID)
		return domain.DefaultClassification(email.EmailID, email.UserID, email.SourceType,
			fmt.Sprintf("model unavailable: %v", err))
	}

	action, priority, reasoning, suggested := parseJudgment(resp)
	return &domain.Classification{
		EmailID:           email.EmailID,
		UserID:            email.UserID,
		SourceType:        email.SourceType,
		Action:            action,
		Priority:          priority,
		Reasoning:         reasoning,
		SuggestedResponse: suggested,
		FromModel:         true,
		ClassifiedAt:      time.Now().UTC(),
	}
}

// complete runs one model call with the per-email deadline and the
// breaker in front, so a dead backend fails the whole batch fast
// instead of eating thirty seconds per email.
func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	wait := time.Duration(s.cfg.LLMTimeoutSec) * time.Second
	if wait <= 0 {
		wait = defaultCallWait
	}
	cctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var resp string
	err := s.breaker.Execute(func() error {
		var callErr error
		resp, callErr = s.gateway.CompleteWithSystem(cctx, classifySystemPrompt, prompt)
		return callErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequest) {
		return "", apperr.ClassificationUnavailable(err)
	}
	if err != nil {
		return "", err
	}
	return resp, nil
}

// persist stamps the judgment into the content store and the registry.
// The content store write gates the registry stamp: if it fails the
// email stays unclassified everywhere and is retried next pass.
func (s *Service) persist(ctx context.Context, c *domain.Classification) {
	if err := s.emails.UpdateClassification(ctx, c.UserID, c.EmailID, c.SourceType, c.Action); err != nil {
		s.log.WithUser(c.UserID).WithError(err).Warn("classification of %s not persisted", c.EmailID)
		return
	}
	if _, err := s.registry.UpdateEmailClassification(ctx, c.UserID, c.EmailID, c.Action); err != nil {
		s.log.WithUser(c.UserID).WithError(err).Warn("registry stamp for %s failed", c.EmailID)
	}
}

// threadContext loads the rest of the conversation for the prompt,
// oldest first, capped to the most recent few messages.
func (s *Service) threadContext(ctx context.Context, email *domain.Email) []*domain.Email {
	if email.ConversationID == "" {
		return nil
	}
	thread, err := s.emails.GetByConversation(ctx, email.UserID, email.ConversationID, email.SourceType)
	if err != nil {
		s.log.WithError(err).Debug("thread of %s not loaded", email.EmailID)
		return nil
	}

	var prior []*domain.Email
	for _, e := range thread {
		if e.EmailID == email.EmailID {
			continue
		}
		prior = append(prior, e)
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].SentDate.Before(prior[j].SentDate) })
	if len(prior) > maxHistoryMessages {
		prior = prior[len(prior)-maxHistoryMessages:]
	}
	return prior
}

func (s *Service) senderContext(ctx context.Context, email *domain.Email) *out.SenderStats {
	if s.contacts == nil || email.Sender == "" {
		return nil
	}
	stats, err := s.contacts.SenderStats(ctx, email.UserID, email.Sender)
	if err != nil {
		s.log.WithError(err).Debug("sender stats for %s not loaded", email.Sender)
		return nil
	}
	return stats
}

// loadPrefs degrades to empty preferences: classification must not
// stall because the preference store is down.
func (s *Service) loadPrefs(ctx context.Context, userID string) *domain.UserPreferences {
	prefs, err := s.prefs.Get(ctx, userID)
	if err != nil {
		s.log.WithUser(userID).WithError(err).Warn("preferences unavailable, classifying without rules")
		return &domain.UserPreferences{UserID: userID}
	}
	if prefs == nil {
		return &domain.UserPreferences{UserID: userID}
	}
	return prefs
}

func countFromModel(judgments []*domain.Classification) int {
	n := 0
	for _, c := range judgments {
		if c.FromModel {
			n++
		}
	}
	return n
}
