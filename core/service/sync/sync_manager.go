package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/logger"
)

// =============================================================================
// Manager - run lifecycle, locking, discovery
// =============================================================================

const (
	// pairLockTTL bounds how long a crashed holder can block a pair.
	pairLockTTL = 30 * time.Minute

	defaultLimitPerSync  = 500
	defaultHistoryLimit  = 20
	userStorageDirPrefix = "user_"
)

// Manager drives sync runs for (user, provider) pairs. It owns the run
// lifecycle, the two-level pair lock (in-process mutex plus Redis
// advisory lock) and the post-sync classify pass. The classifier,
// executor, queue and publisher are optional; a nil value disables that
// stage.
type Manager struct {
	cfg        *config.Config
	pipeline   *Pipeline
	tokens     out.TokenStore
	runs       out.SyncRunRepository
	emails     out.EmailRepository
	prefs      out.PreferenceRepository
	queue      out.JobQueue
	locks      out.PairLocker
	events     out.EventPublisher
	classifier in.ClassifyService
	actions    in.ActionService
	log        *logger.Logger

	mu     sync.Mutex
	pairMu map[string]*sync.Mutex
}

func NewManager(
	cfg *config.Config,
	pipeline *Pipeline,
	tokens out.TokenStore,
	runs out.SyncRunRepository,
	emails out.EmailRepository,
	prefs out.PreferenceRepository,
	queue out.JobQueue,
	locks out.PairLocker,
	events out.EventPublisher,
	classifier in.ClassifyService,
	actions in.ActionService,
) *Manager {
	return &Manager{
		cfg:        cfg,
		pipeline:   pipeline,
		tokens:     tokens,
		runs:       runs,
		emails:     emails,
		prefs:      prefs,
		queue:      queue,
		locks:      locks,
		events:     events,
		classifier: classifier,
		actions:    actions,
		log:        logger.WithField("component", "sync_manager"),
		pairMu:     make(map[string]*sync.Mutex),
	}
}

// =============================================================================
// SyncPair
// =============================================================================

// SyncPair runs one (user, provider) sync end to end in the calling
// goroutine. Item failures come back inside the result; only setup
// failures (bad provider, pair already running, storage down) surface
// as errors.
func (m *Manager) SyncPair(ctx context.Context, userID string, p domain.Provider, force bool) (*domain.SyncResult, error) {
	if userID == "" {
		return nil, apperr.MissingField("user_id")
	}
	if !p.Valid() {
		return nil, apperr.InvalidArgument("provider", "unknown provider")
	}
	if p.IsCalendar() {
		return nil, apperr.InvalidArgument("provider", "calendar sources are read through tools, not synced")
	}

	key := pairKey(userID, p)
	local := m.pairMutex(key)
	if !local.TryLock() {
		return nil, apperr.Conflict("sync already in progress for " + key)
	}
	defer local.Unlock()

	token, ok, err := m.locks.Acquire(ctx, userID, p, pairLockTTL)
	if err != nil {
		return nil, apperr.StorageError("acquire pair lock", err)
	}
	if !ok {
		return nil, apperr.Conflict("sync already in progress for " + key)
	}
	defer func() {
		// Release must run even when ctx is already cancelled.
		if err := m.locks.Release(context.Background(), userID, p, token); err != nil {
			m.log.WithError(err).Warn("pair lock release failed for %s", key)
		}
	}()

	log := m.log.WithUser(userID).WithProvider(string(p))

	// A leftover in_progress row can only come from a crashed holder:
	// the pair lock rules out a live one.
	if stale, err := m.runs.Latest(ctx, userID, p); err == nil && stale != nil && stale.Status == domain.SyncInProgress {
		log.Warn("superseding stale run %s", stale.RunID)
		if err := m.runs.Fail(ctx, stale.RunID, "superseded: holder did not finish"); err != nil {
			log.WithError(err).Warn("stale run %s not failed", stale.RunID)
		}
	}

	run := domain.NewSyncRun(userID, p)
	if err := m.runs.Create(ctx, run); err != nil {
		return nil, apperr.StorageError("create sync run", err)
	}
	m.publish(ctx, out.EventSyncStarted, run, nil)

	if err := m.runs.MarkInProgress(ctx, run.RunID); err != nil {
		m.runs.Fail(ctx, run.RunID, "could not start: "+err.Error())
		return nil, apperr.StorageError("mark run in progress", err)
	}
	run.Status = domain.SyncInProgress

	result := m.pipeline.Run(ctx, run, &RunOptions{
		Force:   force,
		MinDate: m.minDate(p),
	})

	if result.Success {
		if err := m.runs.Complete(ctx, run); err != nil {
			log.WithError(err).Error("run %s not marked completed", run.RunID)
		}
		m.publish(ctx, out.EventSyncCompleted, run, map[string]string{
			"ingested": fmt.Sprintf("%d", result.ItemsIngested),
			"skipped":  fmt.Sprintf("%d", result.ItemsSkipped),
			"failed":   fmt.Sprintf("%d", result.ItemsFailed),
		})
	} else {
		detail := strings.Join(result.Errors, "; ")
		if err := m.runs.Fail(ctx, run.RunID, detail); err != nil {
			log.WithError(err).Error("run %s not marked failed", run.RunID)
		}
		m.publish(ctx, out.EventSyncFailed, run, map[string]string{"error": detail})
	}

	if p.IsEmail() && result.Success {
		m.classifyPass(ctx, userID, p)
	}
	return result, nil
}

// minDate derives the ingestion cutoff from the source's days filter.
// A filter of zero or less disables the cutoff entirely.
func (m *Manager) minDate(p domain.Provider) time.Time {
	days := m.cfg.TuningFor(string(p)).DaysFilter
	if days <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().AddDate(0, 0, -days)
}

func pairKey(userID string, p domain.Provider) string {
	return userID + "/" + string(p)
}

func (m *Manager) pairMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.pairMu[key]
	if !ok {
		mu = &sync.Mutex{}
		m.pairMu[key] = mu
	}
	return mu
}

// =============================================================================
// Classify pass
// =============================================================================

// classifyPass judges the freshly ingested emails and, when auto
// actions are enabled, executes each judgment once. Failures here never
// fail the sync: the run already completed.
func (m *Manager) classifyPass(ctx context.Context, userID string, p domain.Provider) {
	if m.classifier == nil {
		return
	}
	log := m.log.WithUser(userID).WithProvider(string(p))

	limit := m.cfg.SyncLimitPerSync
	if limit <= 0 {
		limit = defaultLimitPerSync
	}
	judgments, err := m.classifier.ClassifyRecent(ctx, userID, p, limit)
	if err != nil {
		log.WithError(err).Warn("classify pass failed")
		return
	}
	if len(judgments) == 0 {
		return
	}
	log.Info("classified %d emails", len(judgments))

	if m.actions == nil || !m.autoActions(ctx, userID) {
		return
	}
	executed := 0
	for _, c := range judgments {
		// Fallback judgments (model unavailable) stay unclassified and
		// must never trigger side effects.
		if !c.FromModel || c.Action == domain.ActionNoAction {
			continue
		}
		email, err := m.emails.GetByID(ctx, userID, c.EmailID, p)
		if err != nil || email == nil {
			log.WithError(err).Warn("email %s not loaded for action", c.EmailID)
			continue
		}
		res := m.actions.Execute(ctx, email, c)
		if res == nil {
			continue
		}
		if !res.Success {
			log.Warn("action %s on %s failed: %s", res.Action, c.EmailID, res.Error)
			continue
		}
		executed++
	}
	if executed > 0 {
		log.Info("executed %d automatic actions", executed)
	}
}

func (m *Manager) autoActions(ctx context.Context, userID string) bool {
	auto := m.cfg.SyncAutoActions
	if prefs, err := m.prefs.Get(ctx, userID); err == nil && prefs != nil {
		auto = auto || prefs.AutoActions
	}
	return auto
}

// =============================================================================
// SyncAll + discovery
// =============================================================================

type syncPair struct {
	userID   string
	provider domain.Provider
}

// SyncAll discovers every syncable pair and runs them sequentially,
// isolating failures per pair. Pairs already running are skipped.
func (m *Manager) SyncAll(ctx context.Context) ([]*domain.SyncResult, error) {
	pairs := m.discoverPairs(ctx)
	if len(pairs) == 0 {
		m.log.Debug("discovery found no syncable pairs")
		return nil, nil
	}
	m.log.Info("discovered %d syncable pairs", len(pairs))

	results := make([]*domain.SyncResult, 0, len(pairs))
	for _, pr := range pairs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := m.SyncPair(ctx, pr.userID, pr.provider, false)
		if err != nil {
			m.log.WithUser(pr.userID).WithProvider(string(pr.provider)).
				WithError(err).Warn("pair skipped")
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// discoverPairs enumerates (user, provider) pairs worth syncing: OAuth
// providers from stored credentials that check out, local providers
// from the storage directory layout.
func (m *Manager) discoverPairs(ctx context.Context) []syncPair {
	var pairs []syncPair
	canSync := make(map[string]bool)

	for _, p := range m.configuredProviders() {
		family := p.Family()
		if family == domain.FamilyLocal {
			for _, userID := range m.localUsers() {
				pairs = append(pairs, syncPair{userID: userID, provider: p})
			}
			continue
		}

		users, err := m.tokens.ListUsersWithCredential(ctx, family)
		if err != nil {
			m.log.WithError(err).Warn("credential listing for %s failed", family)
			continue
		}
		for _, userID := range users {
			key := userID + "/" + string(family)
			ok, checked := canSync[key]
			if !checked {
				status := m.tokens.Check(ctx, userID, family)
				ok = status != nil && status.CanSync()
				canSync[key] = ok
			}
			if ok {
				pairs = append(pairs, syncPair{userID: userID, provider: p})
			}
		}
	}
	return pairs
}

// configuredProviders resolves the provider set from config, defaulting
// to every non-calendar provider. Calendars are tool-surface only.
func (m *Manager) configuredProviders() []domain.Provider {
	if len(m.cfg.SyncProviders) == 0 {
		var all []domain.Provider
		for _, p := range domain.AllProviders {
			if !p.IsCalendar() {
				all = append(all, p)
			}
		}
		return all
	}

	var providers []domain.Provider
	for _, name := range m.cfg.SyncProviders {
		p, ok := domain.ParseProvider(name)
		if !ok {
			m.log.Warn("unknown provider %q in SYNC_PROVIDERS, ignoring", name)
			continue
		}
		if p.IsCalendar() {
			m.log.Warn("calendar provider %q in SYNC_PROVIDERS, ignoring", name)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

// localUsers lists user ids that have a local storage directory.
func (m *Manager) localUsers() []string {
	root := filepath.Join(m.cfg.DataRoot, "storage")
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.WithError(err).Warn("storage root %s not readable", root)
		}
		return nil
	}
	var users []string
	for _, e := range dirEntries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), userStorageDirPrefix) {
			continue
		}
		if id := strings.TrimPrefix(e.Name(), userStorageDirPrefix); id != "" {
			users = append(users, id)
		}
	}
	return users
}

// =============================================================================
// Trigger / status / history
// =============================================================================

// TriggerSync enqueues the pair for the worker pool and returns the job
// id.
func (m *Manager) TriggerSync(ctx context.Context, userID string, p domain.Provider, force bool) (string, error) {
	if userID == "" {
		return "", apperr.MissingField("user_id")
	}
	if !p.Valid() {
		return "", apperr.InvalidArgument("provider", "unknown provider")
	}
	if p.IsCalendar() {
		return "", apperr.InvalidArgument("provider", "calendar sources are read through tools, not synced")
	}
	if m.queue == nil {
		return "", apperr.Internal("job queue not configured")
	}

	jobID, err := m.queue.EnqueueSync(ctx, &out.SyncJob{
		UserID:   userID,
		Provider: p,
		Force:    force,
	})
	if err != nil {
		return "", apperr.StorageError("enqueue sync job", err)
	}
	m.log.WithUser(userID).WithProvider(string(p)).Info("sync job %s enqueued", jobID)
	return jobID, nil
}

// Status returns the latest run per source for the user.
func (m *Manager) Status(ctx context.Context, userID string) ([]*domain.SyncRun, error) {
	if userID == "" {
		return nil, apperr.MissingField("user_id")
	}
	return m.runs.LatestAll(ctx, userID)
}

// History returns recent runs for the user, newest first.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]*domain.SyncRun, error) {
	if userID == "" {
		return nil, apperr.MissingField("user_id")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return m.runs.History(ctx, userID, limit)
}

// =============================================================================
// Events
// =============================================================================

func (m *Manager) publish(ctx context.Context, eventType string, run *domain.SyncRun, detail map[string]string) {
	if m.events == nil {
		return
	}
	ev := &out.SyncEvent{
		Type:     eventType,
		UserID:   run.UserID,
		Provider: run.SourceType,
		RunID:    run.RunID,
		Progress: run.Progress,
		Detail:   detail,
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.WithError(err).Debug("event %s not published", eventType)
	}
}

// Interface compliance check
var _ in.SyncService = (*Manager)(nil)
