package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/snowflake"
)

func TestMain(m *testing.M) {
	snowflake.Init(1)
	os.Exit(m.Run())
}

// =============================================================================
// Test fixtures
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataRoot:           t.TempDir(),
		SyncDaysFilter:     2,
		SyncLimitPerFolder: 50,
		SyncLimitPerSync:   500,
		SyncBatchSize:      2,
		SyncSaveAttachment: true,
		ChunkSizeTokens:    300,
		ChunkOverlap:       50,
	}
}

func testEmail(userID, id, sender, body string, sent time.Time) *domain.Email {
	return &domain.Email{
		UserID:         userID,
		EmailID:        id,
		ConversationID: "conv-" + id,
		SourceType:     domain.ProviderGoogleEmail,
		Subject:        "subject " + id,
		Sender:         sender,
		Recipients:     []string{"me@example.com"},
		SentDate:       sent,
		Folder:         domain.EmailFolderInbox,
		BodyText:       body,
	}
}

// =============================================================================
// Provider fakes
// =============================================================================

type fakeEmailIterator struct {
	emails []*domain.Email
	idx    int
	err    error
}

func (it *fakeEmailIterator) Next(ctx context.Context) bool {
	if it.idx >= len(it.emails) {
		return false
	}
	it.idx++
	return true
}

func (it *fakeEmailIterator) Email() *domain.Email { return it.emails[it.idx-1] }
func (it *fakeEmailIterator) Err() error           { return it.err }
func (it *fakeEmailIterator) Close() error         { return nil }

type fakeEmailProvider struct {
	provider domain.Provider
	emails   []*domain.Email
	authOK   bool
	authErr  error
	fetchErr error
	iterErr  error
	lastOpts *out.FetchOptions
}

func (f *fakeEmailProvider) ProviderType() domain.Provider { return f.provider }

func (f *fakeEmailProvider) Authenticate(ctx context.Context) (bool, error) {
	return f.authOK, f.authErr
}

func (f *fakeEmailProvider) FetchEmails(ctx context.Context, opts *out.FetchOptions) (out.EmailIterator, int, error) {
	f.lastOpts = opts
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	var matched []*domain.Email
	for _, e := range f.emails {
		if !opts.MinDate.IsZero() && e.SentDate.Before(opts.MinDate) {
			continue
		}
		matched = append(matched, e)
	}
	return &fakeEmailIterator{emails: matched, err: f.iterErr}, len(matched), nil
}

func (f *fakeEmailProvider) SendEmail(ctx context.Context, msg *domain.OutgoingEmail) (*out.SendResult, error) {
	return &out.SendResult{MessageID: "sent", DraftID: "draft"}, nil
}

func (f *fakeEmailProvider) ReplyToEmail(ctx context.Context, emailID, body string, cc []string, includeOriginal bool) (*out.SendResult, error) {
	return &out.SendResult{MessageID: "reply", DraftID: "draft"}, nil
}

func (f *fakeEmailProvider) ForwardEmail(ctx context.Context, emailID string, recipients []string, comment string) (*out.SendResult, error) {
	return &out.SendResult{MessageID: "fwd", DraftID: "draft"}, nil
}

func (f *fakeEmailProvider) FlagEmail(ctx context.Context, emailID string, opts *out.FlagOptions) error {
	return nil
}

func (f *fakeEmailProvider) MoveEmail(ctx context.Context, emailID string, dest domain.Folder) error {
	return nil
}

type fakeDriveProvider struct {
	provider     domain.Provider
	files        []*domain.StorageFile
	contents     map[string]*domain.FileContent
	contentCalls map[string]int
	authOK       bool
	lastOpts     *out.ListFilesOptions
}

func (f *fakeDriveProvider) ProviderType() domain.Provider { return f.provider }

func (f *fakeDriveProvider) Authenticate(ctx context.Context) (bool, error) {
	return f.authOK, nil
}

func (f *fakeDriveProvider) ListFiles(ctx context.Context, opts *out.ListFilesOptions) ([]*domain.StorageFile, error) {
	f.lastOpts = opts
	return f.files, nil
}

func (f *fakeDriveProvider) GetFileContent(ctx context.Context, fileID string) (*domain.FileContent, error) {
	if f.contentCalls == nil {
		f.contentCalls = make(map[string]int)
	}
	f.contentCalls[fileID]++
	c, ok := f.contents[fileID]
	if !ok {
		return nil, errors.New("no content for " + fileID)
	}
	return c, nil
}

func (f *fakeDriveProvider) ListFolders(ctx context.Context) ([]*domain.StorageFolder, error) {
	return nil, nil
}

type fakeFactory struct {
	emailProviders map[domain.Provider]out.EmailProvider
	driveProviders map[domain.Provider]out.DriveProvider
	err            error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		emailProviders: make(map[domain.Provider]out.EmailProvider),
		driveProviders: make(map[domain.Provider]out.DriveProvider),
	}
}

func (f *fakeFactory) EmailProvider(ctx context.Context, userID string, p domain.Provider) (out.EmailProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	ep, ok := f.emailProviders[p]
	if !ok {
		return nil, fmt.Errorf("no email adapter for %s", p)
	}
	return ep, nil
}

func (f *fakeFactory) DriveProvider(ctx context.Context, userID string, p domain.Provider) (out.DriveProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	dp, ok := f.driveProviders[p]
	if !ok {
		return nil, fmt.Errorf("no drive adapter for %s", p)
	}
	return dp, nil
}

func (f *fakeFactory) CalendarProvider(ctx context.Context, userID string, p domain.Provider) (out.CalendarProvider, error) {
	return nil, errors.New("calendar not wired")
}

// =============================================================================
// Storage fakes
// =============================================================================

type fakeRegistry struct {
	entries     map[string]map[string]*domain.RegistryEntry // userID -> path -> entry
	flushes     int
	registerErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]map[string]*domain.RegistryEntry)}
}

func (r *fakeRegistry) userEntries(userID string) map[string]*domain.RegistryEntry {
	m, ok := r.entries[userID]
	if !ok {
		m = make(map[string]*domain.RegistryEntry)
		r.entries[userID] = m
	}
	return m
}

func (r *fakeRegistry) FileExists(ctx context.Context, userID, path string) (bool, error) {
	_, ok := r.userEntries(userID)[path]
	return ok, nil
}

func (r *fakeRegistry) Lookup(ctx context.Context, userID, path string) (*domain.RegistryEntry, error) {
	e, ok := r.userEntries(userID)[path]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (r *fakeRegistry) Register(ctx context.Context, userID string, entry *domain.RegistryEntry) error {
	if r.registerErr != nil {
		return r.registerErr
	}
	r.userEntries(userID)[entry.Path] = entry.Clone()
	return nil
}

func (r *fakeRegistry) UpdateEmailClassification(ctx context.Context, userID, emailID string, action domain.EmailAction) (int, error) {
	n := 0
	for _, e := range r.userEntries(userID) {
		if e.EmailID() == emailID {
			e.Metadata[domain.RegistryMetaClassifiedAction] = string(action)
			n++
		}
	}
	return n, nil
}

func (r *fakeRegistry) ListByPrefix(ctx context.Context, userID, prefix string) ([]*domain.RegistryEntry, error) {
	var matched []*domain.RegistryEntry
	for path, e := range r.userEntries(userID) {
		if strings.HasPrefix(path, prefix) {
			matched = append(matched, e.Clone())
		}
	}
	return matched, nil
}

func (r *fakeRegistry) Flush(ctx context.Context, userID string) error {
	r.flushes++
	return nil
}

type fakeEmailRepo struct {
	byKey       map[string]*domain.Email
	upserts     int
	updateCalls int
}

func newFakeEmailRepo() *fakeEmailRepo {
	return &fakeEmailRepo{byKey: make(map[string]*domain.Email)}
}

func emailKey(userID, emailID string, source domain.Provider) string {
	return userID + "/" + emailID + "/" + string(source)
}

func (r *fakeEmailRepo) Upsert(ctx context.Context, email *domain.Email) (int64, error) {
	r.upserts++
	cp := *email
	cp.ID = int64(len(r.byKey) + 1)
	r.byKey[emailKey(email.UserID, email.EmailID, email.SourceType)] = &cp
	return cp.ID, nil
}

func (r *fakeEmailRepo) GetByID(ctx context.Context, userID, emailID string, source domain.Provider) (*domain.Email, error) {
	e, ok := r.byKey[emailKey(userID, emailID, source)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *fakeEmailRepo) GetByConversation(ctx context.Context, userID, conversationID string, source domain.Provider) ([]*domain.Email, error) {
	var matched []*domain.Email
	for _, e := range r.byKey {
		if e.UserID == userID && e.ConversationID == conversationID && e.SourceType == source {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	return matched, nil
}

func (r *fakeEmailRepo) ListUnclassified(ctx context.Context, userID string, source domain.Provider, limit int) ([]*domain.Email, error) {
	var matched []*domain.Email
	for _, e := range r.byKey {
		if e.UserID == userID && e.SourceType == source && !e.IsClassified {
			cp := *e
			matched = append(matched, &cp)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

func (r *fakeEmailRepo) UpdateClassification(ctx context.Context, userID, emailID string, source domain.Provider, action domain.EmailAction) error {
	r.updateCalls++
	if e, ok := r.byKey[emailKey(userID, emailID, source)]; ok {
		e.IsClassified = true
		e.ClassifiedAction = string(action)
	}
	return nil
}

func (r *fakeEmailRepo) SearchByUser(ctx context.Context, userID, query string, limit int) ([]*domain.Email, error) {
	return nil, nil
}

type fakeRunRepo struct {
	created    []*domain.SyncRun
	status     map[string]domain.SyncState
	failDetail map[string]string
	latest     *domain.SyncRun
	progress   int
	histLimit  int
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		status:     make(map[string]domain.SyncState),
		failDetail: make(map[string]string),
	}
}

func (r *fakeRunRepo) Create(ctx context.Context, run *domain.SyncRun) error {
	cp := *run
	r.created = append(r.created, &cp)
	r.status[run.RunID] = domain.SyncPending
	return nil
}

func (r *fakeRunRepo) MarkInProgress(ctx context.Context, runID string) error {
	r.status[runID] = domain.SyncInProgress
	return nil
}

func (r *fakeRunRepo) UpdateProgress(ctx context.Context, run *domain.SyncRun) error {
	r.progress++
	return nil
}

func (r *fakeRunRepo) Complete(ctx context.Context, run *domain.SyncRun) error {
	r.status[run.RunID] = domain.SyncCompleted
	return nil
}

func (r *fakeRunRepo) Fail(ctx context.Context, runID, errorDetails string) error {
	r.status[runID] = domain.SyncFailed
	r.failDetail[runID] = errorDetails
	return nil
}

func (r *fakeRunRepo) Latest(ctx context.Context, userID string, source domain.Provider) (*domain.SyncRun, error) {
	return r.latest, nil
}

func (r *fakeRunRepo) LatestAll(ctx context.Context, userID string) ([]*domain.SyncRun, error) {
	return r.created, nil
}

func (r *fakeRunRepo) History(ctx context.Context, userID string, limit int) ([]*domain.SyncRun, error) {
	r.histLimit = limit
	return r.created, nil
}

func (r *fakeRunRepo) HasInProgress(ctx context.Context, userID string, source domain.Provider) (bool, error) {
	for _, st := range r.status {
		if st == domain.SyncInProgress {
			return true, nil
		}
	}
	return false, nil
}

type fakePrefsRepo struct {
	prefs *domain.UserPreferences
	err   error
}

func (r *fakePrefsRepo) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.prefs != nil {
		return r.prefs, nil
	}
	return &domain.UserPreferences{UserID: userID}, nil
}

type fakeVectorStore struct {
	docs     map[string][]*domain.Chunk
	attempts map[string]int
	failDocs map[string]int // docID -> failures before success; -1 fails forever
	deleted  []string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		docs:     make(map[string][]*domain.Chunk),
		attempts: make(map[string]int),
		failDocs: make(map[string]int),
	}
}

func (v *fakeVectorStore) Upsert(ctx context.Context, userID string, chunks []*domain.Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return errors.New("empty upsert")
	}
	if len(chunks) != len(embeddings) {
		return errors.New("chunk/embedding length mismatch")
	}
	docID := chunks[0].DocID
	v.attempts[docID]++
	if n, ok := v.failDocs[docID]; ok && (n < 0 || v.attempts[docID] <= n) {
		return errors.New("vector store unavailable")
	}
	v.docs[docID] = chunks
	return nil
}

func (v *fakeVectorStore) Search(ctx context.Context, userID string, embedding []float32, topK int, minScore float64) ([]*out.ScoredChunk, error) {
	return nil, nil
}

func (v *fakeVectorStore) DeleteByDocID(ctx context.Context, userID, docID string) error {
	v.deleted = append(v.deleted, docID)
	delete(v.docs, docID)
	return nil
}

func (v *fakeVectorStore) CountByUser(ctx context.Context, userID string) (int64, error) {
	n := 0
	for _, chunks := range v.docs {
		n += len(chunks)
	}
	return int64(n), nil
}

type fakeArchive struct {
	records  []*out.ArchiveRecord
	storeErr error
}

func (a *fakeArchive) Store(ctx context.Context, rec *out.ArchiveRecord) error {
	if a.storeErr != nil {
		return a.storeErr
	}
	cp := *rec
	a.records = append(a.records, &cp)
	return nil
}

func (a *fakeArchive) Get(ctx context.Context, userID, docID, kind string) (*out.ArchiveRecord, error) {
	for _, rec := range a.records {
		if rec.UserID == userID && rec.DocID == docID && rec.Kind == kind {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, errors.New("not archived")
}

func (a *fakeArchive) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}

func (a *fakeArchive) kinds(docID string) []string {
	var kinds []string
	for _, rec := range a.records {
		if rec.DocID == docID {
			kinds = append(kinds, rec.Kind)
		}
	}
	return kinds
}

type fakeContacts struct {
	recorded []string // sender addresses
}

func (g *fakeContacts) RecordEmail(ctx context.Context, email *domain.Email) error {
	g.recorded = append(g.recorded, email.Sender)
	return nil
}

func (g *fakeContacts) SenderStats(ctx context.Context, userID, sender string) (*out.SenderStats, error) {
	return nil, nil
}

func (g *fakeContacts) TopSenders(ctx context.Context, userID string, limit int) ([]*out.SenderStats, error) {
	return nil, nil
}

type fakeGateway struct {
	completions int
}

func (g *fakeGateway) Complete(ctx context.Context, prompt string) (string, error) {
	g.completions++
	return "ok", nil
}

func (g *fakeGateway) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.completions++
	return "ok", nil
}

func (g *fakeGateway) Embedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (g *fakeGateway) EmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

// =============================================================================
// Manager collaborator fakes
// =============================================================================

type fakeTokenStore struct {
	users   map[domain.ProviderFamily][]string
	canSync map[string]bool // userID/family
	checks  int
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{
		users:   make(map[domain.ProviderFamily][]string),
		canSync: make(map[string]bool),
	}
}

func (s *fakeTokenStore) Load(ctx context.Context, userID string, family domain.ProviderFamily) (*domain.Credential, error) {
	return nil, errors.New("not stored")
}

func (s *fakeTokenStore) Save(ctx context.Context, cred *domain.Credential) error { return nil }

func (s *fakeTokenStore) Check(ctx context.Context, userID string, family domain.ProviderFamily) *domain.CredentialStatus {
	s.checks++
	ok := s.canSync[userID+"/"+string(family)]
	return &domain.CredentialStatus{
		UserID:        userID,
		Family:        family,
		Authenticated: ok,
		Valid:         ok,
		CheckedAt:     time.Now().UTC(),
	}
}

func (s *fakeTokenStore) ListUsersWithCredential(ctx context.Context, family domain.ProviderFamily) ([]string, error) {
	return s.users[family], nil
}

type fakeLocker struct {
	held     map[string]string
	acquires int
	releases int
	denyAll  bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) Acquire(ctx context.Context, userID string, p domain.Provider, ttl time.Duration) (string, bool, error) {
	l.acquires++
	key := userID + "/" + string(p)
	if l.denyAll || l.held[key] != "" {
		return "", false, nil
	}
	token := fmt.Sprintf("tok-%d", l.acquires)
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) Release(ctx context.Context, userID string, p domain.Provider, token string) error {
	key := userID + "/" + string(p)
	if l.held[key] == token {
		delete(l.held, key)
		l.releases++
	}
	return nil
}

type fakeQueue struct {
	jobs []*out.SyncJob
}

func (q *fakeQueue) EnqueueSync(ctx context.Context, job *out.SyncJob) (string, error) {
	cp := *job
	if cp.JobID == "" {
		cp.JobID = fmt.Sprintf("job-%d", len(q.jobs)+1)
	}
	q.jobs = append(q.jobs, &cp)
	return cp.JobID, nil
}

type fakePublisher struct {
	events []*out.SyncEvent
}

func (p *fakePublisher) Publish(ctx context.Context, ev *out.SyncEvent) error {
	cp := *ev
	p.events = append(p.events, &cp)
	return nil
}

func (p *fakePublisher) types() []string {
	var types []string
	for _, ev := range p.events {
		types = append(types, ev.Type)
	}
	return types
}

type classifyCall struct {
	userID string
	source domain.Provider
	limit  int
}

type fakeClassifier struct {
	calls     []classifyCall
	judgments []*domain.Classification
	err       error
}

func (c *fakeClassifier) ClassifyEmail(ctx context.Context, email *domain.Email) (*domain.Classification, error) {
	if len(c.judgments) > 0 {
		return c.judgments[0], c.err
	}
	return nil, c.err
}

func (c *fakeClassifier) ClassifyRecent(ctx context.Context, userID string, source domain.Provider, limit int) ([]*domain.Classification, error) {
	c.calls = append(c.calls, classifyCall{userID: userID, source: source, limit: limit})
	return c.judgments, c.err
}

type fakeActions struct {
	executed []*domain.Classification
	fail     bool
}

func (a *fakeActions) Execute(ctx context.Context, email *domain.Email, c *domain.Classification) *domain.ActionResult {
	a.executed = append(a.executed, c)
	return &domain.ActionResult{
		EmailID:    c.EmailID,
		Action:     c.Action,
		Success:    !a.fail,
		ExecutedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Wiring helpers
// =============================================================================

type pipelineFixture struct {
	cfg      *config.Config
	factory  *fakeFactory
	registry *fakeRegistry
	emails   *fakeEmailRepo
	runs     *fakeRunRepo
	prefs    *fakePrefsRepo
	vectors  *fakeVectorStore
	archive  *fakeArchive
	contacts *fakeContacts
	events   *fakePublisher
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		cfg:      testConfig(t),
		factory:  newFakeFactory(),
		registry: newFakeRegistry(),
		emails:   newFakeEmailRepo(),
		runs:     newFakeRunRepo(),
		prefs:    &fakePrefsRepo{},
		vectors:  newFakeVectorStore(),
		archive:  &fakeArchive{},
		contacts: &fakeContacts{},
		events:   &fakePublisher{},
	}
	f.pipeline = NewPipeline(f.cfg, f.factory, f.registry, f.emails, f.runs, f.prefs,
		&fakeGateway{}, f.vectors, f.archive, f.contacts, f.events)
	return f
}

func (f *pipelineFixture) run(t *testing.T, userID string, p domain.Provider, opts *RunOptions) *domain.SyncResult {
	t.Helper()
	run := domain.NewSyncRun(userID, p)
	run.Status = domain.SyncInProgress
	if opts == nil {
		opts = &RunOptions{}
	}
	return f.pipeline.Run(context.Background(), run, opts)
}

type managerFixture struct {
	*pipelineFixture
	tokens     *fakeTokenStore
	queue      *fakeQueue
	locks      *fakeLocker
	classifier *fakeClassifier
	actions    *fakeActions
	manager    *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		pipelineFixture: newPipelineFixture(t),
		tokens:          newFakeTokenStore(),
		queue:           &fakeQueue{},
		locks:           newFakeLocker(),
		classifier:      &fakeClassifier{},
		actions:         &fakeActions{},
	}
	f.manager = NewManager(f.cfg, f.pipeline, f.tokens, f.runs, f.emails, f.prefs,
		f.queue, f.locks, f.events, f.classifier, f.actions)
	return f
}
