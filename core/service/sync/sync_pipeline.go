// Package sync orchestrates per-(user, provider) ingestion runs: the
// Pipeline pulls, dedupes, chunks, embeds and registers content, and the
// Manager wraps it with locking, run lifecycle and the classify pass.
package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sync_server/config"
	"sync_server/core/agent/rag"
	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// =============================================================================
// Pipeline - per-pair ingestion
// =============================================================================

const (
	defaultBatchSize = 20

	// archiveKindBody is the archive kind for the primary payload of a
	// document; attachments archive under "attachment:<filename>".
	archiveKindBody = "body"

	// registryMetaModified stamps file entries with the provider mtime so
	// unchanged files skip without a content fetch.
	registryMetaModified = "modified"
)

// RunOptions carries the per-run knobs the manager resolved.
type RunOptions struct {
	// Force reingests items even when the registry already has them.
	Force bool

	// MinDate excludes items older than it. Zero means no date filter.
	MinDate time.Time
}

// Pipeline executes one sync run for a (user, provider) pair. The
// archive, contact graph and event publisher are optional; a nil value
// disables that side channel and the run carries on.
type Pipeline struct {
	cfg      *config.Config
	factory  out.ProviderFactory
	registry out.Registry
	emails   out.EmailRepository
	runs     out.SyncRunRepository
	prefs    out.PreferenceRepository
	vectors  out.VectorStore
	archive  out.RawArchive
	contacts out.ContactGraph
	events   out.EventPublisher

	chunker  *rag.Chunker
	embedder *rag.Embedder
	log      *logger.Logger
}

func NewPipeline(
	cfg *config.Config,
	factory out.ProviderFactory,
	registry out.Registry,
	emails out.EmailRepository,
	runs out.SyncRunRepository,
	prefs out.PreferenceRepository,
	gateway out.LLMGateway,
	vectors out.VectorStore,
	archive out.RawArchive,
	contacts out.ContactGraph,
	events out.EventPublisher,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		factory:  factory,
		registry: registry,
		emails:   emails,
		runs:     runs,
		prefs:    prefs,
		vectors:  vectors,
		archive:  archive,
		contacts: contacts,
		events:   events,
		chunker:  rag.NewChunker(cfg.ChunkSizeTokens, cfg.ChunkOverlap),
		embedder: rag.NewEmbedder(gateway),
		log:      logger.WithField("component", "sync_pipeline"),
	}
}

// runState is the mutable bookkeeping of one run.
type runState struct {
	run    *domain.SyncRun
	result *domain.SyncResult
	opts   *RunOptions
	prefs  *domain.UserPreferences
	tuning config.SyncTuning
	force  bool

	tempDir string

	batch   []*pendingItem
	retry   []*pendingItem
	retried map[string]bool
}

// pendingItem is one accepted document waiting for a batch flush.
type pendingItem struct {
	doc       *domain.Document
	email     *domain.Email
	entries   []*domain.RegistryEntry
	tempFiles []string

	// oldDocID names the previously registered content version at the
	// same path; its chunks are dropped once the new version is in.
	oldDocID string
}

// skip counts an item that was examined and deliberately not ingested.
func (st *runState) skip() {
	st.run.ItemsSkipped++
	st.result.ItemsSkipped++
}

// itemFailed records a per-item failure without failing the run.
func (st *runState) itemFailed(path string, err error) {
	st.result.AddError(fmt.Sprintf("%s: %v", path, err))
	st.run.ItemsFailed++
}

// abort marks the run itself failed. Items already flushed stay flushed.
func (st *runState) abort(stage string, err error) {
	st.result.Success = false
	st.result.Errors = append(st.result.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// Run executes the full ingestion flow for the pair named by run.
// Failures come back inside the result; the run row itself is completed
// or failed by the caller.
func (p *Pipeline) Run(ctx context.Context, run *domain.SyncRun, opts *RunOptions) *domain.SyncResult {
	start := time.Now()
	if opts == nil {
		opts = &RunOptions{}
	}

	tuning := p.cfg.TuningFor(string(run.SourceType))
	st := &runState{
		run:     run,
		opts:    opts,
		tuning:  tuning,
		force:   opts.Force || tuning.ForceReingest,
		retried: make(map[string]bool),
		result: &domain.SyncResult{
			UserID:     run.UserID,
			SourceType: run.SourceType,
			Success:    true,
		},
	}

	log := p.log.WithUser(run.UserID).WithProvider(string(run.SourceType)).WithField("run_id", run.RunID)
	log.Info("sync run starting (force=%v, min_date=%s)", st.force, opts.MinDate.Format("2006-01-02"))

	prefs, err := p.prefs.Get(ctx, run.UserID)
	if err != nil || prefs == nil {
		if err != nil {
			log.WithError(err).Warn("preferences unavailable, using defaults")
		}
		prefs = &domain.UserPreferences{UserID: run.UserID}
	}
	if len(prefs.SenderAvoidList) == 0 && len(p.cfg.SenderAvoidList) > 0 {
		prefs.SenderAvoidList = p.cfg.SenderAvoidList
	}
	st.prefs = prefs

	st.tempDir = filepath.Join(p.cfg.DataRoot, "tmp", run.RunID)
	if err := os.MkdirAll(st.tempDir, 0o755); err != nil {
		log.WithError(err).Warn("temp dir not created, spill disabled")
		st.tempDir = ""
	}
	defer func() {
		if st.tempDir != "" {
			os.RemoveAll(st.tempDir)
		}
	}()

	switch {
	case run.SourceType.IsEmail():
		p.pullEmails(ctx, st)
	case run.SourceType.IsStorage():
		p.pullFiles(ctx, st)
	default:
		st.abort("setup", fmt.Errorf("provider %s is not syncable", run.SourceType))
	}

	// Remainder of the last batch, then one retry pass over items whose
	// first flush failed. Second failures land in errors[].
	p.flushBatch(ctx, st)
	if len(st.retry) > 0 {
		st.batch = append(st.batch, st.retry...)
		st.retry = nil
		p.flushBatch(ctx, st)
	}

	st.result.Duration = time.Since(start)
	log.WithDuration(st.result.Duration).Info("sync run finished: found=%d ingested=%d skipped=%d failed=%d batches=%d",
		st.result.TotalItemsFound, st.result.ItemsIngested, st.result.ItemsSkipped,
		st.result.ItemsFailed, st.result.Batches)
	return st.result
}

// =============================================================================
// Email pull
// =============================================================================

func (p *Pipeline) pullEmails(ctx context.Context, st *runState) {
	provider, err := p.factory.EmailProvider(ctx, st.run.UserID, st.run.SourceType)
	if err != nil {
		st.abort("provider", err)
		return
	}

	ok, err := provider.Authenticate(ctx)
	if err != nil {
		st.abort("authenticate", err)
		return
	}
	if !ok {
		st.abort("authenticate", fmt.Errorf("no usable credential for %s", st.run.SourceType))
		return
	}

	it, total, err := provider.FetchEmails(ctx, &out.FetchOptions{
		Limit:   st.tuning.LimitPerFolder,
		MinDate: st.opts.MinDate,
	})
	if err != nil {
		st.abort("fetch", err)
		return
	}
	defer it.Close()

	st.result.TotalItemsFound = total
	st.run.TotalDocuments = total

	for it.Next(ctx) {
		st.run.ItemsProcessed++
		p.acceptEmail(ctx, st, it.Email())
	}
	if err := it.Err(); err != nil {
		st.abort("fetch", err)
	}
}

func (p *Pipeline) acceptEmail(ctx context.Context, st *runState, email *domain.Email) {
	if email == nil {
		return
	}
	if st.prefs.SenderAvoided(email.Sender) {
		p.log.WithUser(email.UserID).Debug("sender %s avoided, skipping %s", email.Sender, email.EmailID)
		st.skip()
		return
	}

	doc := email.ToDocument()
	entry, err := p.registry.Lookup(ctx, st.run.UserID, doc.Path)
	if err != nil {
		p.log.WithError(err).Warn("registry lookup failed for %s", doc.Path)
		entry = nil
	}
	if entry != nil && entry.DocID == doc.DocID && !st.force {
		st.skip()
		return
	}

	tempFiles := p.spillEmail(st, doc, email)

	if _, err := p.emails.Upsert(ctx, email); err != nil {
		st.itemFailed(doc.Path, fmt.Errorf("persist email: %w", err))
		return
	}
	p.archiveEmail(ctx, st, email, doc)

	item := &pendingItem{
		doc:       doc,
		email:     email,
		entries:   p.emailEntries(st, email, doc),
		tempFiles: tempFiles,
	}
	if entry != nil {
		item.oldDocID = entry.DocID
	}
	p.enqueue(ctx, st, item)
}

// conversationKey mirrors the fallback Email.Path applies: emails
// without a conversation group under their own id.
func conversationKey(email *domain.Email) string {
	if email.ConversationID != "" {
		return email.ConversationID
	}
	return email.EmailID
}

func (p *Pipeline) emailEntries(st *runState, email *domain.Email, doc *domain.Document) []*domain.RegistryEntry {
	now := time.Now().UTC()
	entries := []*domain.RegistryEntry{{
		Path:       doc.Path,
		DocID:      doc.DocID,
		ProviderID: email.EmailID,
		IngestedAt: now,
		Metadata: map[string]string{
			domain.RegistryMetaEmailID: email.EmailID,
			domain.RegistryMetaSubject: email.DisplaySubject(),
			domain.RegistryMetaSender:  email.Sender,
		},
	}}

	if !st.tuning.SaveAttachments {
		return entries
	}
	conv := conversationKey(email)
	for i := range email.Attachments {
		att := &email.Attachments[i]
		if !att.Usable() {
			continue
		}
		entries = append(entries, &domain.RegistryEntry{
			Path:       domain.AttachmentPath(email.SourceType, email.UserID, conv, att.Filename),
			DocID:      doc.DocID,
			ProviderID: email.EmailID,
			IngestedAt: now,
			Metadata: map[string]string{
				domain.RegistryMetaEmailID:  email.EmailID,
				domain.RegistryMetaMimeType: att.ContentType,
			},
		})
	}
	return entries
}

func (p *Pipeline) archiveEmail(ctx context.Context, st *runState, email *domain.Email, doc *domain.Document) {
	if p.archive == nil {
		return
	}
	body := &out.ArchiveRecord{
		UserID:      email.UserID,
		DocID:       doc.DocID,
		Provider:    email.SourceType,
		Kind:        archiveKindBody,
		ContentType: "text/plain",
		Data:        []byte(email.EffectiveBody()),
		Metadata: map[string]string{
			"email_id": email.EmailID,
			"subject":  email.DisplaySubject(),
			"sender":   email.Sender,
		},
	}
	if err := p.archive.Store(ctx, body); err != nil {
		p.log.WithError(err).Warn("archive of %s failed", doc.DocID)
	}

	if !st.tuning.SaveAttachments {
		return
	}
	for i := range email.Attachments {
		att := &email.Attachments[i]
		if !att.Usable() {
			continue
		}
		rec := &out.ArchiveRecord{
			UserID:      email.UserID,
			DocID:       doc.DocID,
			Provider:    email.SourceType,
			Kind:        "attachment:" + domain.SafeFilename(att.Filename),
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Data:        att.Data,
			Metadata:    map[string]string{"email_id": email.EmailID},
		}
		if err := p.archive.Store(ctx, rec); err != nil {
			p.log.WithError(err).Warn("archive of attachment %s failed", att.Filename)
		}
	}
}

// =============================================================================
// File pull
// =============================================================================

func (p *Pipeline) pullFiles(ctx context.Context, st *runState) {
	provider, err := p.factory.DriveProvider(ctx, st.run.UserID, st.run.SourceType)
	if err != nil {
		st.abort("provider", err)
		return
	}

	ok, err := provider.Authenticate(ctx)
	if err != nil {
		st.abort("authenticate", err)
		return
	}
	if !ok {
		st.abort("authenticate", fmt.Errorf("no usable credential for %s", st.run.SourceType))
		return
	}

	files, err := provider.ListFiles(ctx, &out.ListFilesOptions{
		Limit:   st.tuning.LimitPerFolder,
		MinDate: st.opts.MinDate,
	})
	if err != nil {
		st.abort("list", err)
		return
	}

	total := 0
	for _, f := range files {
		if !f.IsFolder {
			total++
		}
	}
	st.result.TotalItemsFound = total
	st.run.TotalDocuments = total

	for _, f := range files {
		if f.IsFolder {
			continue
		}
		if ctx.Err() != nil {
			st.abort("list", ctx.Err())
			return
		}
		st.run.ItemsProcessed++
		p.acceptFile(ctx, st, provider, f)
	}
}

func (p *Pipeline) acceptFile(ctx context.Context, st *runState, provider out.DriveProvider, f *domain.StorageFile) {
	path := f.Path()
	mstamp := f.Modified.UTC().Format(time.RFC3339)

	entry, err := p.registry.Lookup(ctx, st.run.UserID, path)
	if err != nil {
		p.log.WithError(err).Warn("registry lookup failed for %s", path)
		entry = nil
	}
	// Unchanged mtime skips without fetching content at all.
	if entry != nil && !st.force && entry.Metadata[registryMetaModified] == mstamp {
		st.skip()
		return
	}

	content, err := provider.GetFileContent(ctx, f.FileID)
	if err != nil {
		st.itemFailed(path, err)
		return
	}

	docID := f.DocID(content.Data)
	if entry != nil && entry.DocID == docID && !st.force {
		// Unchanged file behind an entry without an mtime stamp: backfill
		// the stamp so the next run skips without fetching.
		refreshed := entry.Clone()
		if refreshed.Metadata == nil {
			refreshed.Metadata = make(map[string]string, 1)
		}
		refreshed.Metadata[registryMetaModified] = mstamp
		if err := p.registry.Register(ctx, st.run.UserID, refreshed); err != nil {
			p.log.WithError(err).Warn("registry refresh failed for %s", path)
		}
		st.skip()
		return
	}

	doc := p.fileDocument(st, f, content, docID)
	tempFiles := p.spillFile(st, doc, content)
	p.archiveFile(ctx, doc, f, content)

	item := &pendingItem{
		doc:       doc,
		entries:   fileEntries(doc, f, content, mstamp),
		tempFiles: tempFiles,
	}
	if entry != nil {
		item.oldDocID = entry.DocID
	}
	p.enqueue(ctx, st, item)
}

func (p *Pipeline) fileDocument(st *runState, f *domain.StorageFile, content *domain.FileContent, docID string) *domain.Document {
	meta := map[string]string{
		"file_id":   f.FileID,
		"mime_type": content.MimeType,
	}
	if f.WebLink != "" {
		meta["web_link"] = f.WebLink
	}

	// Only text-like content is worth embedding; binary formats still get
	// registered and archived.
	body := ""
	if isTextLike(content.MimeType) {
		body = string(content.Data)
	}

	return &domain.Document{
		DocID:      docID,
		Path:       f.Path(),
		UserID:     st.run.UserID,
		Provider:   f.Provider,
		Kind:       domain.DocFile,
		ProviderID: f.FileID,
		Title:      f.Name,
		Body:       body,
		MimeType:   content.MimeType,
		Date:       f.Modified,
		Metadata:   meta,
	}
}

func fileEntries(doc *domain.Document, f *domain.StorageFile, content *domain.FileContent, mstamp string) []*domain.RegistryEntry {
	return []*domain.RegistryEntry{{
		Path:       doc.Path,
		DocID:      doc.DocID,
		ProviderID: f.FileID,
		IngestedAt: time.Now().UTC(),
		Metadata: map[string]string{
			domain.RegistryMetaMimeType: content.MimeType,
			registryMetaModified:        mstamp,
		},
	}}
}

func (p *Pipeline) archiveFile(ctx context.Context, doc *domain.Document, f *domain.StorageFile, content *domain.FileContent) {
	if p.archive == nil {
		return
	}
	rec := &out.ArchiveRecord{
		UserID:      doc.UserID,
		DocID:       doc.DocID,
		Provider:    doc.Provider,
		Kind:        archiveKindBody,
		Filename:    f.Name,
		ContentType: content.MimeType,
		Data:        content.Data,
		Metadata:    map[string]string{"file_id": f.FileID},
	}
	if err := p.archive.Store(ctx, rec); err != nil {
		p.log.WithError(err).Warn("archive of %s failed", doc.DocID)
	}
}

// isTextLike reports whether the MIME type carries chunkable text.
func isTextLike(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/csv",
		"application/x-ndjson", "application/javascript":
		return true
	}
	return strings.HasSuffix(mt, "+xml") || strings.HasSuffix(mt, "+json")
}

// =============================================================================
// Batch flush
// =============================================================================

func (p *Pipeline) enqueue(ctx context.Context, st *runState, item *pendingItem) {
	st.batch = append(st.batch, item)
	if len(st.batch) >= p.batchSize() {
		p.flushBatch(ctx, st)
	}
}

func (p *Pipeline) batchSize() int {
	if p.cfg.SyncBatchSize > 0 {
		return p.cfg.SyncBatchSize
	}
	return defaultBatchSize
}

// flushBatch chunks, embeds and upserts every pending item, registers
// the successes and re-queues first-time failures. The registry flushes
// once per batch so a crash loses at most one batch of bookkeeping.
func (p *Pipeline) flushBatch(ctx context.Context, st *runState) {
	if len(st.batch) == 0 {
		return
	}
	st.result.Batches++

	for _, item := range st.batch {
		if err := p.ingestItem(ctx, st, item); err != nil {
			if st.retried[item.doc.DocID] {
				st.itemFailed(item.doc.Path, err)
				p.removeTemp(item)
			} else {
				st.retried[item.doc.DocID] = true
				st.retry = append(st.retry, item)
			}
			continue
		}

		if item.email != nil && p.contacts != nil {
			if err := p.contacts.RecordEmail(ctx, item.email); err != nil {
				p.log.WithError(err).Warn("contact graph update failed for %s", item.email.EmailID)
			}
		}

		for _, entry := range item.entries {
			if err := p.registry.Register(ctx, st.run.UserID, entry); err != nil {
				p.log.WithError(err).Warn("register failed for %s", entry.Path)
				st.result.Errors = append(st.result.Errors, fmt.Sprintf("%s: register: %v", entry.Path, err))
			}
		}
		p.removeTemp(item)

		st.result.ItemsIngested++
		st.run.ItemsSucceeded++
	}
	st.batch = st.batch[:0]

	if err := p.registry.Flush(ctx, st.run.UserID); err != nil {
		p.log.WithError(err).Warn("registry flush failed")
	}

	st.run.UpdateProgress()
	if err := p.runs.UpdateProgress(ctx, st.run); err != nil {
		p.log.WithError(err).Warn("progress update failed")
	}
	p.publishProgress(ctx, st)
}

// ingestItem embeds and upserts one document. Chunk-less documents
// (binary files, empty bodies) are registered without touching the
// vector store.
func (p *Pipeline) ingestItem(ctx context.Context, st *runState, item *pendingItem) error {
	chunks := p.chunker.Split(item.doc)
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		embeddings, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if err := p.vectors.Upsert(ctx, st.run.UserID, chunks, embeddings); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
	}

	if item.oldDocID != "" && item.oldDocID != item.doc.DocID {
		if err := p.vectors.DeleteByDocID(ctx, st.run.UserID, item.oldDocID); err != nil {
			p.log.WithError(err).Warn("stale chunks of %s not removed", item.oldDocID)
		}
	}
	return nil
}

func (p *Pipeline) publishProgress(ctx context.Context, st *runState) {
	if p.events == nil {
		return
	}
	ev := &out.SyncEvent{
		Type:     out.EventSyncProgress,
		UserID:   st.run.UserID,
		Provider: st.run.SourceType,
		RunID:    st.run.RunID,
		Progress: st.run.Progress,
	}
	if err := p.events.Publish(ctx, ev); err != nil {
		p.log.WithError(err).Debug("progress event not published")
	}
}

// =============================================================================
// Temp spill
// =============================================================================

// spillEmail writes the body and usable attachments into the run's temp
// dir. Spill failures degrade to a warning; ingestion does not depend on
// the spill.
func (p *Pipeline) spillEmail(st *runState, doc *domain.Document, email *domain.Email) []string {
	if st.tempDir == "" {
		return nil
	}
	var written []string
	bodyPath := filepath.Join(st.tempDir, doc.DocID+".txt")
	if err := os.WriteFile(bodyPath, []byte(doc.Body), 0o644); err != nil {
		p.log.WithError(err).Warn("spill of %s failed", doc.DocID)
	} else {
		written = append(written, bodyPath)
	}
	if !st.tuning.SaveAttachments {
		return written
	}
	for i := range email.Attachments {
		att := &email.Attachments[i]
		if !att.Usable() {
			continue
		}
		attPath := filepath.Join(st.tempDir, doc.DocID+"_"+domain.SafeFilename(att.Filename))
		if err := os.WriteFile(attPath, att.Data, 0o644); err != nil {
			p.log.WithError(err).Warn("spill of attachment %s failed", att.Filename)
			continue
		}
		written = append(written, attPath)
	}
	return written
}

func (p *Pipeline) spillFile(st *runState, doc *domain.Document, content *domain.FileContent) []string {
	if st.tempDir == "" {
		return nil
	}
	name := doc.DocID
	if content.Extension != "" {
		name += "." + strings.TrimPrefix(content.Extension, ".")
	}
	path := filepath.Join(st.tempDir, name)
	if err := os.WriteFile(path, content.Data, 0o644); err != nil {
		p.log.WithError(err).Warn("spill of %s failed", doc.DocID)
		return nil
	}
	return []string{path}
}

func (p *Pipeline) removeTemp(item *pendingItem) {
	for _, path := range item.tempFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.WithError(err).Debug("temp file %s not removed", filepath.Base(path))
		}
	}
	item.tempFiles = nil
}
