package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/out"
)

func TestRunColdSyncThenRerunSkips(t *testing.T) {
	f := newPipelineFixture(t)
	now := time.Now().UTC()
	f.factory.emailProviders[domain.ProviderGoogleEmail] = &fakeEmailProvider{
		provider: domain.ProviderGoogleEmail,
		authOK:   true,
		emails: []*domain.Email{
			testEmail("u1", "msg-1", "alice@example.com", "quarterly report attached", now),
			testEmail("u1", "msg-2", "bob@example.com", "lunch on thursday?", now),
			testEmail("u1", "msg-3", "carol@example.com", "invoice 4471 overdue", now),
		},
	}

	run := domain.NewSyncRun("u1", domain.ProviderGoogleEmail)
	run.Status = domain.SyncInProgress
	result := f.pipeline.Run(context.Background(), run, &RunOptions{})

	if !result.Success {
		t.Fatalf("Success = false, errors: %v", result.Errors)
	}
	if result.TotalItemsFound != 3 {
		t.Errorf("TotalItemsFound = %d, want 3", result.TotalItemsFound)
	}
	if result.ItemsIngested != 3 {
		t.Errorf("ItemsIngested = %d, want 3", result.ItemsIngested)
	}
	// Batch size 2: one full flush plus the remainder.
	if result.Batches != 2 {
		t.Errorf("Batches = %d, want 2", result.Batches)
	}
	if run.ItemsProcessed != 3 || run.ItemsSucceeded != 3 {
		t.Errorf("run counters = %d processed / %d succeeded, want 3/3", run.ItemsProcessed, run.ItemsSucceeded)
	}
	if f.emails.upserts != 3 {
		t.Errorf("email upserts = %d, want 3", f.emails.upserts)
	}
	if got := len(f.registry.entries["u1"]); got != 3 {
		t.Errorf("registry entries = %d, want 3", got)
	}
	if got := len(f.vectors.docs); got != 3 {
		t.Errorf("vector docs = %d, want 3", got)
	}
	if got := len(f.contacts.recorded); got != 3 {
		t.Errorf("contact graph records = %d, want 3", got)
	}
	progress := 0
	for _, ev := range f.events.events {
		if ev.Type == out.EventSyncProgress {
			progress++
		}
	}
	if progress != result.Batches {
		t.Errorf("progress events = %d, want one per batch (%d)", progress, result.Batches)
	}

	rerun := f.run(t, "u1", domain.ProviderGoogleEmail, nil)
	if rerun.ItemsIngested != 0 {
		t.Errorf("rerun ItemsIngested = %d, want 0", rerun.ItemsIngested)
	}
	if rerun.ItemsSkipped != 3 {
		t.Errorf("rerun ItemsSkipped = %d, want 3", rerun.ItemsSkipped)
	}
	if f.emails.upserts != 3 {
		t.Errorf("email upserts after rerun = %d, want 3", f.emails.upserts)
	}
}

func TestRunForceReingests(t *testing.T) {
	f := newPipelineFixture(t)
	email := testEmail("u1", "msg-1", "alice@example.com", "same message twice", time.Now().UTC())
	f.factory.emailProviders[domain.ProviderGoogleEmail] = &fakeEmailProvider{
		provider: domain.ProviderGoogleEmail,
		authOK:   true,
		emails:   []*domain.Email{email},
	}

	f.run(t, "u1", domain.ProviderGoogleEmail, nil)
	forced := f.run(t, "u1", domain.ProviderGoogleEmail, &RunOptions{Force: true})

	if forced.ItemsSkipped != 0 {
		t.Errorf("forced ItemsSkipped = %d, want 0", forced.ItemsSkipped)
	}
	if forced.ItemsIngested != 1 {
		t.Errorf("forced ItemsIngested = %d, want 1", forced.ItemsIngested)
	}
	if f.emails.upserts != 2 {
		t.Errorf("email upserts = %d, want 2", f.emails.upserts)
	}
	if got := f.vectors.attempts[email.DocID()]; got != 2 {
		t.Errorf("vector upserts = %d, want 2", got)
	}
}

func TestRunHonorsDateFilter(t *testing.T) {
	f := newPipelineFixture(t)
	now := time.Now().UTC()
	minDate := now.AddDate(0, 0, -2)
	provider := &fakeEmailProvider{
		provider: domain.ProviderGoogleEmail,
		authOK:   true,
		emails: []*domain.Email{
			testEmail("u1", "fresh", "alice@example.com", "sent an hour ago", now.Add(-time.Hour)),
			testEmail("u1", "stale", "bob@example.com", "sent last week", now.AddDate(0, 0, -10)),
		},
	}
	f.factory.emailProviders[domain.ProviderGoogleEmail] = provider

	result := f.run(t, "u1", domain.ProviderGoogleEmail, &RunOptions{MinDate: minDate})

	if provider.lastOpts == nil {
		t.Fatal("provider never received fetch options")
	}
	if !provider.lastOpts.MinDate.Equal(minDate) {
		t.Errorf("fetch MinDate = %v, want %v", provider.lastOpts.MinDate, minDate)
	}
	if provider.lastOpts.Limit != f.cfg.SyncLimitPerFolder {
		t.Errorf("fetch Limit = %d, want %d", provider.lastOpts.Limit, f.cfg.SyncLimitPerFolder)
	}
	if result.TotalItemsFound != 1 {
		t.Errorf("TotalItemsFound = %d, want 1", result.TotalItemsFound)
	}
	if result.ItemsIngested != 1 {
		t.Errorf("ItemsIngested = %d, want 1", result.ItemsIngested)
	}
	if _, ok := f.emails.byKey[emailKey("u1", "stale", domain.ProviderGoogleEmail)]; ok {
		t.Error("email past the cutoff was persisted")
	}
}

func TestRunPerSourceTuningOverride(t *testing.T) {
	f := newPipelineFixture(t)
	f.cfg.SyncTuning = map[string]config.SyncTuning{
		string(domain.ProviderGoogleEmail): {
			DaysFilter:      7,
			LimitPerFolder:  5,
			SaveAttachments: true,
		},
	}
	now := time.Now().UTC()
	gmail := &fakeEmailProvider{
		provider: domain.ProviderGoogleEmail,
		authOK:   true,
		emails:   []*domain.Email{testEmail("u1", "m1", "alice@example.com", "tuned source", now)},
	}
	outlook := &fakeEmailProvider{
		provider: domain.ProviderMicrosoftEmail,
		authOK:   true,
		emails:   []*domain.Email{testEmail("u1", "m2", "bob@example.com", "default source", now)},
	}
	f.factory.emailProviders[domain.ProviderGoogleEmail] = gmail
	f.factory.emailProviders[domain.ProviderMicrosoftEmail] = outlook

	f.run(t, "u1", domain.ProviderGoogleEmail, nil)
	f.run(t, "u1", domain.ProviderMicrosoftEmail, nil)

	if gmail.lastOpts.Limit != 5 {
		t.Errorf("tuned source fetch Limit = %d, want 5", gmail.lastOpts.Limit)
	}
	if outlook.lastOpts.Limit != f.cfg.SyncLimitPerFolder {
		t.Errorf("default source fetch Limit = %d, want global %d",
			outlook.lastOpts.Limit, f.cfg.SyncLimitPerFolder)
	}
}

func TestRunAvoidedSenderSkipped(t *testing.T) {
	tests := []struct {
		name     string
		prefs    *domain.UserPreferences
		cfgAvoid []string
	}{
		{
			name:  "user preference list",
			prefs: &domain.UserPreferences{UserID: "u1", SenderAvoidList: []string{"noreply@"}},
		},
		{
			name:     "config fallback",
			cfgAvoid: []string{"noreply@"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.prefs.prefs = tt.prefs
			f.cfg.SenderAvoidList = tt.cfgAvoid
			now := time.Now().UTC()
			f.factory.emailProviders[domain.ProviderGoogleEmail] = &fakeEmailProvider{
				provider: domain.ProviderGoogleEmail,
				authOK:   true,
				emails: []*domain.Email{
					testEmail("u1", "promo", "NoReply@shop.example", "50% off everything", now),
					testEmail("u1", "real", "friend@example.com", "are you around this weekend?", now),
				},
			}

			result := f.run(t, "u1", domain.ProviderGoogleEmail, nil)

			if result.ItemsSkipped != 1 {
				t.Errorf("ItemsSkipped = %d, want 1", result.ItemsSkipped)
			}
			if result.ItemsIngested != 1 {
				t.Errorf("ItemsIngested = %d, want 1", result.ItemsIngested)
			}
			if _, ok := f.emails.byKey[emailKey("u1", "promo", domain.ProviderGoogleEmail)]; ok {
				t.Error("avoided sender was persisted")
			}
		})
	}
}

func TestRunProviderFailureAborts(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakeEmailProvider)
		wantErr string
	}{
		{
			name:    "authenticate error",
			setup:   func(p *fakeEmailProvider) { p.authErr = errors.New("token endpoint returned 500") },
			wantErr: "authenticate",
		},
		{
			name:    "credential unusable",
			setup:   func(p *fakeEmailProvider) { p.authOK = false },
			wantErr: "no usable credential",
		},
		{
			name:    "fetch error",
			setup:   func(p *fakeEmailProvider) { p.fetchErr = errors.New("quota exhausted") },
			wantErr: "fetch",
		},
		{
			name:    "iterator error",
			setup:   func(p *fakeEmailProvider) { p.iterErr = errors.New("connection reset") },
			wantErr: "fetch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			provider := &fakeEmailProvider{
				provider: domain.ProviderGoogleEmail,
				authOK:   true,
				emails:   []*domain.Email{testEmail("u1", "m1", "alice@example.com", "hello", time.Now().UTC())},
			}
			tt.setup(provider)
			f.factory.emailProviders[domain.ProviderGoogleEmail] = provider

			result := f.run(t, "u1", domain.ProviderGoogleEmail, nil)

			if result.Success {
				t.Fatal("Success = true, want false")
			}
			joined := strings.Join(result.Errors, "; ")
			if !strings.Contains(joined, tt.wantErr) {
				t.Errorf("errors = %q, want substring %q", joined, tt.wantErr)
			}
		})
	}
}

func TestRunUnknownProviderAborts(t *testing.T) {
	f := newPipelineFixture(t)
	result := f.run(t, "u1", domain.ProviderGoogleCalendar, nil)
	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if joined := strings.Join(result.Errors, "; "); !strings.Contains(joined, "not syncable") {
		t.Errorf("errors = %q, want substring \"not syncable\"", joined)
	}
}

func TestRunVectorFailureRequeuesOnce(t *testing.T) {
	f := newPipelineFixture(t)
	now := time.Now().UTC()
	bad := testEmail("u1", "bad", "alice@example.com", "payload the store rejects", now)
	good := testEmail("u1", "good", "bob@example.com", "payload the store accepts", now)
	f.vectors.failDocs[bad.DocID()] = -1
	f.factory.emailProviders[domain.ProviderGoogleEmail] = &fakeEmailProvider{
		provider: domain.ProviderGoogleEmail,
		authOK:   true,
		emails:   []*domain.Email{bad, good},
	}

	result := f.run(t, "u1", domain.ProviderGoogleEmail, nil)

	if !result.Success {
		t.Fatalf("Success = false, want true: item failures must not fail the run (errors: %v)", result.Errors)
	}
	if result.ItemsIngested != 1 {
		t.Errorf("ItemsIngested = %d, want 1", result.ItemsIngested)
	}
	if result.ItemsFailed != 1 {
		t.Errorf("ItemsFailed = %d, want 1", result.ItemsFailed)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want exactly one entry", result.Errors)
	}
	if got := f.vectors.attempts[bad.DocID()]; got != 2 {
		t.Errorf("upsert attempts for failing doc = %d, want 2 (one requeue)", got)
	}
	if _, ok := f.registry.entries["u1"][bad.ToDocument().Path]; ok {
		t.Error("failed item was registered")
	}
	if _, ok := f.registry.entries["u1"][good.ToDocument().Path]; !ok {
		t.Error("succeeded item missing from registry")
	}
}

func TestRunVectorFailureRecoversOnRetry(t *testing.T) {
	f := newPipelineFixture(t)
	email := testEmail("u1", "flaky", "alice@example.com", "works the second time", time.Now().UTC())
	f.vectors.failDocs[email.DocID()] = 1
	f.factory.emailProviders[domain.ProviderGoogleEmail] = &fakeEmailProvider{
		provider: domain.ProviderGoogleEmail,
		authOK:   true,
		emails:   []*domain.Email{email},
	}

	result := f.run(t, "u1", domain.ProviderGoogleEmail, nil)

	if !result.Success {
		t.Fatalf("Success = false, errors: %v", result.Errors)
	}
	if result.ItemsIngested != 1 || result.ItemsFailed != 0 {
		t.Errorf("ingested/failed = %d/%d, want 1/0", result.ItemsIngested, result.ItemsFailed)
	}
	if got := f.vectors.attempts[email.DocID()]; got != 2 {
		t.Errorf("upsert attempts = %d, want 2", got)
	}
	if _, ok := f.registry.entries["u1"][email.ToDocument().Path]; !ok {
		t.Error("recovered item missing from registry")
	}
}

func TestRunEmailAttachments(t *testing.T) {
	tests := []struct {
		name        string
		save        bool
		wantEntries int
		wantKinds   int
	}{
		{name: "attachments saved", save: true, wantEntries: 3, wantKinds: 3},
		{name: "attachments disabled", save: false, wantEntries: 1, wantKinds: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.cfg.SyncSaveAttachment = tt.save
			email := testEmail("u1", "m1", "alice@example.com", "documents attached", time.Now().UTC())
			email.HasAttachments = true
			email.Attachments = []domain.Attachment{
				{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4"), Size: 8, ParentEmailID: "m1"},
				{Filename: "photo.jpg", ContentType: "image/jpeg", Data: []byte{0xFF, 0xD8}, Size: 2, ParentEmailID: "m1"},
				{Filename: "", ContentType: "application/octet-stream", Data: []byte{1}, ParentEmailID: "m1"},
			}
			f.factory.emailProviders[domain.ProviderGoogleEmail] = &fakeEmailProvider{
				provider: domain.ProviderGoogleEmail,
				authOK:   true,
				emails:   []*domain.Email{email},
			}

			result := f.run(t, "u1", domain.ProviderGoogleEmail, nil)

			if result.ItemsIngested != 1 {
				t.Fatalf("ItemsIngested = %d, want 1", result.ItemsIngested)
			}
			if got := len(f.registry.entries["u1"]); got != tt.wantEntries {
				t.Errorf("registry entries = %d, want %d", got, tt.wantEntries)
			}
			kinds := f.archive.kinds(email.DocID())
			if len(kinds) != tt.wantKinds {
				t.Errorf("archive kinds = %v, want %d records", kinds, tt.wantKinds)
			}
			if !tt.save {
				return
			}
			wantPath := domain.AttachmentPath(email.SourceType, "u1", email.ConversationID, "report.pdf")
			if _, ok := f.registry.entries["u1"][wantPath]; !ok {
				t.Errorf("attachment entry at %s missing", wantPath)
			}
			found := false
			for _, k := range kinds {
				if k == "attachment:report.pdf" {
					found = true
				}
			}
			if !found {
				t.Errorf("archive kinds = %v, want attachment:report.pdf present", kinds)
			}
		})
	}
}

// =============================================================================
// File pull
// =============================================================================

func driveFixture(mod time.Time, data []byte, mime string) (*domain.StorageFile, *fakeDriveProvider) {
	file := &domain.StorageFile{
		UserID:   "u1",
		Provider: domain.ProviderGoogleDrive,
		FileID:   "f-1",
		Name:     "notes.txt",
		MimeType: mime,
		Size:     int64(len(data)),
		Modified: mod,
	}
	folder := &domain.StorageFile{
		UserID:   "u1",
		Provider: domain.ProviderGoogleDrive,
		FileID:   "d-1",
		Name:     "Archive",
		IsFolder: true,
		Modified: mod,
	}
	drive := &fakeDriveProvider{
		provider: domain.ProviderGoogleDrive,
		authOK:   true,
		files:    []*domain.StorageFile{file, folder},
		contents: map[string]*domain.FileContent{
			"f-1": {FileID: "f-1", Data: data, MimeType: mime, Extension: "txt"},
		},
	}
	return file, drive
}

func TestRunFileMtimeFastPath(t *testing.T) {
	f := newPipelineFixture(t)
	mod := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	_, drive := driveFixture(mod, []byte("meeting notes from march"), "text/plain")
	f.factory.driveProviders[domain.ProviderGoogleDrive] = drive

	first := f.run(t, "u1", domain.ProviderGoogleDrive, nil)

	if !first.Success {
		t.Fatalf("Success = false, errors: %v", first.Errors)
	}
	if first.TotalItemsFound != 1 {
		t.Errorf("TotalItemsFound = %d, want 1 (folders excluded)", first.TotalItemsFound)
	}
	if first.ItemsIngested != 1 {
		t.Errorf("ItemsIngested = %d, want 1", first.ItemsIngested)
	}
	if drive.contentCalls["f-1"] != 1 {
		t.Errorf("content fetches = %d, want 1", drive.contentCalls["f-1"])
	}

	second := f.run(t, "u1", domain.ProviderGoogleDrive, nil)
	if second.ItemsSkipped != 1 {
		t.Errorf("rerun ItemsSkipped = %d, want 1", second.ItemsSkipped)
	}
	if drive.contentCalls["f-1"] != 1 {
		t.Errorf("content fetched for unchanged file: calls = %d, want 1", drive.contentCalls["f-1"])
	}
}

func TestRunFileTouchedReplacesChunks(t *testing.T) {
	f := newPipelineFixture(t)
	mod := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	file, drive := driveFixture(mod, []byte("first draft"), "text/plain")
	f.factory.driveProviders[domain.ProviderGoogleDrive] = drive

	f.run(t, "u1", domain.ProviderGoogleDrive, nil)
	oldDocID := file.DocID([]byte("first draft"))

	// The mtime participates in the hash, so a touched file is a new
	// content version even before the bytes are compared.
	file.Modified = mod.Add(2 * time.Hour)
	drive.contents["f-1"] = &domain.FileContent{FileID: "f-1", Data: []byte("second draft, revised"), MimeType: "text/plain", Extension: "txt"}

	second := f.run(t, "u1", domain.ProviderGoogleDrive, nil)

	if second.ItemsIngested != 1 {
		t.Fatalf("ItemsIngested = %d, want 1", second.ItemsIngested)
	}
	if drive.contentCalls["f-1"] != 2 {
		t.Errorf("content fetches = %d, want 2", drive.contentCalls["f-1"])
	}
	newDocID := file.DocID([]byte("second draft, revised"))
	entry := f.registry.entries["u1"][file.Path()]
	if entry == nil || entry.DocID != newDocID {
		t.Fatalf("registry entry = %+v, want DocID %s", entry, newDocID)
	}
	deleted := false
	for _, d := range f.vectors.deleted {
		if d == oldDocID {
			deleted = true
		}
	}
	if !deleted {
		t.Errorf("stale chunks of %s were not deleted (deleted: %v)", oldDocID, f.vectors.deleted)
	}
	if _, ok := f.vectors.docs[newDocID]; !ok {
		t.Error("new content version missing from vector store")
	}
}

func TestRunFileStampBackfill(t *testing.T) {
	f := newPipelineFixture(t)
	mod := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	data := []byte("ledger entry predating the mtime stamp")
	file, drive := driveFixture(mod, data, "text/plain")
	f.factory.driveProviders[domain.ProviderGoogleDrive] = drive

	// Entry from an older ledger format: correct docID, no mtime stamp.
	err := f.registry.Register(context.Background(), "u1", &domain.RegistryEntry{
		Path:       file.Path(),
		DocID:      file.DocID(data),
		ProviderID: "f-1",
		IngestedAt: mod,
		Metadata:   map[string]string{domain.RegistryMetaMimeType: "text/plain"},
	})
	if err != nil {
		t.Fatalf("seed register: %v", err)
	}

	first := f.run(t, "u1", domain.ProviderGoogleDrive, nil)
	if first.ItemsSkipped != 1 || first.ItemsIngested != 0 {
		t.Errorf("first run skipped/ingested = %d/%d, want 1/0", first.ItemsSkipped, first.ItemsIngested)
	}
	if drive.contentCalls["f-1"] != 1 {
		t.Errorf("content fetches = %d, want 1 (stamp backfill needs the bytes once)", drive.contentCalls["f-1"])
	}
	entry := f.registry.entries["u1"][file.Path()]
	if entry == nil || entry.Metadata[registryMetaModified] != mod.UTC().Format(time.RFC3339) {
		t.Fatalf("entry stamp = %+v, want %s", entry, mod.UTC().Format(time.RFC3339))
	}

	second := f.run(t, "u1", domain.ProviderGoogleDrive, nil)
	if second.ItemsSkipped != 1 {
		t.Errorf("second run ItemsSkipped = %d, want 1", second.ItemsSkipped)
	}
	if drive.contentCalls["f-1"] != 1 {
		t.Errorf("content fetched after backfill: calls = %d, want 1", drive.contentCalls["f-1"])
	}
}

func TestRunBinaryFileRegisteredNotEmbedded(t *testing.T) {
	f := newPipelineFixture(t)
	mod := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	file, drive := driveFixture(mod, []byte("%PDF-1.4 scanned pages"), "application/pdf")
	file.Name = "scan.pdf"
	f.factory.driveProviders[domain.ProviderGoogleDrive] = drive

	result := f.run(t, "u1", domain.ProviderGoogleDrive, nil)

	if result.ItemsIngested != 1 {
		t.Fatalf("ItemsIngested = %d, want 1", result.ItemsIngested)
	}
	if got := len(f.vectors.docs); got != 0 {
		t.Errorf("vector docs = %d, want 0 for binary content", got)
	}
	if _, ok := f.registry.entries["u1"][file.Path()]; !ok {
		t.Error("binary file missing from registry")
	}
	docID := file.DocID([]byte("%PDF-1.4 scanned pages"))
	if kinds := f.archive.kinds(docID); len(kinds) != 1 || kinds[0] != "body" {
		t.Errorf("archive kinds = %v, want [body]", kinds)
	}
}

func TestIsTextLike(t *testing.T) {
	tests := []struct {
		mime string
		want bool
	}{
		{"text/plain", true},
		{"text/markdown; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/json", true},
		{"application/csv", true},
		{"image/svg+xml", true},
		{"application/ld+json", true},
		{"application/pdf", false},
		{"image/png", false},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isTextLike(tt.mime); got != tt.want {
			t.Errorf("isTextLike(%q) = %v, want %v", tt.mime, got, tt.want)
		}
	}
}
