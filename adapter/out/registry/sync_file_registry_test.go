package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"sync_server/core/domain"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewFileRegistry(t.TempDir())
	ctx := context.Background()

	entry := &domain.RegistryEntry{
		Path:       "/google_email/alice/conv1/abc123",
		DocID:      "abc123",
		ProviderID: "msg-1",
		Metadata: map[string]string{
			domain.RegistryMetaEmailID: "msg-1",
			domain.RegistryMetaSubject: "hello",
		},
	}
	if err := r.Register(ctx, "alice", entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	exists, err := r.FileExists(ctx, "alice", entry.Path)
	if err != nil || !exists {
		t.Fatalf("FileExists = %v, %v; want true", exists, err)
	}

	got, err := r.Lookup(ctx, "alice", entry.Path)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.DocID != "abc123" || got.EmailID() != "msg-1" {
		t.Errorf("Lookup = %+v", got)
	}
	if got.IngestedAt.IsZero() {
		t.Error("IngestedAt not stamped")
	}

	// The returned entry must not alias the ledger.
	got.Metadata[domain.RegistryMetaSubject] = "mutated"
	again, _ := r.Lookup(ctx, "alice", entry.Path)
	if again.Metadata[domain.RegistryMetaSubject] != "hello" {
		t.Error("Lookup result aliases ledger state")
	}
}

func TestLookupAbsent(t *testing.T) {
	r := NewFileRegistry(t.TempDir())
	got, err := r.Lookup(context.Background(), "alice", "/google_email/alice/none")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup absent = %+v, want nil", got)
	}
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r := NewFileRegistry(dir)
	for _, path := range []string{
		"/google_email/alice/c1/doc1",
		"/google_email/alice/c1/doc2",
		"/google_storage/alice/f1/report.pdf",
	} {
		if err := r.Register(ctx, "alice", &domain.RegistryEntry{Path: path, DocID: "d"}); err != nil {
			t.Fatalf("Register %s: %v", path, err)
		}
	}
	if err := r.Flush(ctx, "alice"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.json")); err != nil {
		t.Fatalf("ledger file missing: %v", err)
	}

	// Fresh registry instance reads the same state back.
	r2 := NewFileRegistry(dir)
	exists, err := r2.FileExists(ctx, "alice", "/google_email/alice/c1/doc2")
	if err != nil || !exists {
		t.Errorf("reloaded FileExists = %v, %v", exists, err)
	}

	emails, err := r2.ListByPrefix(ctx, "alice", "/google_email/")
	if err != nil {
		t.Fatalf("ListByPrefix: %v", err)
	}
	if len(emails) != 2 {
		t.Errorf("ListByPrefix(/google_email/) = %d entries, want 2", len(emails))
	}
	if emails[0].Path > emails[1].Path {
		t.Error("ListByPrefix not sorted by path")
	}
}

func TestFlushCleanLedgerIsNoop(t *testing.T) {
	dir := t.TempDir()
	r := NewFileRegistry(dir)
	if err := r.Flush(context.Background(), "alice"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.json")); !os.IsNotExist(err) {
		t.Error("clean flush should not create a ledger file")
	}
}

func TestUpdateEmailClassification(t *testing.T) {
	r := NewFileRegistry(t.TempDir())
	ctx := context.Background()

	// Body entry plus one attachment sharing the email id, plus an
	// unrelated email.
	entries := []*domain.RegistryEntry{
		{Path: "/google_email/alice/c1/doc1", Metadata: map[string]string{domain.RegistryMetaEmailID: "m1"}},
		{Path: "/google_email/alice/c1/doc1/attachments/a.pdf", Metadata: map[string]string{domain.RegistryMetaEmailID: "m1"}},
		{Path: "/google_email/alice/c2/doc2", Metadata: map[string]string{domain.RegistryMetaEmailID: "m2"}},
	}
	for _, e := range entries {
		if err := r.Register(ctx, "alice", e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.UpdateEmailClassification(ctx, "alice", "m1", domain.ActionReply)
	if err != nil {
		t.Fatalf("UpdateEmailClassification: %v", err)
	}
	if n != 2 {
		t.Errorf("updated %d entries, want 2", n)
	}

	got, _ := r.Lookup(ctx, "alice", "/google_email/alice/c1/doc1")
	if got.Metadata[domain.RegistryMetaClassifiedAction] != string(domain.ActionReply) {
		t.Errorf("classified_action = %q", got.Metadata[domain.RegistryMetaClassifiedAction])
	}
	other, _ := r.Lookup(ctx, "alice", "/google_email/alice/c2/doc2")
	if _, ok := other.Metadata[domain.RegistryMetaClassifiedAction]; ok {
		t.Error("unrelated email was stamped")
	}

	n, err = r.UpdateEmailClassification(ctx, "alice", "missing", domain.ActionArchive)
	if err != nil || n != 0 {
		t.Errorf("unknown email id: n=%d err=%v", n, err)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	r := NewFileRegistry(t.TempDir())
	ctx := context.Background()

	if err := r.Register(ctx, "alice", &domain.RegistryEntry{Path: "/mbox/alice/a/doc"}); err != nil {
		t.Fatal(err)
	}
	exists, err := r.FileExists(ctx, "bob", "/mbox/alice/a/doc")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("bob sees alice's ledger")
	}
}

func TestCorruptLedgerSurfacesError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alice.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewFileRegistry(dir)
	if _, err := r.FileExists(context.Background(), "alice", "/x"); err == nil {
		t.Error("corrupt ledger should fail loudly, not wipe state")
	}
}
