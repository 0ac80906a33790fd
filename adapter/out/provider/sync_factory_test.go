package provider

import (
	"context"
	"testing"
	"time"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/pkg/apperr"
)

func testFactory() *Factory {
	cfg := &config.Config{
		DataRoot:           "data",
		AttachmentMaxBytes: 1024,
		MboxMinBodyLength:  10,
		GoogleClientID:     "cid",
		MicrosoftClientID:  "cid",
	}
	return NewFactory(cfg, nil, GoogleOAuthConfig(cfg), MicrosoftOAuthConfig(cfg))
}

func TestFactoryEmailProvider(t *testing.T) {
	f := testFactory()
	ctx := context.Background()

	for _, want := range []domain.Provider{domain.ProviderGoogleEmail, domain.ProviderMicrosoftEmail, domain.ProviderMbox} {
		p, err := f.EmailProvider(ctx, "u1", want)
		if err != nil {
			t.Fatalf("%s: %v", want, err)
		}
		if p.ProviderType() != want {
			t.Errorf("%s: adapter reports %s", want, p.ProviderType())
		}
	}

	_, err := f.EmailProvider(ctx, "u1", domain.ProviderGoogleDrive)
	if apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("drive as email provider: err = %v, want invalid argument", err)
	}
}

func TestFactoryDriveProvider(t *testing.T) {
	f := testFactory()
	ctx := context.Background()

	for _, p := range []domain.Provider{domain.ProviderGoogleDrive, domain.ProviderOneDrive, domain.ProviderLocalFS} {
		adapter, err := f.DriveProvider(ctx, "u1", p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if adapter.ProviderType() != p {
			t.Errorf("%s: adapter reports %s", p, adapter.ProviderType())
		}
	}

	_, err := f.DriveProvider(ctx, "u1", domain.ProviderGoogleEmail)
	if apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("email as drive provider: err = %v", err)
	}
}

func TestFactoryCalendarProvider(t *testing.T) {
	f := testFactory()
	ctx := context.Background()

	for _, p := range []domain.Provider{domain.ProviderGoogleCalendar, domain.ProviderMicrosoftCalendar} {
		adapter, err := f.CalendarProvider(ctx, "u1", p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if adapter.ProviderType() != p {
			t.Errorf("%s: adapter reports %s", p, adapter.ProviderType())
		}
	}

	_, err := f.CalendarProvider(ctx, "u1", domain.ProviderMbox)
	if apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("mbox as calendar provider: err = %v", err)
	}
}

func TestOneDriveConvertItem(t *testing.T) {
	a := &OneDriveAdapter{
		graph: &graphClient{tokens: &userTokens{userID: "u1"}, provider: domain.ProviderOneDrive},
	}

	f := a.convertItem(&graphDriveItem{
		ID:           "item-1",
		Name:         "budget.xlsx",
		Size:         2048,
		WebURL:       "https://onedrive.example/item-1",
		LastModified: "2025-06-02T06:04:05Z",
		File:         &graphFileFacet{MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		ParentReference: &graphItemRef{
			ID: "folder-1",
		},
	})

	if f.UserID != "u1" || f.Provider != domain.ProviderOneDrive {
		t.Errorf("identity wrong: %+v", f)
	}
	if f.FileID != "item-1" || f.Size != 2048 || f.FolderID != "folder-1" {
		t.Errorf("metadata wrong: %+v", f)
	}
	if f.MimeType == "" {
		t.Error("mime type lost")
	}
	if f.IsFolder {
		t.Error("file flagged as folder")
	}
	want := time.Date(2025, 6, 2, 6, 4, 5, 0, time.UTC)
	if !f.Modified.Equal(want) {
		t.Errorf("modified = %v, want %v", f.Modified, want)
	}

	folder := a.convertItem(&graphDriveItem{ID: "d-1", Name: "docs", Folder: &graphFolderFacet{ChildCount: 3}})
	if !folder.IsFolder {
		t.Error("folder facet not detected")
	}
}
