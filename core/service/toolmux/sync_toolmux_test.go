package toolmux

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeTokenStore struct {
	valid map[domain.ProviderFamily]bool
}

func (s *fakeTokenStore) Load(ctx context.Context, userID string, f domain.ProviderFamily) (*domain.Credential, error) {
	return nil, errors.New("not used")
}

func (s *fakeTokenStore) Save(ctx context.Context, cred *domain.Credential) error {
	return errors.New("not used")
}

func (s *fakeTokenStore) Check(ctx context.Context, userID string, f domain.ProviderFamily) *domain.CredentialStatus {
	return &domain.CredentialStatus{
		UserID:        userID,
		Family:        f,
		Authenticated: s.valid[f],
		Valid:         s.valid[f],
	}
}

func (s *fakeTokenStore) ListUsersWithCredential(ctx context.Context, f domain.ProviderFamily) ([]string, error) {
	return nil, nil
}

type muxEmailProvider struct {
	provider domain.Provider
	lastOut  *domain.OutgoingEmail
	lastFlag *out.FlagOptions
	lastDest domain.Folder
}

func (p *muxEmailProvider) ProviderType() domain.Provider { return p.provider }

func (p *muxEmailProvider) Authenticate(context.Context) (bool, error) { return true, nil }

func (p *muxEmailProvider) FetchEmails(context.Context, *out.FetchOptions) (out.EmailIterator, int, error) {
	return nil, 0, errors.New("not used")
}

func (p *muxEmailProvider) SendEmail(ctx context.Context, msg *domain.OutgoingEmail) (*out.SendResult, error) {
	p.lastOut = msg
	return &out.SendResult{DraftID: "d1"}, nil
}

func (p *muxEmailProvider) ReplyToEmail(ctx context.Context, emailID, body string, cc []string, includeOriginal bool) (*out.SendResult, error) {
	return &out.SendResult{DraftID: "d2"}, nil
}

func (p *muxEmailProvider) ForwardEmail(ctx context.Context, emailID string, recipients []string, comment string) (*out.SendResult, error) {
	return &out.SendResult{DraftID: "d3"}, nil
}

func (p *muxEmailProvider) FlagEmail(ctx context.Context, emailID string, opts *out.FlagOptions) error {
	p.lastFlag = opts
	return nil
}

func (p *muxEmailProvider) MoveEmail(ctx context.Context, emailID string, dest domain.Folder) error {
	p.lastDest = dest
	return nil
}

type muxCalendarProvider struct {
	provider domain.Provider
	lastNew  *domain.NewCalendarEvent
}

func (p *muxCalendarProvider) ProviderType() domain.Provider { return p.provider }

func (p *muxCalendarProvider) Authenticate(context.Context) (bool, error) { return true, nil }

func (p *muxCalendarProvider) ListEvents(ctx context.Context, opts *out.ListEventsOptions) ([]*domain.CalendarEvent, error) {
	return []*domain.CalendarEvent{{EventID: "ev1", Title: "standup"}}, nil
}

func (p *muxCalendarProvider) CreateEvent(ctx context.Context, ev *domain.NewCalendarEvent) (*domain.CalendarEvent, error) {
	p.lastNew = ev
	return &domain.CalendarEvent{EventID: "ev2", Title: ev.Title}, nil
}

type muxFactory struct {
	email    *muxEmailProvider
	calendar *muxCalendarProvider
	lastP    domain.Provider
}

func (f *muxFactory) EmailProvider(ctx context.Context, userID string, p domain.Provider) (out.EmailProvider, error) {
	f.lastP = p
	return f.email, nil
}

func (f *muxFactory) DriveProvider(ctx context.Context, userID string, p domain.Provider) (out.DriveProvider, error) {
	f.lastP = p
	return nil, errors.New("drive not faked")
}

func (f *muxFactory) CalendarProvider(ctx context.Context, userID string, p domain.Provider) (out.CalendarProvider, error) {
	f.lastP = p
	return f.calendar, nil
}

func newMux(valid map[domain.ProviderFamily]bool) (*Service, *muxFactory) {
	factory := &muxFactory{
		email:    &muxEmailProvider{provider: domain.ProviderGoogleEmail},
		calendar: &muxCalendarProvider{provider: domain.ProviderGoogleCalendar},
	}
	cfg := &config.Config{SyncLimitPerFolder: 50}
	return NewService(cfg, &fakeTokenStore{valid: valid}, factory), factory
}

func googleOnly() map[domain.ProviderFamily]bool {
	return map[domain.ProviderFamily]bool{domain.FamilyGoogle: true}
}

// =============================================================================
// Tests
// =============================================================================

func TestListTools(t *testing.T) {
	svc, _ := newMux(googleOnly())

	got := svc.ListTools()
	want := []string{
		"create_event", "flag_email", "forward_email", "get_file_content",
		"list_events", "list_files", "list_folders", "move_email",
		"reply_email", "send_email",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListTools() = %v, want %v", got, want)
	}
}

func TestCallToolUnknown(t *testing.T) {
	svc, _ := newMux(googleOnly())

	res := svc.CallTool(context.Background(), "u1", "explode", nil)
	if res.Success {
		t.Fatal("CallTool() success = true, want failure")
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestPreferredProviderPriority(t *testing.T) {
	tests := []struct {
		name    string
		valid   map[domain.ProviderFamily]bool
		want    domain.Provider
		wantErr bool
	}{
		{"google wins when both valid", map[domain.ProviderFamily]bool{
			domain.FamilyGoogle: true, domain.FamilyMicrosoft: true,
		}, domain.ProviderGoogleEmail, false},
		{"microsoft when google invalid", map[domain.ProviderFamily]bool{
			domain.FamilyMicrosoft: true,
		}, domain.ProviderMicrosoftEmail, false},
		{"error when none valid", map[domain.ProviderFamily]bool{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newMux(tt.valid)

			got, err := svc.preferredProvider(context.Background(), "u1", CapabilityEmail)
			if tt.wantErr {
				if err == nil {
					t.Fatal("preferredProvider() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("preferredProvider() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("preferredProvider() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallToolSendEmailIgnoresExtraParams(t *testing.T) {
	svc, factory := newMux(googleOnly())

	res := svc.CallTool(context.Background(), "u1", "send_email", map[string]interface{}{
		"to":         []interface{}{"dave@example.com"},
		"subject":    "hello",
		"body":       "world",
		"top_k":      float64(9999),
		"collection": "someone_else",
		"rerank":     true,
	})
	if !res.Success {
		t.Fatalf("CallTool() error = %v", res.Error)
	}
	if factory.lastP != domain.ProviderGoogleEmail {
		t.Errorf("routed to %v, want google_email", factory.lastP)
	}
	msg := factory.email.lastOut
	if msg == nil || msg.Subject != "hello" || len(msg.To) != 1 {
		t.Errorf("outgoing = %+v", msg)
	}
}

func TestCallToolSendEmailValidation(t *testing.T) {
	svc, _ := newMux(googleOnly())

	res := svc.CallTool(context.Background(), "u1", "send_email", map[string]interface{}{
		"subject": "no recipients",
		"body":    "text",
	})
	if res.Success {
		t.Fatal("CallTool() success = true, want failure without to")
	}
	if !strings.Contains(res.Error, "to is required") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestCallToolFlagDefaultsImportant(t *testing.T) {
	svc, factory := newMux(googleOnly())

	res := svc.CallTool(context.Background(), "u1", "flag_email", map[string]interface{}{
		"email_id": "m1",
	})
	if !res.Success {
		t.Fatalf("CallTool() error = %v", res.Error)
	}
	opts := factory.email.lastFlag
	if opts == nil || opts.MarkImportant == nil || !*opts.MarkImportant {
		t.Errorf("flag opts = %+v, want mark_important default true", opts)
	}
}

func TestCallToolMoveEmailParsesFolder(t *testing.T) {
	svc, factory := newMux(googleOnly())

	res := svc.CallTool(context.Background(), "u1", "move_email", map[string]interface{}{
		"email_id": "m1",
		"folder":   "trash",
	})
	if !res.Success {
		t.Fatalf("CallTool() error = %v", res.Error)
	}
	if factory.email.lastDest != domain.FolderTrash {
		t.Errorf("dest = %v, want trash", factory.email.lastDest)
	}

	res = svc.CallTool(context.Background(), "u1", "move_email", map[string]interface{}{
		"email_id": "m1",
		"folder":   "attic",
	})
	if res.Success {
		t.Fatal("CallTool() accepted unknown folder")
	}
}

func TestCallToolCreateEventValidation(t *testing.T) {
	svc, factory := newMux(googleOnly())

	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr string
	}{
		{"missing title", map[string]interface{}{
			"start": start.Format(time.RFC3339), "end": start.Add(time.Hour).Format(time.RFC3339),
		}, "title is required"},
		{"missing start", map[string]interface{}{
			"title": "t", "end": start.Format(time.RFC3339),
		}, "start is required"},
		{"end before start", map[string]interface{}{
			"title": "t", "start": start.Format(time.RFC3339), "end": start.Add(-time.Hour).Format(time.RFC3339),
		}, "end must be after start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := svc.CallTool(context.Background(), "u1", "create_event", tt.params)
			if res.Success {
				t.Fatal("CallTool() success = true, want validation failure")
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("error = %q, want %q", res.Error, tt.wantErr)
			}
		})
	}

	res := svc.CallTool(context.Background(), "u1", "create_event", map[string]interface{}{
		"title":     "planning",
		"start":     start.Format(time.RFC3339),
		"end":       start.Add(time.Hour).Format(time.RFC3339),
		"attendees": []interface{}{"a@b.co"},
	})
	if !res.Success {
		t.Fatalf("CallTool() error = %v", res.Error)
	}
	if factory.calendar.lastNew == nil || factory.calendar.lastNew.Title != "planning" {
		t.Errorf("created = %+v", factory.calendar.lastNew)
	}
}

func TestParamDecoding(t *testing.T) {
	params := map[string]interface{}{
		"csv":    "a@x.co, b@x.co ,",
		"list":   []interface{}{"c@x.co", " ", "d@x.co"},
		"num":    float64(7),
		"flag":   true,
		"moment": "2025-06-01",
	}

	if got := strsParam(params, "csv"); !reflect.DeepEqual(got, []string{"a@x.co", "b@x.co"}) {
		t.Errorf("strsParam(csv) = %v", got)
	}
	if got := strsParam(params, "list"); !reflect.DeepEqual(got, []string{"c@x.co", "d@x.co"}) {
		t.Errorf("strsParam(list) = %v", got)
	}
	if got := intParam(params, "num", 1); got != 7 {
		t.Errorf("intParam(num) = %d", got)
	}
	if got := intParam(params, "absent", 42); got != 42 {
		t.Errorf("intParam(absent) = %d", got)
	}
	if got := boolParam(params, "flag", false); !got {
		t.Error("boolParam(flag) = false")
	}
	if got, ok := timeParam(params, "moment"); !ok || got.Year() != 2025 {
		t.Errorf("timeParam(moment) = %v, %v", got, ok)
	}
}
