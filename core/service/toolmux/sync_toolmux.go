package toolmux

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
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
// Tool multiplexer
// =============================================================================

// Capability buckets tools by the adapter family they need.
type Capability string

const (
	CapabilityEmail    Capability = "email"
	CapabilityStorage  Capability = "cloud_storage"
	CapabilityCalendar Capability = "calendar"
)

const defaultEventListLimit = 50

// Service routes named tool calls to the user's preferred provider for
// the tool's capability: the first family whose stored credential is
// valid, Google checked before Microsoft. Outbound mail stays
// drafts-only because the adapters themselves never send.
type Service struct {
	cfg     *config.Config
	tokens  out.TokenStore
	factory out.ProviderFactory
	log     *logger.Logger
	tools   map[string]tool
}

var _ in.ToolService = (*Service)(nil)

type tool struct {
	capability Capability
	run        func(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error)
}

func NewService(cfg *config.Config, tokens out.TokenStore, factory out.ProviderFactory) *Service {
	s := &Service{
		cfg:     cfg,
		tokens:  tokens,
		factory: factory,
		log:     logger.WithField("component", "tool_mux"),
	}
	s.tools = map[string]tool{
		"send_email":       {CapabilityEmail, runSendEmail},
		"reply_email":      {CapabilityEmail, runReplyEmail},
		"forward_email":    {CapabilityEmail, runForwardEmail},
		"flag_email":       {CapabilityEmail, runFlagEmail},
		"move_email":       {CapabilityEmail, runMoveEmail},
		"list_files":       {CapabilityStorage, runListFiles},
		"get_file_content": {CapabilityStorage, runGetFileContent},
		"list_folders":     {CapabilityStorage, runListFolders},
		"list_events":      {CapabilityCalendar, runListEvents},
		"create_event":     {CapabilityCalendar, runCreateEvent},
	}
	return s
}

// ListTools reports every routable tool name, sorted.
func (s *Service) ListTools() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool resolves the tool, picks the provider and runs the call.
// Unknown parameters are ignored; failures come back in the envelope,
// never as a Go error.
func (s *Service) CallTool(ctx context.Context, userID, toolName string, params map[string]interface{}) *in.ToolResult {
	if userID == "" {
		return toolError("user_id is required")
	}
	t, ok := s.tools[toolName]
	if !ok {
		return toolError("unknown tool %q", toolName)
	}

	provider, err := s.preferredProvider(ctx, userID, t.capability)
	if err != nil {
		return toolError("%v", err)
	}

	log := s.log.WithUser(userID).WithProvider(string(provider))
	started := time.Now()

	data, err := t.run(ctx, s, userID, provider, params)
	if err != nil {
		log.WithError(err).Warn("tool %s failed", toolName)
		return toolError("%v", err)
	}
	log.WithDuration(time.Since(started)).Info("tool %s completed", toolName)
	return &in.ToolResult{Success: true, Data: data}
}

// preferredProvider returns the concrete provider for the capability
// from the first family holding a valid credential.
func (s *Service) preferredProvider(ctx context.Context, userID string, c Capability) (domain.Provider, error) {
	for _, family := range []domain.ProviderFamily{domain.FamilyGoogle, domain.FamilyMicrosoft} {
		status := s.tokens.Check(ctx, userID, family)
		if status == nil || !status.CanSync() {
			continue
		}
		if p, ok := providerFor(family, c); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("no valid credential for %s tools", c)
}

func providerFor(family domain.ProviderFamily, c Capability) (domain.Provider, bool) {
	switch family {
	case domain.FamilyGoogle:
		switch c {
		case CapabilityEmail:
			return domain.ProviderGoogleEmail, true
		case CapabilityStorage:
			return domain.ProviderGoogleDrive, true
		case CapabilityCalendar:
			return domain.ProviderGoogleCalendar, true
		}
	case domain.FamilyMicrosoft:
		switch c {
		case CapabilityEmail:
			return domain.ProviderMicrosoftEmail, true
		case CapabilityStorage:
			return domain.ProviderOneDrive, true
		case CapabilityCalendar:
			return domain.ProviderMicrosoftCalendar, true
		}
	}
	return "", false
}

func toolError(format string, args ...interface{}) *in.ToolResult {
	return &in.ToolResult{Error: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Email tools
// =============================================================================

func runSendEmail(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	to := strsParam(params, "to")
	if len(to) == 0 {
		return nil, fmt.Errorf("to is required")
	}
	body := strParam(params, "body")
	if body == "" {
		return nil, fmt.Errorf("body is required")
	}
	adapter, err := s.factory.EmailProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return adapter.SendEmail(ctx, &domain.OutgoingEmail{
		To:      to,
		CC:      strsParam(params, "cc"),
		Subject: strParam(params, "subject"),
		Body:    body,
		IsHTML:  boolParam(params, "is_html", false),
	})
}

func runReplyEmail(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	emailID := strParam(params, "email_id")
	if emailID == "" {
		return nil, fmt.Errorf("email_id is required")
	}
	body := strParam(params, "body")
	if body == "" {
		return nil, fmt.Errorf("body is required")
	}
	adapter, err := s.factory.EmailProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return adapter.ReplyToEmail(ctx, emailID, body, strsParam(params, "cc"), boolParam(params, "include_original", true))
}

func runForwardEmail(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	emailID := strParam(params, "email_id")
	if emailID == "" {
		return nil, fmt.Errorf("email_id is required")
	}
	recipients := strsParam(params, "recipients")
	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipients is required")
	}
	adapter, err := s.factory.EmailProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return adapter.ForwardEmail(ctx, emailID, recipients, strParam(params, "comment"))
}

func runFlagEmail(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	emailID := strParam(params, "email_id")
	if emailID == "" {
		return nil, fmt.Errorf("email_id is required")
	}
	opts := &out.FlagOptions{}
	if v, ok := lookupBool(params, "mark_important"); ok {
		opts.MarkImportant = &v
	} else {
		important := true
		opts.MarkImportant = &important
	}
	if v, ok := lookupBool(params, "mark_read"); ok {
		opts.MarkRead = &v
	}
	adapter, err := s.factory.EmailProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	if err := adapter.FlagEmail(ctx, emailID, opts); err != nil {
		return nil, err
	}
	return map[string]interface{}{"email_id": emailID, "flagged": true}, nil
}

func runMoveEmail(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	emailID := strParam(params, "email_id")
	if emailID == "" {
		return nil, fmt.Errorf("email_id is required")
	}
	raw := strParam(params, "folder")
	folder, ok := domain.ParseFolder(raw)
	if !ok {
		return nil, fmt.Errorf("unknown folder %q", raw)
	}
	adapter, err := s.factory.EmailProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	if err := adapter.MoveEmail(ctx, emailID, folder); err != nil {
		return nil, err
	}
	return map[string]interface{}{"email_id": emailID, "folder": string(folder)}, nil
}

// =============================================================================
// Storage tools
// =============================================================================

func runListFiles(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	adapter, err := s.factory.DriveProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	opts := &out.ListFilesOptions{
		FolderID: strParam(params, "folder_id"),
		Query:    strParam(params, "query"),
		Limit:    intParam(params, "limit", s.cfg.SyncLimitPerFolder),
	}
	if min, ok := timeParam(params, "min_date"); ok {
		opts.MinDate = min
	}
	return adapter.ListFiles(ctx, opts)
}

func runGetFileContent(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	fileID := strParam(params, "file_id")
	if fileID == "" {
		return nil, fmt.Errorf("file_id is required")
	}
	adapter, err := s.factory.DriveProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	content, err := adapter.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"file_id":   content.FileID,
		"mime_type": content.MimeType,
		"extension": content.Extension,
		"size":      len(content.Data),
		"exported":  content.Exported,
	}
	if utf8.Valid(content.Data) {
		data["content"] = string(content.Data)
	} else {
		data["content"] = base64.StdEncoding.EncodeToString(content.Data)
		data["encoding"] = "base64"
	}
	return data, nil
}

func runListFolders(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	adapter, err := s.factory.DriveProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return adapter.ListFolders(ctx)
}

// =============================================================================
// Calendar tools
// =============================================================================

func runListEvents(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	adapter, err := s.factory.CalendarProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	opts := &out.ListEventsOptions{
		MaxResults: intParam(params, "max_results", defaultEventListLimit),
	}
	if min, ok := timeParam(params, "min_date"); ok {
		opts.MinDate = min
	}
	return adapter.ListEvents(ctx, opts)
}

func runCreateEvent(ctx context.Context, s *Service, userID string, p domain.Provider, params map[string]interface{}) (interface{}, error) {
	title := strParam(params, "title")
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	start, ok := timeParam(params, "start")
	if !ok {
		return nil, fmt.Errorf("start is required (RFC 3339)")
	}
	end, ok := timeParam(params, "end")
	if !ok {
		return nil, fmt.Errorf("end is required (RFC 3339)")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end must be after start")
	}
	adapter, err := s.factory.CalendarProvider(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return adapter.CreateEvent(ctx, &domain.NewCalendarEvent{
		Title:       title,
		Description: strParam(params, "description"),
		Location:    strParam(params, "location"),
		Start:       start,
		End:         end,
		Attendees:   strsParam(params, "attendees"),
	})
}

// =============================================================================
// Parameter decoding
// =============================================================================

// Params arrive as decoded JSON, so numbers are float64 and lists are
// []interface{}. Unknown keys are simply never read.

func strParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func strsParam(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	if v, ok := lookupBool(params, key); ok {
		return v
	}
	return def
}

func lookupBool(params map[string]interface{}, key string) (bool, bool) {
	v, ok := params[key].(bool)
	return v, ok
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func timeParam(params map[string]interface{}, key string) (time.Time, bool) {
	s := strParam(params, key)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
