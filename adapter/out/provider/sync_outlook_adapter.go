package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/htmltext"
	"sync_server/pkg/logger"
)

// =============================================================================
// Outlook Mail Adapter (Microsoft Graph)
// =============================================================================

const (
	outlookDefaultFolderLimit = 50
	outlookPageSize           = 50
)

// OutlookMailAdapter implements out.EmailProvider against the Graph
// REST API. Listings select the full body, so iteration needs no
// second fetch; only attachments are realized separately.
type OutlookMailAdapter struct {
	graph         *graphClient
	attachmentMax int64
	log           *logger.Logger
}

// NewOutlookMailAdapter creates an adapter bound to the user behind
// tokens.
func NewOutlookMailAdapter(tokens *userTokens, attachmentMax int64) *OutlookMailAdapter {
	return &OutlookMailAdapter{
		graph:         newGraphClient(tokens, domain.ProviderMicrosoftEmail),
		attachmentMax: attachmentMax,
		log:           logger.WithField("component", "outlook_adapter").WithUser(tokens.userID),
	}
}

// ProviderType returns the provider type.
func (a *OutlookMailAdapter) ProviderType() domain.Provider {
	return domain.ProviderMicrosoftEmail
}

// Authenticate reports whether stored credentials can authorize calls.
func (a *OutlookMailAdapter) Authenticate(ctx context.Context) (bool, error) {
	return a.graph.tokens.authenticate(ctx)
}

// =============================================================================
// Fetch
// =============================================================================

const outlookMessageSelect = "id,conversationId,subject,body,from,toRecipients,ccRecipients,bccRecipients,receivedDateTime,sentDateTime,hasAttachments,internetMessageId,isRead,isDraft"

// FetchEmails lists each requested folder through the Graph pagination
// links and returns an iterator over the already-normalized messages.
func (a *OutlookMailAdapter) FetchEmails(ctx context.Context, opts *out.FetchOptions) (out.EmailIterator, int, error) {
	if opts == nil {
		opts = &out.FetchOptions{}
	}
	folders := opts.Folders
	if len(folders) == 0 {
		folders = []domain.Folder{domain.FolderInbox, domain.FolderSent}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = outlookDefaultFolderLimit
	}

	var emails []*domain.Email
	for _, folder := range folders {
		msgs, err := a.listFolder(ctx, folder, opts, limit)
		if err != nil {
			return nil, 0, err
		}
		bucket := domain.BucketForFolder(folder)
		for i := range msgs {
			emails = append(emails, a.convertMessage(&msgs[i], bucket))
		}
	}

	a.log.Debug("listed %d messages across %d folders", len(emails), len(folders))
	return &outlookIterator{adapter: a, emails: emails}, len(emails), nil
}

func (a *OutlookMailAdapter) listFolder(ctx context.Context, folder domain.Folder, opts *out.FetchOptions, limit int) ([]graphMessage, error) {
	params := url.Values{}
	params.Set("$top", fmt.Sprintf("%d", min(limit, outlookPageSize)))
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$select", outlookMessageSelect)
	if filter := buildGraphFilter(opts); filter != "" {
		params.Set("$filter", filter)
	}

	next := fmt.Sprintf("/me/mailFolders/%s/messages?%s", folder.GraphFolder(), params.Encode())

	var msgs []graphMessage
	for next != "" && len(msgs) < limit {
		var page graphListResponse[graphMessage]
		if err := a.graph.get(ctx, next, &page); err != nil {
			return nil, err
		}
		msgs = append(msgs, page.Value...)
		next = page.NextLink
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// buildGraphFilter renders the OData filter: Query passes through
// verbatim, MinDate becomes a receivedDateTime lower bound.
func buildGraphFilter(opts *out.FetchOptions) string {
	var clauses []string
	if !opts.MinDate.IsZero() {
		clauses = append(clauses, "receivedDateTime ge "+opts.MinDate.UTC().Format(time.RFC3339))
	}
	if opts.Query != "" {
		clauses = append(clauses, opts.Query)
	}
	return strings.Join(clauses, " and ")
}

// =============================================================================
// Iterator
// =============================================================================

// outlookIterator walks pre-listed messages, realizing attachments on
// demand for messages that carry them.
type outlookIterator struct {
	adapter *OutlookMailAdapter
	emails  []*domain.Email
	cur     *domain.Email
	err     error
	closed  bool
}

func (it *outlookIterator) Next(ctx context.Context) bool {
	if it.closed || it.err != nil || len(it.emails) == 0 {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = out.NewProviderError(domain.ProviderMicrosoftEmail, out.ProviderErrCancelled, "fetch cancelled", err)
		return false
	}

	it.cur = it.emails[0]
	it.emails = it.emails[1:]

	if it.cur.HasAttachments && len(it.cur.Attachments) == 0 {
		if err := it.adapter.realizeAttachments(ctx, it.cur); err != nil {
			it.adapter.log.WithError(err).Warn("attachments of %s not realized", it.cur.EmailID)
		}
	}
	return true
}

func (it *outlookIterator) Email() *domain.Email { return it.cur }
func (it *outlookIterator) Err() error           { return it.err }

func (it *outlookIterator) Close() error {
	it.closed = true
	it.emails = nil
	return nil
}

// =============================================================================
// Message Conversion
// =============================================================================

func (a *OutlookMailAdapter) convertMessage(msg *graphMessage, bucket domain.EmailFolder) *domain.Email {
	email := &domain.Email{
		UserID:            a.graph.tokens.userID,
		EmailID:           msg.ID,
		ConversationID:    msg.ConversationID,
		SourceType:        domain.ProviderMicrosoftEmail,
		Subject:           msg.Subject,
		Sender:            msg.From.EmailAddress.Address,
		SenderName:        msg.From.EmailAddress.Name,
		Recipients:        recipientAddresses(msg.ToRecipients),
		CC:                recipientAddresses(msg.CcRecipients),
		BCC:               recipientAddresses(msg.BccRecipients),
		InternetMessageID: msg.InternetMessageID,
		Folder:            bucket,
		HasAttachments:    msg.HasAttachments,
	}

	dateStr := msg.ReceivedDateTime
	if dateStr == "" {
		dateStr = msg.SentDateTime
	}
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		email.SentDate = t.UTC()
	} else {
		email.RawSentDate = dateStr
	}

	switch strings.ToLower(msg.Body.ContentType) {
	case "html":
		email.BodyHTML = msg.Body.Content
		email.BodyText = htmltext.Strip(msg.Body.Content)
	default:
		email.BodyText = msg.Body.Content
	}
	return email
}

// realizeAttachments pulls the attachment list with content bytes.
// Inline parts are dropped; payloads past the cap survive as truncated
// stubs.
func (a *OutlookMailAdapter) realizeAttachments(ctx context.Context, email *domain.Email) error {
	var resp graphListResponse[graphAttachment]
	if err := a.graph.get(ctx, "/me/messages/"+email.EmailID+"/attachments", &resp); err != nil {
		return err
	}

	for _, att := range resp.Value {
		if att.IsInline || att.Name == "" {
			continue
		}
		item := domain.Attachment{
			Filename:      att.Name,
			ContentType:   att.ContentType,
			Size:          att.Size,
			ParentEmailID: email.EmailID,
		}
		if a.attachmentMax > 0 && att.Size > a.attachmentMax {
			item.Truncated = true
		} else if att.ContentBytes != "" {
			if data, err := base64.StdEncoding.DecodeString(att.ContentBytes); err == nil {
				item.Data = data
				item.Size = int64(len(data))
			}
		}
		email.Attachments = append(email.Attachments, item)
	}
	return nil
}

// =============================================================================
// Drafts
// =============================================================================

// SendEmail creates a draft via POST /me/messages; nothing is sent.
func (a *OutlookMailAdapter) SendEmail(ctx context.Context, msg *domain.OutgoingEmail) (*out.SendResult, error) {
	contentType := "Text"
	if msg.IsHTML {
		contentType = "HTML"
	}
	payload := map[string]interface{}{
		"subject":      msg.Subject,
		"body":         map[string]string{"contentType": contentType, "content": msg.Body},
		"toRecipients": graphRecipients(msg.To),
	}
	if len(msg.CC) > 0 {
		payload["ccRecipients"] = graphRecipients(msg.CC)
	}

	var created graphMessage
	if err := a.graph.post(ctx, "/me/messages", payload, &created); err != nil {
		return nil, err
	}
	a.log.Debug("draft created id=%s", created.ID)
	return &out.SendResult{MessageID: created.ID, ThreadID: created.ConversationID, DraftID: created.ID}, nil
}

// ReplyToEmail creates a reply draft in the original conversation. With
// includeOriginal the Graph createReply quoting is kept and the body
// rides in as the comment; otherwise the draft body is replaced.
func (a *OutlookMailAdapter) ReplyToEmail(ctx context.Context, emailID, body string, cc []string, includeOriginal bool) (*out.SendResult, error) {
	payload := map[string]interface{}{}
	if includeOriginal {
		payload["comment"] = body
	}

	var draft graphMessage
	if err := a.graph.post(ctx, "/me/messages/"+emailID+"/createReply", payload, &draft); err != nil {
		return nil, err
	}

	patch := map[string]interface{}{}
	if !includeOriginal {
		patch["body"] = map[string]string{"contentType": "Text", "content": body}
	}
	if len(cc) > 0 {
		patch["ccRecipients"] = graphRecipients(cc)
	}
	if len(patch) > 0 {
		if err := a.graph.patch(ctx, "/me/messages/"+draft.ID, patch); err != nil {
			return nil, err
		}
	}

	a.log.Debug("reply draft created id=%s", draft.ID)
	return &out.SendResult{MessageID: draft.ID, ThreadID: draft.ConversationID, DraftID: draft.ID}, nil
}

// ForwardEmail uses the native forward endpoint, which dispatches
// directly; this is the one Microsoft action that does not stage a
// draft.
func (a *OutlookMailAdapter) ForwardEmail(ctx context.Context, emailID string, recipients []string, comment string) (*out.SendResult, error) {
	if len(recipients) == 0 {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument, "forward needs at least one recipient", nil)
	}

	payload := map[string]interface{}{
		"comment":      comment,
		"toRecipients": graphRecipients(recipients),
	}
	if err := a.graph.post(ctx, "/me/messages/"+emailID+"/forward", payload, nil); err != nil {
		return nil, err
	}
	a.log.Debug("message %s forwarded to %d recipients", emailID, len(recipients))
	return &out.SendResult{MessageID: emailID}, nil
}

// =============================================================================
// Flags & Moves
// =============================================================================

// FlagEmail toggles the follow-up flag, importance and read state.
func (a *OutlookMailAdapter) FlagEmail(ctx context.Context, emailID string, opts *out.FlagOptions) error {
	if opts == nil || (opts.MarkImportant == nil && opts.MarkRead == nil) {
		return nil
	}

	patch := map[string]interface{}{}
	if opts.MarkImportant != nil {
		if *opts.MarkImportant {
			patch["flag"] = map[string]string{"flagStatus": "flagged"}
			patch["importance"] = "high"
		} else {
			patch["flag"] = map[string]string{"flagStatus": "notFlagged"}
			patch["importance"] = "normal"
		}
	}
	if opts.MarkRead != nil {
		patch["isRead"] = *opts.MarkRead
	}
	return a.graph.patch(ctx, "/me/messages/"+emailID, patch)
}

// MoveEmail moves the message. Well-known aliases map to Graph folder
// names; anything else resolves to a real folder, created on first use.
func (a *OutlookMailAdapter) MoveEmail(ctx context.Context, emailID string, dest domain.Folder) error {
	destination := dest.GraphFolder()
	if !dest.Valid() {
		id, err := a.ensureFolder(ctx, string(dest))
		if err != nil {
			return err
		}
		destination = id
	}

	return a.graph.post(ctx, "/me/messages/"+emailID+"/move",
		map[string]string{"destinationId": destination}, nil)
}

// ensureFolder finds a mail folder by display name, creating it when
// absent.
func (a *OutlookMailAdapter) ensureFolder(ctx context.Context, name string) (string, error) {
	filter := url.Values{}
	filter.Set("$filter", fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))

	var folders graphListResponse[graphMailFolder]
	if err := a.graph.get(ctx, "/me/mailFolders?"+filter.Encode(), &folders); err != nil {
		return "", err
	}
	if len(folders.Value) > 0 {
		return folders.Value[0].ID, nil
	}

	var created graphMailFolder
	if err := a.graph.post(ctx, "/me/mailFolders", map[string]string{"displayName": name}, &created); err != nil {
		return "", err
	}
	a.log.Info("created folder %q id=%s", name, created.ID)
	return created.ID, nil
}

// Interface compliance check
var _ out.EmailProvider = (*OutlookMailAdapter)(nil)
