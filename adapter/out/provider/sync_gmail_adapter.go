package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/backoff"
	"sync_server/pkg/htmltext"
	"sync_server/pkg/httputil"
	"sync_server/pkg/logger"
)

// =============================================================================
// Google Mail Adapter
// =============================================================================

const (
	gmailDefaultFolderLimit = 50
	gmailPageSize           = 100
	gmailFetchConcurrency   = 10
	gmailMessageTimeout     = 30 * time.Second
)

// GoogleMailAdapter implements out.EmailProvider for one user's Gmail
// mailbox. All calls route through a circuit breaker; listing and
// per-message fetches retry on transient failures.
type GoogleMailAdapter struct {
	tokens        *userTokens
	cb            *gobreaker.CircuitBreaker
	retry         *backoff.Policy
	attachmentMax int64
	log           *logger.Logger
}

// NewGoogleMailAdapter creates an adapter bound to the user behind
// tokens. attachmentMax caps how many bytes of one attachment are
// realized in memory; larger payloads are kept as truncated stubs.
func NewGoogleMailAdapter(tokens *userTokens, attachmentMax int64) *GoogleMailAdapter {
	return &GoogleMailAdapter{
		tokens:        tokens,
		cb:            newBreaker("gmail-api"),
		retry:         backoff.Default(out.IsRetryableProviderError),
		attachmentMax: attachmentMax,
		log:           logger.WithField("component", "gmail_adapter").WithUser(tokens.userID),
	}
}

// ProviderType returns the provider type.
func (a *GoogleMailAdapter) ProviderType() domain.Provider {
	return domain.ProviderGoogleEmail
}

// Authenticate reports whether stored credentials can authorize calls,
// refreshing through the token endpoint when needed.
func (a *GoogleMailAdapter) Authenticate(ctx context.Context) (bool, error) {
	return a.tokens.authenticate(ctx)
}

func (a *GoogleMailAdapter) service(ctx context.Context) (*gmailapi.Service, error) {
	hc, err := a.tokens.apiClient(ctx, httputil.GoogleClient())
	if err != nil {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrAuthFailed, "no usable credential", err)
	}
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, a.wrapError(err, "failed to create gmail client")
	}
	return svc, nil
}

// =============================================================================
// Fetch
// =============================================================================

// gmailRef is one listed message awaiting its full fetch.
type gmailRef struct {
	id     string
	bucket domain.EmailFolder
}

// FetchEmails lists matching message ids per folder, then hands back a
// lazy iterator that realizes full messages in bounded-concurrency
// batches. The returned count is the number of listed ids.
func (a *GoogleMailAdapter) FetchEmails(ctx context.Context, opts *out.FetchOptions) (out.EmailIterator, int, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, 0, err
	}
	if opts == nil {
		opts = &out.FetchOptions{}
	}

	folders := opts.Folders
	if len(folders) == 0 {
		folders = []domain.Folder{domain.FolderInbox, domain.FolderSent}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = gmailDefaultFolderLimit
	}

	var refs []gmailRef
	for _, folder := range folders {
		ids, err := a.listFolder(ctx, svc, folder, opts, limit)
		if err != nil {
			return nil, 0, err
		}
		bucket := domain.BucketForFolder(folder)
		for _, id := range ids {
			refs = append(refs, gmailRef{id: id, bucket: bucket})
		}
	}

	a.log.Debug("listed %d messages across %d folders", len(refs), len(folders))
	return &gmailIterator{adapter: a, svc: svc, refs: refs}, len(refs), nil
}

// listFolder pages through one folder's message ids up to limit.
func (a *GoogleMailAdapter) listFolder(ctx context.Context, svc *gmailapi.Service, folder domain.Folder, opts *out.FetchOptions, limit int) ([]string, error) {
	query := buildGmailQuery(folder, opts)

	var ids []string
	pageToken := ""
	for len(ids) < limit {
		req := svc.Users.Messages.List("me").Q(query).MaxResults(int64(min(limit-len(ids), gmailPageSize)))
		if label := folder.GmailLabel(); label != "" {
			req = req.LabelIds(label)
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		resp, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.ListMessagesResponse, error) {
			return breakerDo(a.cb, func() (*gmailapi.ListMessagesResponse, error) {
				resp, err := req.Context(ctx).Do()
				if err != nil {
					return nil, a.wrapError(err, "failed to list messages")
				}
				return resp, nil
			})
		})
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// buildGmailQuery renders the native search expression: the caller's
// query, the min-date cutoff as after:YYYY/MM/DD, and for the archive
// pseudo-folder the exclusion of every labeled bucket.
func buildGmailQuery(folder domain.Folder, opts *out.FetchOptions) string {
	var parts []string
	if opts.Query != "" {
		parts = append(parts, opts.Query)
	}
	if !opts.MinDate.IsZero() {
		parts = append(parts, "after:"+opts.MinDate.UTC().Format("2006/01/02"))
	}
	if folder == domain.FolderArchive {
		parts = append(parts, "-in:inbox -in:sent -in:drafts -in:trash -in:spam")
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Iterator
// =============================================================================

// gmailIterator realizes messages lazily: each fill fetches up to one
// concurrency batch in parallel, each message under its own timeout.
// Messages that fail to fetch are logged and skipped so one poisoned
// message cannot sink the pull.
type gmailIterator struct {
	adapter *GoogleMailAdapter
	svc     *gmailapi.Service
	refs    []gmailRef
	buf     []*domain.Email
	cur     *domain.Email
	err     error
	closed  bool
}

func (it *gmailIterator) Next(ctx context.Context) bool {
	if it.closed || it.err != nil {
		return false
	}
	for len(it.buf) == 0 {
		if len(it.refs) == 0 {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = out.NewProviderError(domain.ProviderGoogleEmail, out.ProviderErrCancelled, "fetch cancelled", err)
			return false
		}
		it.fill(ctx)
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

func (it *gmailIterator) fill(ctx context.Context) {
	n := min(len(it.refs), gmailFetchConcurrency)
	batch := it.refs[:n]
	it.refs = it.refs[n:]

	results := make([]*domain.Email, n)
	sem := make(chan struct{}, gmailFetchConcurrency)
	done := make(chan int, n)

	for i, ref := range batch {
		sem <- struct{}{}
		go func(i int, ref gmailRef) {
			defer func() { <-sem; done <- i }()

			msgCtx, cancel := context.WithTimeout(ctx, gmailMessageTimeout)
			defer cancel()

			email, err := it.adapter.fetchMessage(msgCtx, it.svc, ref)
			if err != nil {
				it.adapter.log.WithError(err).Warn("skipping message %s", ref.id)
				return
			}
			results[i] = email
		}(i, ref)
	}
	for range batch {
		<-done
	}

	for _, email := range results {
		if email != nil {
			it.buf = append(it.buf, email)
		}
	}
}

func (it *gmailIterator) Email() *domain.Email { return it.cur }
func (it *gmailIterator) Err() error           { return it.err }

func (it *gmailIterator) Close() error {
	it.closed = true
	it.refs = nil
	it.buf = nil
	return nil
}

// fetchMessage pulls one full message and normalizes it.
func (a *GoogleMailAdapter) fetchMessage(ctx context.Context, svc *gmailapi.Service, ref gmailRef) (*domain.Email, error) {
	msg, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.Message, error) {
		return breakerDo(a.cb, func() (*gmailapi.Message, error) {
			msg, err := svc.Users.Messages.Get("me", ref.id).Format("full").Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to get message")
			}
			return msg, nil
		})
	})
	if err != nil {
		return nil, err
	}

	email := a.convertMessage(msg, ref.bucket)
	a.realizeAttachments(ctx, svc, msg, email)
	return email, nil
}

// =============================================================================
// Message Conversion
// =============================================================================

func (a *GoogleMailAdapter) convertMessage(msg *gmailapi.Message, bucket domain.EmailFolder) *domain.Email {
	email := &domain.Email{
		UserID:         a.tokens.userID,
		EmailID:        msg.Id,
		ConversationID: msg.ThreadId,
		SourceType:     domain.ProviderGoogleEmail,
		Folder:         bucket,
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				email.Subject = h.Value
			case "From":
				email.Sender, email.SenderName = parseAddress(h.Value)
			case "To":
				email.Recipients = parseAddressList(h.Value)
			case "Cc":
				email.CC = parseAddressList(h.Value)
			case "Bcc":
				email.BCC = parseAddressList(h.Value)
			case "Date":
				if t, err := mail.ParseDate(h.Value); err == nil {
					email.SentDate = t.UTC()
				} else {
					email.RawSentDate = h.Value
				}
			case "Message-ID", "Message-Id":
				email.InternetMessageID = h.Value
			}
		}
	}

	var text, html string
	extractGmailBody(msg.Payload, &text, &html)
	if text == "" && html != "" {
		text = htmltext.Strip(html)
	}
	email.BodyText = text
	email.BodyHTML = html
	return email
}

// extractGmailBody walks the MIME tree collecting the first text/plain
// and text/html leaves. Gmail base64url-encodes part data.
func extractGmailBody(part *gmailapi.MessagePart, text, html *string) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			switch {
			case part.MimeType == "text/plain" && *text == "":
				*text = string(data)
			case part.MimeType == "text/html" && *html == "":
				*html = string(data)
			}
		}
	}
	for _, p := range part.Parts {
		extractGmailBody(p, text, html)
	}
}

// realizeAttachments downloads named attachment parts up to the
// per-attachment cap. Inline images (Content-ID without a filename) are
// not attachments; oversize payloads survive as truncated stubs.
func (a *GoogleMailAdapter) realizeAttachments(ctx context.Context, svc *gmailapi.Service, msg *gmailapi.Message, email *domain.Email) {
	var walk func(part *gmailapi.MessagePart)
	walk = func(part *gmailapi.MessagePart) {
		if part == nil {
			return
		}
		if part.Filename != "" && part.Body != nil {
			att := domain.Attachment{
				Filename:      part.Filename,
				ContentType:   part.MimeType,
				Size:          part.Body.Size,
				ParentEmailID: msg.Id,
			}
			switch {
			case a.attachmentMax > 0 && part.Body.Size > a.attachmentMax:
				att.Truncated = true
			case part.Body.Data != "":
				if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
					att.Data = data
				}
			case part.Body.AttachmentId != "":
				body, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.MessagePartBody, error) {
					return breakerDo(a.cb, func() (*gmailapi.MessagePartBody, error) {
						body, err := svc.Users.Messages.Attachments.Get("me", msg.Id, part.Body.AttachmentId).Context(ctx).Do()
						if err != nil {
							return nil, a.wrapError(err, "failed to get attachment")
						}
						return body, nil
					})
				})
				if err != nil {
					a.log.WithError(err).Warn("attachment %s of %s not realized", part.Filename, msg.Id)
					att.Truncated = true
				} else if data, err := base64.URLEncoding.DecodeString(body.Data); err == nil {
					att.Data = data
				}
			}
			if int64(len(att.Data)) > 0 {
				att.Size = int64(len(att.Data))
			}
			email.Attachments = append(email.Attachments, att)
			email.HasAttachments = true
		}
		for _, p := range part.Parts {
			walk(p)
		}
	}
	walk(msg.Payload)
}

// =============================================================================
// Drafts
// =============================================================================

// SendEmail creates a draft; nothing is dispatched.
func (a *GoogleMailAdapter) SendEmail(ctx context.Context, msg *domain.OutgoingEmail) (*out.SendResult, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	raw := buildRawMessage(&rawMessage{
		To:      msg.To,
		CC:      msg.CC,
		Subject: msg.Subject,
		Body:    msg.Body,
		IsHTML:  msg.IsHTML,
	})
	return a.createDraft(ctx, svc, raw, "")
}

// ReplyToEmail creates a reply draft on the original thread.
func (a *GoogleMailAdapter) ReplyToEmail(ctx context.Context, emailID, body string, cc []string, includeOriginal bool) (*out.SendResult, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	orig, err := a.fetchOriginal(ctx, svc, emailID, includeOriginal)
	if err != nil {
		return nil, err
	}

	replyBody := body
	if includeOriginal && orig.bodyText != "" {
		replyBody = body + "\r\n\r\n" + quoteOriginal(orig.from, orig.date, orig.bodyText)
	}

	raw := buildRawMessage(&rawMessage{
		To:         []string{orig.from},
		CC:         cc,
		Subject:    replySubject(orig.subject),
		Body:       replyBody,
		InReplyTo:  orig.messageID,
		References: strings.TrimSpace(orig.references + " " + orig.messageID),
	})
	return a.createDraft(ctx, svc, raw, orig.threadID)
}

// ForwardEmail creates a forward draft carrying the original body. Gmail
// has no server-side forward, so the draft reproduces the content.
func (a *GoogleMailAdapter) ForwardEmail(ctx context.Context, emailID string, recipients []string, comment string) (*out.SendResult, error) {
	if len(recipients) == 0 {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument, "forward needs at least one recipient", nil)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	orig, err := a.fetchOriginal(ctx, svc, emailID, true)
	if err != nil {
		return nil, err
	}

	var body strings.Builder
	if comment != "" {
		body.WriteString(comment)
		body.WriteString("\r\n\r\n")
	}
	body.WriteString("---------- Forwarded message ----------\r\n")
	fmt.Fprintf(&body, "From: %s\r\n", orig.from)
	if !orig.date.IsZero() {
		fmt.Fprintf(&body, "Date: %s\r\n", orig.date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&body, "Subject: %s\r\n\r\n", orig.subject)
	body.WriteString(orig.bodyText)

	raw := buildRawMessage(&rawMessage{
		To:      recipients,
		Subject: forwardSubject(orig.subject),
		Body:    body.String(),
	})
	return a.createDraft(ctx, svc, raw, "")
}

func (a *GoogleMailAdapter) createDraft(ctx context.Context, svc *gmailapi.Service, raw, threadID string) (*out.SendResult, error) {
	draft := &gmailapi.Draft{
		Message: &gmailapi.Message{
			Raw: base64.URLEncoding.EncodeToString([]byte(raw)),
		},
	}
	if threadID != "" {
		draft.Message.ThreadId = threadID
	}

	created, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.Draft, error) {
		return breakerDo(a.cb, func() (*gmailapi.Draft, error) {
			created, err := svc.Users.Drafts.Create("me", draft).Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to create draft")
			}
			return created, nil
		})
	})
	if err != nil {
		return nil, err
	}

	result := &out.SendResult{DraftID: created.Id}
	if created.Message != nil {
		result.MessageID = created.Message.Id
		result.ThreadID = created.Message.ThreadId
	}
	a.log.Debug("draft created id=%s thread=%s", result.DraftID, result.ThreadID)
	return result, nil
}

// originalMessage is the header slice of a message being replied to or
// forwarded.
type originalMessage struct {
	threadID   string
	subject    string
	from       string
	messageID  string
	references string
	date       time.Time
	bodyText   string
}

func (a *GoogleMailAdapter) fetchOriginal(ctx context.Context, svc *gmailapi.Service, emailID string, withBody bool) (*originalMessage, error) {
	format := "metadata"
	if withBody {
		format = "full"
	}
	msg, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.Message, error) {
		return breakerDo(a.cb, func() (*gmailapi.Message, error) {
			req := svc.Users.Messages.Get("me", emailID).Format(format)
			if !withBody {
				req = req.MetadataHeaders("Subject", "From", "Message-ID", "References", "Date")
			}
			msg, err := req.Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to get original message")
			}
			return msg, nil
		})
	})
	if err != nil {
		return nil, err
	}

	orig := &originalMessage{threadID: msg.ThreadId}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				orig.subject = h.Value
			case "From":
				orig.from, _ = parseAddress(h.Value)
			case "Message-ID", "Message-Id":
				orig.messageID = h.Value
			case "References":
				orig.references = h.Value
			case "Date":
				if t, err := mail.ParseDate(h.Value); err == nil {
					orig.date = t
				}
			}
		}
	}
	if withBody {
		var text, html string
		extractGmailBody(msg.Payload, &text, &html)
		if text == "" && html != "" {
			text = htmltext.Strip(html)
		}
		orig.bodyText = text
	}
	return orig, nil
}

// =============================================================================
// Flags & Moves
// =============================================================================

// FlagEmail toggles importance and read state through label
// modification. Label changes are idempotent on the provider side.
func (a *GoogleMailAdapter) FlagEmail(ctx context.Context, emailID string, opts *out.FlagOptions) error {
	if opts == nil || (opts.MarkImportant == nil && opts.MarkRead == nil) {
		return nil
	}

	var add, remove []string
	if opts.MarkImportant != nil {
		if *opts.MarkImportant {
			add = append(add, "IMPORTANT", "STARRED")
		} else {
			remove = append(remove, "IMPORTANT", "STARRED")
		}
	}
	if opts.MarkRead != nil {
		if *opts.MarkRead {
			remove = append(remove, "UNREAD")
		} else {
			add = append(add, "UNREAD")
		}
	}
	return a.modifyLabels(ctx, emailID, add, remove)
}

// MoveEmail applies the label transition for the destination alias.
// Archive is label-less: leaving the inbox is the whole move. Unknown
// aliases become user labels, created on first use.
func (a *GoogleMailAdapter) MoveEmail(ctx context.Context, emailID string, dest domain.Folder) error {
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}

	var add, remove []string
	switch dest {
	case domain.FolderArchive:
		remove = []string{"INBOX"}
	case domain.FolderInbox:
		add = []string{"INBOX"}
		remove = []string{"TRASH", "SPAM"}
	case domain.FolderTrash, domain.FolderJunk, domain.FolderSent, domain.FolderDrafts:
		add = []string{dest.GmailLabel()}
		remove = []string{"INBOX"}
	default:
		labelID, err := a.ensureLabel(ctx, svc, string(dest))
		if err != nil {
			return err
		}
		add = []string{labelID}
		remove = []string{"INBOX"}
	}
	return a.modifyLabels(ctx, emailID, add, remove)
}

func (a *GoogleMailAdapter) modifyLabels(ctx context.Context, emailID string, add, remove []string) error {
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}

	_, err = backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.Message, error) {
		return breakerDo(a.cb, func() (*gmailapi.Message, error) {
			msg, err := svc.Users.Messages.Modify("me", emailID, &gmailapi.ModifyMessageRequest{
				AddLabelIds:    add,
				RemoveLabelIds: remove,
			}).Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to modify labels")
			}
			return msg, nil
		})
	})
	return err
}

// ensureLabel finds a user label by name, creating it when absent.
func (a *GoogleMailAdapter) ensureLabel(ctx context.Context, svc *gmailapi.Service, name string) (string, error) {
	list, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.ListLabelsResponse, error) {
		return breakerDo(a.cb, func() (*gmailapi.ListLabelsResponse, error) {
			list, err := svc.Users.Labels.List("me").Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to list labels")
			}
			return list, nil
		})
	})
	if err != nil {
		return "", err
	}
	for _, l := range list.Labels {
		if strings.EqualFold(l.Name, name) {
			return l.Id, nil
		}
	}

	created, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gmailapi.Label, error) {
		return breakerDo(a.cb, func() (*gmailapi.Label, error) {
			created, err := svc.Users.Labels.Create("me", &gmailapi.Label{
				Name:                  name,
				LabelListVisibility:   "labelShow",
				MessageListVisibility: "show",
			}).Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to create label")
			}
			return created, nil
		})
	})
	if err != nil {
		return "", err
	}
	a.log.Info("created label %q id=%s", name, created.Id)
	return created.Id, nil
}

// =============================================================================
// Error Wrapping
// =============================================================================

func (a *GoogleMailAdapter) wrapError(err error, defaultMsg string) error {
	return wrapGoogleError(a.ProviderType(), err, defaultMsg)
}

// Interface compliance check
var _ out.EmailProvider = (*GoogleMailAdapter)(nil)
