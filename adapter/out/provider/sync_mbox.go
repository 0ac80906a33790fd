package provider

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/htmltext"
	"sync_server/pkg/logger"
)

// =============================================================================
// Mbox Parsing
// =============================================================================

// mboxMaxMessageBytes caps one message's raw bytes; the remainder up to
// the next separator is dropped.
const mboxMaxMessageBytes = 10 * 1024 * 1024

// mboxParser turns mbox archives into normalized emails. Messages that
// fail to parse are skipped, never fatal; bodies shorter than minBody
// are dropped as noise.
type mboxParser struct {
	userID  string
	minBody int
	log     *logger.Logger
}

func newMboxParser(userID string, minBody int) *mboxParser {
	return &mboxParser{
		userID:  userID,
		minBody: minBody,
		log:     logger.WithField("component", "mbox_parser").WithUser(userID),
	}
}

// parseFile walks one mbox file. The separator is a line starting with
// "From " at column zero; everything between separators is one RFC 5322
// message.
func (p *mboxParser) parseFile(ctx context.Context, path string) ([]*domain.Email, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, out.NewProviderError(domain.ProviderMbox, out.ProviderErrStorage, "failed to open mbox", err)
	}
	defer f.Close()

	var (
		emails    []*domain.Email
		buf       bytes.Buffer
		overLimit bool
		index     int
	)

	flush := func() {
		if buf.Len() == 0 {
			overLimit = false
			return
		}
		raw := make([]byte, buf.Len())
		copy(raw, buf.Bytes())
		buf.Reset()
		overLimit = false

		email := p.parseMessage(raw, path, index)
		index++
		if email != nil {
			emails = append(emails, email)
		}
	}

	reader := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, out.NewProviderError(domain.ProviderMbox, out.ProviderErrCancelled, "mbox parse cancelled", err)
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, out.NewProviderError(domain.ProviderMbox, out.ProviderErrStorage, "failed reading mbox", err)
		}

		if strings.HasPrefix(line, "From ") {
			flush()
		} else if !overLimit {
			if buf.Len()+len(line) > mboxMaxMessageBytes {
				overLimit = true
			} else {
				buf.WriteString(line)
			}
		}

		if err == io.EOF {
			flush()
			break
		}
	}

	p.log.Debug("parsed %d messages from %s", len(emails), filepath.Base(path))
	return emails, nil
}

// parseMessage normalizes one raw message. Returns nil for anything
// unparseable or below the body-length floor.
func (p *mboxParser) parseMessage(raw []byte, path string, index int) *domain.Email {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		p.log.Debug("skipping unparseable message %d in %s: %v", index, filepath.Base(path), err)
		return nil
	}

	h := msg.Header
	sender, senderName := parseAddress(decodeMIMEHeader(h.Get("From")))

	email := &domain.Email{
		UserID:     p.userID,
		SourceType: domain.ProviderMbox,
		Subject:    decodeMIMEHeader(h.Get("Subject")),
		Sender:     sender,
		SenderName: senderName,
		Recipients: parseAddressList(h.Get("To")),
		CC:         parseAddressList(h.Get("Cc")),
		BCC:        parseAddressList(h.Get("Bcc")),
		Folder:     domain.EmailFolderMbox,
	}

	if t, err := mail.ParseDate(h.Get("Date")); err == nil {
		email.SentDate = t.UTC()
	} else {
		email.RawSentDate = h.Get("Date")
	}

	email.InternetMessageID = strings.Trim(strings.TrimSpace(h.Get("Message-ID")), "<>")
	email.EmailID = mboxEmailID(email.InternetMessageID, path, index)
	email.ConversationID = strings.Trim(strings.TrimSpace(h.Get("X-GM-THRID")), "<>")

	text, html := extractMIMEBody(h.Get("Content-Type"), h.Get("Content-Transfer-Encoding"), msg.Body)
	email.BodyText = strings.TrimSpace(text)
	email.BodyHTML = html
	if email.BodyText == "" && html != "" {
		email.BodyText = htmltext.Strip(html)
	}

	if len(email.BodyText) < p.minBody {
		return nil
	}
	return email
}

// mboxEmailID derives the synthetic provider id. Exports carrying a
// Message-ID get an id stable across re-exports; the file/index pair
// covers the rest.
func mboxEmailID(internetMessageID, path string, index int) string {
	if internetMessageID != "" {
		sum := sha256.Sum256([]byte(internetMessageID))
		return "mbox-" + hex.EncodeToString(sum[:8])
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", filepath.Base(path), index)))
	return "mbox-" + hex.EncodeToString(sum[:8])
}

// decodeMIMEHeader unfolds RFC 2047 encoded words, keeping the raw
// value when decoding fails.
func decodeMIMEHeader(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if decoded, err := (&mime.WordDecoder{}).DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

// extractMIMEBody pulls the first text/plain and text/html bodies out
// of a message, descending into nested multiparts.
func extractMIMEBody(contentType, encoding string, body io.Reader) (text, html string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		data, _ := io.ReadAll(decodeTransfer(body, encoding))
		if strings.HasPrefix(mediaType, "text/html") {
			return "", string(data)
		}
		return string(data), ""
	}

	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		partEncoding := part.Header.Get("Content-Transfer-Encoding")
		switch {
		case strings.HasPrefix(partType, "multipart/"):
			t, h := extractMIMEBody(part.Header.Get("Content-Type"), "", part)
			if text == "" {
				text = t
			}
			if html == "" {
				html = h
			}
		case partType == "text/plain" && text == "":
			data, _ := io.ReadAll(decodeTransfer(part, partEncoding))
			text = string(data)
		case partType == "text/html" && html == "":
			data, _ := io.ReadAll(decodeTransfer(part, partEncoding))
			html = string(data)
		}
	}
	return text, html
}

// decodeTransfer wraps r with the named content-transfer decoding.
func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// =============================================================================
// Mbox Email Adapter
// =============================================================================

// MboxAdapter implements out.EmailProvider over .mbox archives dropped
// into the user's local storage directory. The source is read-only:
// every write operation is rejected.
type MboxAdapter struct {
	root   string
	parser *mboxParser
	log    *logger.Logger
}

// NewMboxAdapter creates an adapter over the user's storage root.
func NewMboxAdapter(storageRoot, userID string, minBody int) *MboxAdapter {
	return &MboxAdapter{
		root:   userStorageDir(storageRoot, userID),
		parser: newMboxParser(userID, minBody),
		log:    logger.WithField("component", "mbox_adapter").WithUser(userID),
	}
}

// ProviderType returns the provider type.
func (a *MboxAdapter) ProviderType() domain.Provider {
	return domain.ProviderMbox
}

// Authenticate reports whether the user has a storage directory at all.
func (a *MboxAdapter) Authenticate(ctx context.Context) (bool, error) {
	info, err := os.Stat(a.root)
	if err != nil {
		return false, nil
	}
	return info.IsDir(), nil
}

// FetchEmails parses every .mbox file under the storage root. MinDate
// filters on the parsed send date; undated messages pass through.
func (a *MboxAdapter) FetchEmails(ctx context.Context, opts *out.FetchOptions) (out.EmailIterator, int, error) {
	if opts == nil {
		opts = &out.FetchOptions{}
	}

	var emails []*domain.Email
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mbox") {
			return nil
		}
		parsed, err := a.parser.parseFile(ctx, path)
		if err != nil {
			return err
		}
		for _, email := range parsed {
			if !opts.MinDate.IsZero() && !email.SentDate.IsZero() && email.SentDate.Before(opts.MinDate) {
				continue
			}
			emails = append(emails, email)
			if opts.Limit > 0 && len(emails) >= opts.Limit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return &mboxIterator{}, 0, nil
		}
		var pe *out.ProviderError
		if !errors.As(err, &pe) {
			err = out.NewProviderError(domain.ProviderMbox, out.ProviderErrStorage, "failed to walk storage root", err)
		}
		return nil, 0, err
	}

	a.log.Debug("collected %d mbox messages", len(emails))
	return &mboxIterator{emails: emails}, len(emails), nil
}

type mboxIterator struct {
	emails []*domain.Email
	cur    *domain.Email
}

func (it *mboxIterator) Next(ctx context.Context) bool {
	if len(it.emails) == 0 || ctx.Err() != nil {
		return false
	}
	it.cur = it.emails[0]
	it.emails = it.emails[1:]
	return true
}

func (it *mboxIterator) Email() *domain.Email { return it.cur }
func (it *mboxIterator) Err() error           { return nil }
func (it *mboxIterator) Close() error         { it.emails = nil; return nil }

func (a *MboxAdapter) readOnly(op string) error {
	return out.NewProviderError(domain.ProviderMbox, out.ProviderErrInvalidArgument, op+" is not supported on a read-only archive", nil)
}

func (a *MboxAdapter) SendEmail(ctx context.Context, msg *domain.OutgoingEmail) (*out.SendResult, error) {
	return nil, a.readOnly("send")
}

func (a *MboxAdapter) ReplyToEmail(ctx context.Context, emailID, body string, cc []string, includeOriginal bool) (*out.SendResult, error) {
	return nil, a.readOnly("reply")
}

func (a *MboxAdapter) ForwardEmail(ctx context.Context, emailID string, recipients []string, comment string) (*out.SendResult, error) {
	return nil, a.readOnly("forward")
}

func (a *MboxAdapter) FlagEmail(ctx context.Context, emailID string, opts *out.FlagOptions) error {
	return a.readOnly("flag")
}

func (a *MboxAdapter) MoveEmail(ctx context.Context, emailID string, dest domain.Folder) error {
	return a.readOnly("move")
}

// Interface compliance check
var _ out.EmailProvider = (*MboxAdapter)(nil)

// userStorageDir resolves the per-user local storage directory.
func userStorageDir(storageRoot, userID string) string {
	return filepath.Join(storageRoot, "user_"+userID)
}
