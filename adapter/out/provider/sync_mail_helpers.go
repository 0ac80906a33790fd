package provider

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// =============================================================================
// Address Parsing
// =============================================================================

// parseAddress splits an RFC 5322 address header into address and
// display name. Unparseable input comes back verbatim as the address.
func parseAddress(value string) (address, name string) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value), ""
	}
	return addr.Address, addr.Name
}

// parseAddressList splits a comma-separated address header. On parse
// failure each comma-separated token survives verbatim.
func parseAddressList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		var out []string
		for _, tok := range strings.Split(value, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, tok)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

func formatAddresses(addrs []string) string {
	return strings.Join(addrs, ", ")
}

// =============================================================================
// Subjects & Quoting
// =============================================================================

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func forwardSubject(subject string) string {
	lower := strings.ToLower(subject)
	if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
		return subject
	}
	return "Fwd: " + subject
}

// quoteOriginal renders the replied-to body in conventional quoted form.
func quoteOriginal(from string, date time.Time, body string) string {
	var b strings.Builder
	if date.IsZero() {
		fmt.Fprintf(&b, "On an earlier date, %s wrote:\r\n", from)
	} else {
		fmt.Fprintf(&b, "On %s, %s wrote:\r\n", date.Format("Mon, 2 Jan 2006 at 15:04"), from)
	}
	for _, line := range strings.Split(body, "\n") {
		b.WriteString("> ")
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\r\n")
	}
	return b.String()
}

// =============================================================================
// RFC 2822 Assembly
// =============================================================================

// rawMessage carries everything needed to assemble an RFC 2822 payload
// for draft creation.
type rawMessage struct {
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	Body        string
	IsHTML      bool
	InReplyTo   string
	References  string
	Attachments []rawAttachment
}

type rawAttachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// buildRawMessage assembles the wire form. Messages with attachments use
// multipart/mixed with base64 parts; plain messages carry a single body.
func buildRawMessage(msg *rawMessage) string {
	var buf strings.Builder

	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", formatAddresses(msg.To))
	}
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", formatAddresses(msg.CC))
	}
	if len(msg.BCC) > 0 {
		fmt.Fprintf(&buf, "Bcc: %s\r\n", formatAddresses(msg.BCC))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if msg.References != "" {
		fmt.Fprintf(&buf, "References: %s\r\n", msg.References)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	contentType := "text/plain"
	if msg.IsHTML {
		contentType = "text/html"
	}

	if len(msg.Attachments) > 0 {
		boundary := fmt.Sprintf("boundary_%d", time.Now().UnixNano())
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; charset=UTF-8\r\n\r\n", contentType)
		buf.WriteString(msg.Body)
		buf.WriteString("\r\n")

		for _, att := range msg.Attachments {
			fmt.Fprintf(&buf, "--%s\r\n", boundary)
			fmt.Fprintf(&buf, "Content-Type: %s; name=%q\r\n", att.MimeType, att.Filename)
			buf.WriteString("Content-Transfer-Encoding: base64\r\n")
			fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", att.Filename)
			buf.WriteString(base64.StdEncoding.EncodeToString(att.Data))
			buf.WriteString("\r\n")
		}
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	} else {
		fmt.Fprintf(&buf, "Content-Type: %s; charset=UTF-8\r\n\r\n", contentType)
		buf.WriteString(msg.Body)
	}

	return buf.String()
}
