package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/backoff"
	"sync_server/pkg/httputil"
)

// =============================================================================
// Microsoft Graph REST Client
// =============================================================================

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// graphClient is the thin REST surface shared by the Microsoft
// adapters. Every verb routes through the owning adapter's breaker and
// retry policy; bodies encode and decode with goccy/go-json.
type graphClient struct {
	tokens   *userTokens
	provider domain.Provider
	cb       *gobreaker.CircuitBreaker
	retry    *backoff.Policy
}

func newGraphClient(tokens *userTokens, p domain.Provider) *graphClient {
	return &graphClient{
		tokens:   tokens,
		provider: p,
		cb:       newBreaker(string(p) + "-graph"),
		retry:    backoff.Default(out.IsRetryableProviderError),
	}
}

func (g *graphClient) httpClient(ctx context.Context) (*http.Client, error) {
	hc, err := g.tokens.apiClient(ctx, httputil.GraphClient())
	if err != nil {
		return nil, out.NewProviderError(g.provider, out.ProviderErrAuthFailed, "no usable credential", err)
	}
	return hc, nil
}

func (g *graphClient) get(ctx context.Context, path string, result interface{}) error {
	return g.do(ctx, http.MethodGet, path, nil, result)
}

func (g *graphClient) post(ctx context.Context, path string, body, result interface{}) error {
	return g.do(ctx, http.MethodPost, path, body, result)
}

func (g *graphClient) patch(ctx context.Context, path string, body interface{}) error {
	return g.do(ctx, http.MethodPatch, path, body, nil)
}

func (g *graphClient) delete(ctx context.Context, path string) error {
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

// do executes one Graph call. path is everything after the version
// prefix; absolute URLs (odata nextLink) pass through untouched.
func (g *graphClient) do(ctx context.Context, method, path string, body, result interface{}) error {
	client, err := g.httpClient(ctx)
	if err != nil {
		return err
	}

	url := path
	if len(path) > 0 && path[0] == '/' {
		url = graphBaseURL + path
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return out.NewProviderError(g.provider, out.ProviderErrParse, "failed to encode request", err)
		}
	}

	_, err = backoff.ExecuteResult(ctx, g.retry, func(ctx context.Context) (struct{}, error) {
		return breakerDo(g.cb, func() (struct{}, error) {
			var reqBody io.Reader
			if payload != nil {
				reqBody = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
			if err != nil {
				return struct{}{}, out.NewProviderError(g.provider, out.ProviderErrInvalidArgument, "failed to build request", err)
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := client.Do(req)
			if err != nil {
				return struct{}{}, out.NewProviderError(g.provider, out.ProviderErrTransientUpstream, "request failed", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return struct{}{}, g.wrapHTTPError(resp.StatusCode, string(respBody))
			}

			if result != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
				if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
					return struct{}{}, out.NewProviderError(g.provider, out.ProviderErrParse, "failed to decode response", err)
				}
			}
			return struct{}{}, nil
		})
	})
	return err
}

// getRaw downloads raw bytes from path. The oauth http client follows
// the 302 that content endpoints answer with. At most max+1 bytes are
// read; callers detect and trim the overflow byte.
func (g *graphClient) getRaw(ctx context.Context, path string, max int64) ([]byte, error) {
	client, err := g.httpClient(ctx)
	if err != nil {
		return nil, err
	}

	url := path
	if len(path) > 0 && path[0] == '/' {
		url = graphBaseURL + path
	}

	return backoff.ExecuteResult(ctx, g.retry, func(ctx context.Context) ([]byte, error) {
		return breakerDo(g.cb, func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, out.NewProviderError(g.provider, out.ProviderErrInvalidArgument, "failed to build request", err)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, out.NewProviderError(g.provider, out.ProviderErrTransientUpstream, "request failed", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return nil, g.wrapHTTPError(resp.StatusCode, string(respBody))
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
			if err != nil {
				return nil, out.NewProviderError(g.provider, out.ProviderErrTransientUpstream, "failed to read content", err)
			}
			return data, nil
		})
	})
}

func (g *graphClient) wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case 401:
		return out.NewProviderError(g.provider, out.ProviderErrAuthFailed, "token rejected", nil)
	case 403:
		return out.NewProviderError(g.provider, out.ProviderErrAuthFailed, "access denied", nil)
	case 404:
		return out.NewProviderError(g.provider, out.ProviderErrNotFound, "not found", nil)
	case 429:
		return out.NewProviderError(g.provider, out.ProviderErrRateLimited, "too many requests", nil)
	default:
		if statusCode >= 500 {
			return out.NewProviderError(g.provider, out.ProviderErrTransientUpstream, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil)
		}
		return out.NewProviderError(g.provider, out.ProviderErrPermanentUpstream, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil)
	}
}

// =============================================================================
// Graph Wire Types
// =============================================================================

type graphListResponse[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversationId"`
	Subject           string           `json:"subject"`
	Body              graphBody        `json:"body"`
	From              graphRecipient   `json:"from"`
	ToRecipients      []graphRecipient `json:"toRecipients"`
	CcRecipients      []graphRecipient `json:"ccRecipients"`
	BccRecipients     []graphRecipient `json:"bccRecipients"`
	ReceivedDateTime  string           `json:"receivedDateTime"`
	SentDateTime      string           `json:"sentDateTime"`
	HasAttachments    bool             `json:"hasAttachments"`
	InternetMessageID string           `json:"internetMessageId"`
	IsRead            bool             `json:"isRead"`
	IsDraft           bool             `json:"isDraft"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphAttachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentBytes string `json:"contentBytes"`
}

type graphMailFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphDriveItem struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Size            int64             `json:"size"`
	WebURL          string            `json:"webUrl"`
	LastModified    string            `json:"lastModifiedDateTime"`
	File            *graphFileFacet   `json:"file"`
	Folder          *graphFolderFacet `json:"folder"`
	ParentReference *graphItemRef     `json:"parentReference"`
}

type graphFileFacet struct {
	MimeType string `json:"mimeType"`
}

type graphFolderFacet struct {
	ChildCount int `json:"childCount"`
}

type graphItemRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type graphEvent struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Body        graphBody         `json:"body"`
	BodyPreview string            `json:"bodyPreview,omitempty"`
	Start       graphDateTimeZone `json:"start"`
	End         graphDateTimeZone `json:"end"`
	Location    *graphLocation    `json:"location,omitempty"`
	Organizer   *graphRecipient   `json:"organizer,omitempty"`
	Attendees   []graphAttendee   `json:"attendees,omitempty"`
	IsAllDay    bool              `json:"isAllDay,omitempty"`
	WebLink     string            `json:"webLink,omitempty"`
}

type graphDateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphAttendee struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
	Type         string            `json:"type,omitempty"`
}

func graphRecipients(addrs []string) []graphRecipient {
	out := make([]graphRecipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, graphRecipient{EmailAddress: graphEmailAddress{Address: a}})
	}
	return out
}

func recipientAddresses(rs []graphRecipient) []string {
	if len(rs) == 0 {
		return nil
	}
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.EmailAddress.Address != "" {
			out = append(out, r.EmailAddress.Address)
		}
	}
	return out
}
