// Package provider implements the upstream source adapters.
package provider

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gcalendar "google.golang.org/api/calendar/v3"
	gdrive "google.golang.org/api/drive/v3"
	gmailapi "google.golang.org/api/gmail/v1"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
)

// =============================================================================
// OAuth Configuration
// =============================================================================

// GoogleOAuthConfig builds the oauth2 config shared by the Gmail, Drive
// and Calendar adapters. One consent covers all three capabilities.
func GoogleOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes: []string{
			gmailapi.GmailModifyScope,
			gmailapi.GmailComposeScope,
			gmailapi.GmailLabelsScope,
			gdrive.DriveReadonlyScope,
			gcalendar.CalendarScope,
		},
		Endpoint: google.Endpoint,
	}
}

// MicrosoftOAuthConfig builds the oauth2 config shared by the Outlook,
// OneDrive and Calendar adapters. An empty tenant falls back to the
// multi-tenant "common" endpoint.
func MicrosoftOAuthConfig(cfg *config.Config) *oauth2.Config {
	tenant := cfg.MicrosoftTenantID
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     cfg.MicrosoftClientID,
		ClientSecret: cfg.MicrosoftClientSecret,
		RedirectURL:  cfg.MicrosoftRedirectURL,
		Scopes: []string{
			"Mail.ReadWrite",
			"Mail.Send",
			"Files.Read.All",
			"Calendars.ReadWrite",
			"User.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenant),
	}
}

// =============================================================================
// Per-user token plumbing
// =============================================================================

// userTokens hands adapters an oauth2 token for their user, backed by
// the token store. Refresh goes through the oauth2 TokenSource; the
// store's Check pass persists renewals.
type userTokens struct {
	store  out.TokenStore
	conf   *oauth2.Config
	userID string
	family domain.ProviderFamily
}

func newUserTokens(store out.TokenStore, conf *oauth2.Config, userID string, family domain.ProviderFamily) *userTokens {
	return &userTokens{store: store, conf: conf, userID: userID, family: family}
}

// token loads the stored credential as an oauth2 token. Legacy blobs
// cannot authorize anything and surface as auth failures.
func (t *userTokens) token(ctx context.Context) (*oauth2.Token, error) {
	cred, err := t.store.Load(ctx, t.userID, t.family)
	if err != nil {
		return nil, err
	}
	if cred.Legacy {
		return nil, apperr.TokenExpired(t.userID)
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}, nil
}

// source returns a self-refreshing token source for API clients.
func (t *userTokens) source(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := t.token(ctx)
	if err != nil {
		return nil, err
	}
	return t.conf.TokenSource(ctx, tok), nil
}

// apiClient returns an HTTP client that injects the user's bearer token
// on every request. base carries the per-upstream connection pool; the
// oauth2 transport on top refreshes through the token endpoint.
func (t *userTokens) apiClient(ctx context.Context, base *http.Client) (*http.Client, error) {
	src, err := t.source(ctx)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base.Transport},
		Timeout:   base.Timeout,
	}, nil
}

// authenticate runs the store's side-effect-free credential check.
func (t *userTokens) authenticate(ctx context.Context) (bool, error) {
	status := t.store.Check(ctx, t.userID, t.family)
	return status.CanSync(), nil
}
