// Package tokenstore implements the file-based credential store.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/crypto"
	"sync_server/pkg/logger"
)

// =============================================================================
// File Token Store
// =============================================================================

const (
	googleTokenDir    = "google_user_token"
	microsoftTokenDir = "microsoft_user_token"

	googleTokenExt    = ".pickle"
	microsoftTokenExt = ".json"

	tokenFileMode = 0o600
	tokenDirMode  = 0o700
)

// tokenEnvelope is the on-disk shape for credentials written by this
// system. Payload is the AES-GCM envelope over the credential JSON.
type tokenEnvelope struct {
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
	Payload   string `json:"payload"`
}

// FileTokenStore keeps one credential file per (user, family) under the
// auth directory. Files this system writes are encrypted envelopes;
// pre-existing opaque files load as legacy credentials that always
// require re-authentication.
type FileTokenStore struct {
	root      string
	google    *oauth2.Config
	microsoft *oauth2.Config
	log       *logger.Logger

	mu sync.Mutex
}

// NewFileTokenStore creates a token store rooted at authRoot (the
// data-root "auth" directory is created on demand). The oauth configs
// drive refresh in Check; a nil config disables refresh for the family.
func NewFileTokenStore(authRoot string, google, microsoft *oauth2.Config) *FileTokenStore {
	return &FileTokenStore{
		root:      authRoot,
		google:    google,
		microsoft: microsoft,
		log:       logger.WithField("component", "token_store"),
	}
}

// =============================================================================
// Layout
// =============================================================================

func (s *FileTokenStore) familyDir(family domain.ProviderFamily) string {
	if family == domain.FamilyMicrosoft {
		return filepath.Join(s.root, microsoftTokenDir)
	}
	return filepath.Join(s.root, googleTokenDir)
}

func familyExt(family domain.ProviderFamily) string {
	if family == domain.FamilyMicrosoft {
		return microsoftTokenExt
	}
	return googleTokenExt
}

func (s *FileTokenStore) tokenPath(userID string, family domain.ProviderFamily) string {
	return filepath.Join(s.familyDir(family), userID+familyExt(family))
}

// =============================================================================
// Load / Save
// =============================================================================

// Load reads and decrypts the stored credential. Opaque files that this
// system did not write come back with Legacy set so callers surface
// them as refresh-required instead of failing.
func (s *FileTokenStore) Load(ctx context.Context, userID string, family domain.ProviderFamily) (*domain.Credential, error) {
	if family == domain.FamilyLocal {
		return nil, apperr.InvalidArgument("family", "local providers carry no credential")
	}

	raw, err := os.ReadFile(s.tokenPath(userID, family))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound("credential")
		}
		return nil, apperr.StorageError("read credential", err)
	}

	cred, err := s.decode(raw, userID, family)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *FileTokenStore) decode(raw []byte, userID string, family domain.ProviderFamily) (*domain.Credential, error) {
	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Payload != "" {
		plain, err := crypto.DecryptToken(env.Payload)
		if err != nil {
			return nil, apperr.StorageError("decrypt credential", err)
		}
		var cred domain.Credential
		if err := json.Unmarshal(plain, &cred); err != nil {
			return nil, apperr.ParseError("credential envelope", err)
		}
		cred.UserID = userID
		cred.Family = family
		return &cred, nil
	}

	// Plain oauth2 token JSON left by earlier tooling: usable as-is,
	// re-encrypted on the next Save.
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err == nil && tok.RefreshToken != "" {
		return credentialFromToken(userID, family, &tok), nil
	}

	// Anything else is an opaque blob we cannot read.
	return &domain.Credential{UserID: userID, Family: family, Legacy: true}, nil
}

// Save writes the credential atomically: temp file in the same
// directory, fsync-free rename over the target.
func (s *FileTokenStore) Save(ctx context.Context, cred *domain.Credential) error {
	if cred == nil || cred.UserID == "" {
		return apperr.MissingField("user_id")
	}
	if cred.Family == domain.FamilyLocal {
		return apperr.InvalidArgument("family", "local providers carry no credential")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.familyDir(cred.Family)
	if err := os.MkdirAll(dir, tokenDirMode); err != nil {
		return apperr.StorageError("create token directory", err)
	}

	cred.UpdatedAt = time.Now().UTC()
	plain, err := json.Marshal(cred)
	if err != nil {
		return apperr.StorageError("encode credential", err)
	}
	payload, err := crypto.EncryptToken(plain)
	if err != nil {
		return apperr.StorageError("encrypt credential", err)
	}
	blob, err := json.Marshal(&tokenEnvelope{Version: 1, Encrypted: true, Payload: payload})
	if err != nil {
		return apperr.StorageError("encode envelope", err)
	}

	tmp, err := os.CreateTemp(dir, "."+cred.UserID+".*")
	if err != nil {
		return apperr.StorageError("create temp token file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.StorageError("write token file", err)
	}
	if err := tmp.Chmod(tokenFileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.StorageError("chmod token file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.StorageError("close token file", err)
	}
	if err := os.Rename(tmpName, s.tokenPath(cred.UserID, cred.Family)); err != nil {
		os.Remove(tmpName)
		return apperr.StorageError("rename token file", err)
	}

	s.log.WithUser(cred.UserID).Debug("credential saved family=%s", cred.Family)
	return nil
}

// =============================================================================
// Check
// =============================================================================

// Check inspects the stored credential without touching the provider
// API. A refresh against the token endpoint happens only when the token
// is expired and refreshable; either way the answer is a status, never
// an error.
func (s *FileTokenStore) Check(ctx context.Context, userID string, family domain.ProviderFamily) *domain.CredentialStatus {
	status := &domain.CredentialStatus{
		UserID:    userID,
		Family:    family,
		CheckedAt: time.Now().UTC(),
	}

	cred, err := s.Load(ctx, userID, family)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeNotFound {
			status.Error = err.Error()
		}
		return status
	}
	status.Authenticated = true
	status.AccountEmail = cred.AccountEmail

	if cred.Legacy {
		status.Expired = true
		status.Error = "credential stored in an unreadable legacy format; re-authentication required"
		return status
	}

	if cred.Usable() {
		status.Valid = true
		status.Refreshable = cred.Refreshable()
		return status
	}

	status.Expired = cred.Expired()
	status.Refreshable = cred.Refreshable()
	if !status.Refreshable {
		status.Error = "access token expired and no refresh token stored"
		return status
	}

	refreshed, err := s.refresh(ctx, cred)
	if err != nil {
		status.Error = fmt.Sprintf("token refresh failed: %v", err)
		s.log.WithUser(userID).WithError(err).Warn("credential refresh failed family=%s", family)
		return status
	}
	if err := s.Save(ctx, refreshed); err != nil {
		// The refreshed token works for this process even if the write
		// failed; report valid but keep the storage error visible.
		status.Error = fmt.Sprintf("refreshed but not persisted: %v", err)
	}
	status.Valid = true
	status.Expired = false
	return status
}

func (s *FileTokenStore) oauthConfig(family domain.ProviderFamily) *oauth2.Config {
	if family == domain.FamilyMicrosoft {
		return s.microsoft
	}
	return s.google
}

func (s *FileTokenStore) refresh(ctx context.Context, cred *domain.Credential) (*domain.Credential, error) {
	conf := s.oauthConfig(cred.Family)
	if conf == nil {
		return nil, apperr.ConfigError("no oauth config for family " + string(cred.Family))
	}

	tok, err := conf.TokenSource(ctx, tokenFromCredential(cred)).Token()
	if err != nil {
		return nil, err
	}

	next := credentialFromToken(cred.UserID, cred.Family, tok)
	next.Scopes = cred.Scopes
	next.AccountEmail = cred.AccountEmail
	if next.RefreshToken == "" {
		// Some endpoints omit the refresh token on renewal.
		next.RefreshToken = cred.RefreshToken
	}
	return next, nil
}

// =============================================================================
// Discovery
// =============================================================================

// ListUsersWithCredential scans the family token directory. Temp files
// and dotfiles are skipped; an absent directory means no users.
func (s *FileTokenStore) ListUsersWithCredential(ctx context.Context, family domain.ProviderFamily) ([]string, error) {
	if family == domain.FamilyLocal {
		return nil, nil
	}

	entries, err := os.ReadDir(s.familyDir(family))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.StorageError("scan token directory", err)
	}

	ext := familyExt(family)
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		users = append(users, strings.TrimSuffix(name, ext))
	}
	return users, nil
}

// =============================================================================
// Token conversion
// =============================================================================

func tokenFromCredential(cred *domain.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
}

func credentialFromToken(userID string, family domain.ProviderFamily, tok *oauth2.Token) *domain.Credential {
	return &domain.Credential{
		UserID:       userID,
		Family:       family,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// Interface compliance check
var _ out.TokenStore = (*FileTokenStore)(nil)
