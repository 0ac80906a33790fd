package domain

import "time"

// =============================================================================
// Credentials
// =============================================================================

// Credential is a stored OAuth credential for one (user, family) pair.
// Google providers share one credential, Microsoft providers another; the
// local family needs none. Blobs at rest are AES-GCM encrypted by the
// token store, this struct is the decrypted form.
type Credential struct {
	UserID string         `json:"user_id"`
	Family ProviderFamily `json:"family"`

	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`

	// AccountEmail is the mailbox the credential belongs to, when known.
	AccountEmail string `json:"account_email,omitempty"`

	// Legacy marks a credential recovered from an opaque pre-existing
	// token file. Such credentials carry no usable tokens and always
	// report as refresh-required.
	Legacy bool `json:"legacy,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Expired reports whether the access token is past its expiry. A zero
// expiry means the token never expires (or the provider did not say).
func (c *Credential) Expired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}

// Refreshable reports whether a refresh attempt is worth making.
func (c *Credential) Refreshable() bool {
	return c.RefreshToken != "" && !c.Legacy
}

// Usable reports whether the credential can authorize a call right now,
// without refreshing.
func (c *Credential) Usable() bool {
	return c.AccessToken != "" && !c.Expired() && !c.Legacy
}

// =============================================================================
// Credential status (the Check result)
// =============================================================================

// CredentialStatus is the side-effect-free answer to "can this user sync
// this family?". Error carries the refresh failure when one occurred; a
// refresh failure never makes Check itself fail.
type CredentialStatus struct {
	UserID        string         `json:"user_id"`
	Family        ProviderFamily `json:"family"`
	Authenticated bool           `json:"authenticated"`
	Valid         bool           `json:"valid"`
	Expired       bool           `json:"expired"`
	Refreshable   bool           `json:"refreshable"`
	AccountEmail  string         `json:"account_email,omitempty"`
	Error         string         `json:"error,omitempty"`
	CheckedAt     time.Time      `json:"checked_at"`
}

// CanSync reports whether a sync for this family should be attempted.
func (s *CredentialStatus) CanSync() bool {
	return s.Authenticated && s.Valid
}
