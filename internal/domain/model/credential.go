package model

import "time"

// CredentialKind distinguishes the two halves of an OAuth credential pair.
type CredentialKind string

const (
	// CredentialAccess is the short-lived bearer token used for resource calls.
	CredentialAccess CredentialKind = "access"
	// CredentialRefresh is the single-use token used only to mint a new pair.
	CredentialRefresh CredentialKind = "refresh"
)

// Credential is one stored token row for a person. At most one active row
// exists per (PersonName, Kind); rotation replaces the pair, never appends.
// Value is plaintext in memory and encrypted at rest by the store.
type Credential struct {
	ID            int64
	PersonName    string
	Kind          CredentialKind
	Value         string
	APIServer     string // access tokens only; base URL for resource calls
	ExpiresAt     time.Time
	IsActive      bool
	ErrorCount    int
	LastError     string
	LastUsedAt    time.Time
	LastSuccessAt time.Time
	CreatedAt     time.Time
}

// Expired reports whether the credential's expiry has passed at the given time.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Usable reports whether an access credential can be handed to callers:
// active, unexpired, and carrying the API server base URL. An access token
// without its API server cannot address any resource endpoint.
func (c Credential) Usable(now time.Time) bool {
	if !c.IsActive || c.Expired(now) {
		return false
	}
	if c.Kind == CredentialAccess && c.APIServer == "" {
		return false
	}
	return true
}

// AccessToken is what the token manager hands to the gateway: everything
// needed to make one authenticated resource call.
type AccessToken struct {
	PersonName string
	Token      string
	APIServer  string
	ExpiresAt  time.Time
}

// TokenGrant is the mapped response of the upstream OAuth token endpoint.
// APIServer is normalized (https scheme, no trailing slash) by the adapter
// before it reaches this type.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	APIServer    string
	ExpiresIn    time.Duration
}

// TokenStatus is the read-only health projection over a person's credential
// pair. It is derived from credential rows and never independently mutated.
type TokenStatus struct {
	PersonName            string
	HasRefreshToken       bool
	HasAccessToken        bool
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	APIServer             string
	ErrorCount            int
	LastError             string
	LastUsedAt            time.Time
	IsHealthy             bool
}
