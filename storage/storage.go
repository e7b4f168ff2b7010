// Package storage defines the records and interfaces used to persist OAuth clients,
// tokens, and in-flight authorization flows.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for absent records. Records owned by another client and
// records past their expiry are reported the same way so callers cannot probe for
// their existence.
var ErrNotFound = errors.New("not found")

// TokenStore holds the durable state: registered clients, live access tokens, and
// live refresh tokens. Every mutation is persisted before it returns.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveClient registers a client. Clients are immutable once saved.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns a registered client or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveTokenPair stores a freshly minted access/refresh pair. If the pair cannot
	// be persisted it is not kept in memory either.
	SaveTokenPair(ctx context.Context, access *AccessToken, refresh *RefreshToken) error

	// GetAccessToken returns an unexpired access token or ErrNotFound.
	// Expired entries are evicted.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// GetRefreshToken returns a refresh token or ErrNotFound.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken atomically consumes the refresh token owned by clientID and
	// stores the replacement pair. Only one concurrent caller can consume a given
	// refresh token; the rest receive ErrNotFound.
	RotateRefreshToken(ctx context.Context, clientID, token string, access *AccessToken, refresh *RefreshToken) error

	// RevokeToken removes the value from both the access and refresh token maps.
	// Revoking an unknown token is not an error.
	RevokeToken(ctx context.Context, token string) error
}

// FlowStore holds the volatile, process-local state of in-flight authorizations:
// pending provider round trips and issued authorization codes.
//
// # Two kinds of state
//
// A PendingAuthorization is keyed by the server's own provider-facing state value,
// generated here and echoed back by the identity provider on the callback. The
// client's OAuth state parameter is stored inside the record as ClientState and is
// only ever returned to the client. The two are never interchangeable.
type FlowStore interface {
	// SavePendingAuthorization records a pending authorization under its State key.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// PopPendingAuthorization removes and returns the pending authorization for the
	// provider state. A second pop of the same state returns ErrNotFound.
	PopPendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)

	// SaveAuthorizationCode stores an issued code and the verified user it was
	// issued for.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode, user string) error

	// GetAuthorizationCode returns the code if it exists, belongs to clientID and
	// has not expired. Expired codes are evicted.
	GetAuthorizationCode(ctx context.Context, clientID, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically removes the code and its user. Only one
	// caller can consume a given code.
	ConsumeAuthorizationCode(ctx context.Context, clientID, code string) (*AuthorizationCode, string, error)
}

// Persister reads and writes the serialized snapshot of a TokenStore.
type Persister interface {
	// Load returns the last saved snapshot, or nil with no error if none exists.
	Load(ctx context.Context) ([]byte, error)

	// Save overwrites the stored snapshot.
	Save(ctx context.Context, data []byte) error

	// Close releases any resources held by the persister.
	Close() error
}

// Client is a registered OAuth client (RFC 7591 metadata).
type Client struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"` // bcrypt
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// PendingAuthorization is the client's original authorization request, held while
// the user authenticates with the identity provider.
type PendingAuthorization struct {
	State                         string // provider-facing state, the register key
	ClientID                      string
	RedirectURI                   string
	RedirectURIProvidedExplicitly bool
	ClientState                   string // client's own state parameter, may be empty
	CodeChallenge                 string
	Scopes                        []string
	Resource                      string
	ExpiresAt                     time.Time
}

// AuthorizationCode is a single-use code bound to the original request.
type AuthorizationCode struct {
	Code                          string
	ClientID                      string
	RedirectURI                   string
	RedirectURIProvidedExplicitly bool
	CodeChallenge                 string
	Scopes                        []string
	Resource                      string
	ExpiresAt                     time.Time
}

// AccessToken is an opaque bearer token record.
type AccessToken struct {
	Token     string   `json:"-"`
	ClientID  string   `json:"client_id"`
	User      string   `json:"user"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"` // unix seconds
}

// Expired reports whether the token is past its expiry at now.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt < now.Unix()
}

// RefreshToken is a single-use refresh token record. It has no expiry of its own
// and is replaced on every use.
type RefreshToken struct {
	Token    string   `json:"-"`
	ClientID string   `json:"client_id"`
	User     string   `json:"user"`
	Scopes   []string `json:"scopes"`
}

// Snapshot is the durable document layout of a TokenStore.
type Snapshot struct {
	Clients       map[string]*Client       `json:"clients"`
	AccessTokens  map[string]*AccessToken  `json:"access_tokens"`
	RefreshTokens map[string]*RefreshToken `json:"refresh_tokens"`
}

// NewSnapshot returns an empty snapshot with all three maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Clients:       make(map[string]*Client),
		AccessTokens:  make(map[string]*AccessToken),
		RefreshTokens: make(map[string]*RefreshToken),
	}
}
