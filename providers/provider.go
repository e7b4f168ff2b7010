package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrIdentityProviderUnavailable is returned when the identity provider cannot be
// reached or answers a server-to-server call with an HTTP error. This covers
// the token endpoint exchange and the key set fetch.
var ErrIdentityProviderUnavailable = errors.New("identity provider unavailable")

// Provider is the upstream identity provider the authorization server federates
// login to.
type Provider interface {
	// Name returns the provider name (e.g., "google")
	Name() string

	// AuthorizationURL builds the URL the browser is sent to for the provider's
	// login and consent. state is the server's own correlation key, never the
	// client's state.
	AuthorizationURL(state string) string

	// ExchangeCode trades the provider's authorization code for its token set.
	// Transport and HTTP failures wrap ErrIdentityProviderUnavailable.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// VerifyIdentity validates the identity assertion (ID token) carried in the
	// provider token set and returns the verified claims.
	VerifyIdentity(ctx context.Context, idToken string) (*UserInfo, error)
}

// UserInfo represents the verified identity of the end user.
type UserInfo struct {
	// ID is the provider's subject identifier
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the provider verified the email
	EmailVerified bool

	// Name is the user's display name
	Name string

	// Picture is the URL of the user's profile picture
	Picture string

	// Claims holds the full verified claim set.
	Claims map[string]any
}
