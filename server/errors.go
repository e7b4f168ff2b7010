package server

import "errors"

// Callback failures. Each one ends the authorization attempt before a code is
// issued and is rendered to the user rather than redirected to the client.
var (
	// ErrInvalidOrExpiredState is returned when the provider-facing state is
	// unknown, already used, or past its lifetime.
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")

	// ErrMissingIdentityAssertion is returned when the provider token response
	// carries no ID token.
	ErrMissingIdentityAssertion = errors.New("no identity assertion in provider response")

	// ErrMissingEmailClaim is returned when the verified identity has no email.
	ErrMissingEmailClaim = errors.New("verified identity has no email")

	// ErrUserNotAuthorized is returned when the verified email is not on the
	// allowlist.
	ErrUserNotAuthorized = errors.New("user not authorized")
)

// Request and grant failures.
var (
	// ErrInvalidClient is returned for unknown clients and failed client
	// authentication.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidRedirectURI is returned when a redirect URI is not registered for
	// the client or cannot be registered.
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")

	// ErrInvalidRequest is returned for malformed or missing request parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedResponseType is returned for any response_type but "code".
	ErrUnsupportedResponseType = errors.New("unsupported response type")

	// ErrInvalidScope is returned for scopes outside what the client or the
	// original grant allows.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrInvalidGrant is returned when a code is presented with a redirect URI
	// other than the one it was issued for.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrPKCEVerificationFailed is returned when the code_verifier does not hash
	// to the stored code_challenge.
	ErrPKCEVerificationFailed = errors.New("PKCE verification failed")
)
