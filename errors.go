package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/suleymangunel/mcp-oauth-google/server"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or exceeds the grant
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not registered for the grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// tokenError maps an error from the token or revocation endpoints to the
// protocol error the client sees. Internal detail is never passed through for
// server errors.
func tokenError(err error) *OAuthError {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		return oauthErr
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, storage.ErrNotFound):
		return ErrInvalidGrant("Grant is invalid, expired, or was issued to another client")
	case errors.Is(err, server.ErrPKCEVerificationFailed):
		return ErrInvalidGrant("PKCE verification failed")
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("redirect_uri does not match the authorization request")
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope("Requested scope exceeds the original grant")
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(err.Error())
	default:
		return ErrServerError("Failed to issue tokens")
	}
}

// authorizationErrorCode maps an authorization request validation failure to
// the error code redirected back to the client.
func authorizationErrorCode(err error) string {
	switch {
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return ErrorCodeUnsupportedResponseType
	case errors.Is(err, server.ErrInvalidScope):
		return ErrorCodeInvalidScope
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeServerError
	}
}

// registrationError maps a client registration failure (RFC 7591 section 3.2.2).
func registrationError(err error) *OAuthError {
	switch {
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return NewOAuthError(ErrorCodeInvalidRedirectURI, err.Error(), http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidScope), errors.Is(err, server.ErrInvalidRequest):
		return NewOAuthError(ErrorCodeInvalidClientMetadata, err.Error(), http.StatusBadRequest)
	default:
		return ErrServerError("Failed to register client")
	}
}
