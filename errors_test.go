package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/suleymangunel/mcp-oauth-google/server"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "code expired", http.StatusBadRequest)
	if got, want := err.Error(), "invalid_grant: code expired"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOAuthErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid scope", ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"unauthorized client", ErrUnauthorizedClient("x"), ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"unsupported grant type", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}

func TestTokenError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"unknown code", storage.ErrNotFound, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("lookup: %w", storage.ErrNotFound), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"pkce mismatch", fmt.Errorf("%w: bad verifier", server.ErrPKCEVerificationFailed), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"redirect mismatch", fmt.Errorf("%w: redirect", server.ErrInvalidGrant), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"client", server.ErrInvalidClient, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"scope escalation", server.ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"bad request", server.ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"persistence failure", errors.New("failed to store tokens: disk full"), ErrorCodeServerError, http.StatusInternalServerError},
		{"oauth error passes through", ErrUnauthorizedClient("no"), ErrorCodeUnauthorizedClient, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenError(tt.err)
			if got.Code != tt.wantCode || got.Status != tt.wantStatus {
				t.Errorf("tokenError() = %s (%d), want %s (%d)", got.Code, got.Status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestTokenError_DoesNotLeakInternals(t *testing.T) {
	got := tokenError(errors.New("failed to store tokens: open /var/lib/oauth: permission denied"))
	if got.Description != "Failed to issue tokens" {
		t.Errorf("Description = %q, want generic message", got.Description)
	}
}

func TestAuthorizationErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{server.ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType},
		{server.ErrInvalidScope, ErrorCodeInvalidScope},
		{server.ErrInvalidRequest, ErrorCodeInvalidRequest},
		{errors.New("boom"), ErrorCodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := authorizationErrorCode(fmt.Errorf("wrapped: %w", tt.err)); got != tt.want {
				t.Errorf("authorizationErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistrationError(t *testing.T) {
	tests := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{server.ErrInvalidRedirectURI, ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{server.ErrInvalidScope, ErrorCodeInvalidClientMetadata, http.StatusBadRequest},
		{server.ErrInvalidRequest, ErrorCodeInvalidClientMetadata, http.StatusBadRequest},
		{errors.New("failed to save client"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			got := registrationError(tt.err)
			if got.Code != tt.wantCode || got.Status != tt.wantStatus {
				t.Errorf("registrationError() = %s (%d), want %s (%d)", got.Code, got.Status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}
