package server

import (
	"strings"
	"time"
)

const (
	// DefaultAccessTokenTTL is the lifetime of issued access tokens.
	DefaultAccessTokenTTL = time.Hour

	// DefaultAuthorizationCodeTTL is the lifetime of issued authorization codes.
	DefaultAuthorizationCodeTTL = 300 * time.Second

	// DefaultPendingAuthorizationTTL bounds how long a user may take at the
	// identity provider before the callback is refused.
	DefaultPendingAuthorizationTTL = 10 * time.Minute
)

var (
	// DefaultSupportedScopes are the scopes clients may register for.
	DefaultSupportedScopes = []string{"read", "write"}

	// DefaultClientScopes are granted to clients that register without a scope.
	DefaultClientScopes = []string{"read"}
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's public base URL
	Issuer string

	// AccessTokenTTL is how long access tokens are valid (default: 1 hour)
	AccessTokenTTL time.Duration

	// AuthorizationCodeTTL is how long authorization codes are valid
	// (default: 300 seconds)
	AuthorizationCodeTTL time.Duration

	// PendingAuthorizationTTL is how long a pending provider round trip stays
	// valid (default: 10 minutes)
	PendingAuthorizationTTL time.Duration

	// AllowedEmails restricts login to these verified emails. Matching ignores
	// case. Empty allows any verified account.
	AllowedEmails []string

	// SupportedScopes lists the scopes clients may register for
	SupportedScopes []string

	// DefaultScopes are given to clients that register without a scope
	DefaultScopes []string
}

// applyDefaults fills zero values with defaults
func applyDefaults(config *Config) *Config {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.PendingAuthorizationTTL <= 0 {
		config.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultSupportedScopes
	}
	if len(config.DefaultScopes) == 0 {
		config.DefaultScopes = DefaultClientScopes
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	return config
}
