package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// AllowedHTTPSchemes lists allowed HTTP-based redirect URI schemes
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DangerousSchemes lists URI schemes that must never be allowed
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// customSchemePattern is the RFC 3986 scheme grammar
	customSchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

	// LoopbackAddresses lists recognized loopback addresses for development
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

// ParseScopes splits a space-delimited scope parameter. Duplicates are dropped
// and order is kept.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(scopes, f) {
			scopes = append(scopes, f)
		}
	}
	return scopes
}

// JoinScopes renders scopes as a space-delimited scope parameter.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// missingScope returns the first requested scope not in allowed, or "" when
// requested is a subset of allowed.
func missingScope(requested, allowed []string) string {
	for _, scope := range requested {
		if !slices.Contains(allowed, scope) {
			return scope
		}
	}
	return ""
}

// validatePKCE checks the code verifier against an S256 challenge per RFC 7636.
func validatePKCE(challenge, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("authorization code has no code_challenge")
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}

	// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// resolveRedirectURI picks the redirect URI for an authorization request. An
// omitted redirect_uri is only allowed when the client registered exactly one.
func resolveRedirectURI(client *storage.Client, redirectURI string) (string, bool, error) {
	if redirectURI == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], false, nil
		}
		return "", false, fmt.Errorf("%w: redirect_uri must be specified when the client has several registered", ErrInvalidRedirectURI)
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return "", false, fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRedirectURI)
	}
	return redirectURI, true, nil
}

// validateCustomScheme rejects dangerous schemes and anything outside the RFC
// 3986 scheme grammar.
func validateCustomScheme(scheme string) error {
	schemeLower := strings.ToLower(scheme)

	if slices.Contains(DangerousSchemes, schemeLower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed", scheme)
	}
	if !customSchemePattern.MatchString(schemeLower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not a valid URI scheme", scheme)
	}
	return nil
}

// isLoopbackAddress checks if a hostname is a loopback address
func isLoopbackAddress(hostname string) bool {
	hostname = strings.TrimSpace(hostname)
	if slices.Contains(LoopbackAddresses, hostname) {
		return true
	}
	return strings.HasPrefix(strings.Trim(hostname, "[]"), "127.")
}

// validateRedirectURISecurity checks a redirect URI offered at registration.
// Fragments are never allowed. Non-loopback http URIs are refused when the
// server itself is served over https.
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(AllowedHTTPSchemes, scheme) {
		return validateCustomScheme(scheme)
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return fmt.Errorf("redirect_uri must include a host")
	}
	if scheme == SchemeHTTPS || isLoopbackAddress(hostname) {
		return nil
	}
	if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == SchemeHTTPS {
		return fmt.Errorf("redirect_uri must use HTTPS (got %s://)", scheme)
	}
	return nil
}
