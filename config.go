package oauth

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/server"
)

const (
	// DefaultPort is the port the server listens on when none is configured.
	DefaultPort = 3000

	// DefaultAccessTokenTTL is the lifetime of issued access tokens.
	DefaultAccessTokenTTL = server.DefaultAccessTokenTTL

	// DefaultStorePath is where the token store snapshot is kept.
	DefaultStorePath = ".oauth_store.json"

	// ResourcePath is the path of the protected MCP endpoint.
	ResourcePath = "/mcp"

	// Storage backends
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
)

// Config holds the OAuth handler configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// BaseURL is this server's public URL (required). It is the issuer, and
	// the MCP resource is BaseURL + ResourcePath.
	BaseURL string

	// Google OAuth credentials and settings
	GoogleAuth GoogleAuthConfig

	// AccessTokenTTL is how long issued access tokens stay valid.
	// Default: 1 hour
	AccessTokenTTL time.Duration

	// AllowedEmails restricts login to these Google accounts. Empty allows
	// any account with a verified email.
	AllowedEmails []string

	// SupportedScopes are all scopes clients may register for.
	// Default: read, write
	SupportedScopes []string

	// DefaultScopes are granted to clients that register without a scope.
	// Default: read
	DefaultScopes []string

	// RequiredScopes must all be present on a token for ValidateToken to
	// accept it. Default: read
	RequiredScopes []string

	// AllowedHosts lists Host header values accepted by the router.
	// Default: the BaseURL host, with and without DefaultPort.
	AllowedHosts []string

	// Token store settings
	Storage StorageConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// Instrumentation configures OpenTelemetry metrics and tracing.
	Instrumentation instrumentation.Config

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is used for calls to Google (token exchange and key set
	// fetches). If not provided, a client with a short timeout is used.
	HTTPClient *http.Client
}

// GoogleAuthConfig holds Google OAuth client settings
type GoogleAuthConfig struct {
	// ClientID is the Google OAuth Client ID (required).
	ClientID string

	// ClientSecret is the Google OAuth Client Secret (required).
	ClientSecret string

	// JWKSURL overrides Google's signing key endpoint. Leave empty in production.
	JWKSURL string
}

// StorageConfig holds token store settings
type StorageConfig struct {
	// Backend is "file" (default) or "sqlite".
	Backend string

	// Path is the snapshot file, or the SQLite database file.
	// Default: .oauth_store.json
	Path string

	// EncryptionKey is the AES-256 key (32 bytes) sealing the snapshot at rest.
	// Nil stores plain JSON. Generate with security.GenerateKey().
	EncryptionKey []byte
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// Validate checks the configuration for errors that would prevent the server
// from starting.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.GoogleAuth.ClientID == "" || c.GoogleAuth.ClientSecret == "" {
		return fmt.Errorf("google client ID and client secret are required")
	}
	if c.AccessTokenTTL < 0 {
		return fmt.Errorf("access token TTL must not be negative")
	}

	switch c.Storage.Backend {
	case "", StoreBackendFile, StoreBackendSQLite:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if len(c.Storage.EncryptionKey) > 0 && len(c.Storage.EncryptionKey) != security.KeySize {
		return fmt.Errorf("encryption key must be %d bytes, got %d", security.KeySize, len(c.Storage.EncryptionKey))
	}

	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}

	supported := c.SupportedScopes
	if len(supported) == 0 {
		supported = server.DefaultSupportedScopes
	}
	for _, scope := range append(slices.Clone(c.DefaultScopes), c.RequiredScopes...) {
		if !slices.Contains(supported, scope) {
			return fmt.Errorf("scope %q is not in the supported scopes", scope)
		}
	}

	return nil
}

// applyDefaults fills zero values with defaults. It assumes Validate passed.
func applyDefaults(config *Config) *Config {
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = server.DefaultSupportedScopes
	}
	if len(config.DefaultScopes) == 0 {
		config.DefaultScopes = server.DefaultClientScopes
	}
	if config.RequiredScopes == nil {
		config.RequiredScopes = []string{"read"}
	}
	if len(config.AllowedHosts) == 0 {
		config.AllowedHosts = defaultAllowedHosts(config.BaseURL)
	}
	if config.Storage.Backend == "" {
		config.Storage.Backend = StoreBackendFile
	}
	if config.Storage.Path == "" {
		config.Storage.Path = DefaultStorePath
	}
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = config.RateLimit.Rate * 2
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// defaultAllowedHosts returns the base URL's host name, the host name on
// DefaultPort, and the host exactly as written in the base URL.
func defaultAllowedHosts(baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	hosts := []string{
		u.Hostname(),
		net.JoinHostPort(u.Hostname(), fmt.Sprint(DefaultPort)),
	}
	if !slices.Contains(hosts, u.Host) {
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// Issuer returns the authorization server identifier.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.BaseURL, "/")
}

// Resource returns the protected resource identifier (RFC 8707).
func (c *Config) Resource() string {
	return c.Issuer() + ResourcePath
}

// ResourceMetadataURL returns the protected resource metadata document URL
// (RFC 9728) advertised in WWW-Authenticate challenges.
func (c *Config) ResourceMetadataURL() string {
	return c.Issuer() + "/.well-known/oauth-protected-resource"
}
