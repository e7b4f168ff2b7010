package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/providers"
	"github.com/suleymangunel/mcp-oauth-google/providers/oidc"
)

// CallbackPath is where Google redirects the browser after login.
const CallbackPath = "/auth/callback"

const defaultHTTPTimeout = 15 * time.Second

// DefaultScopes are requested on every login.
var DefaultScopes = []string{"openid", "email", "profile"}

// Provider implements providers.Provider for Google OpenID Connect.
type Provider struct {
	*oauth2.Config
	httpClient *http.Client
	validator  *oidc.Validator
	logger     *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ providers.Provider = (*Provider)(nil)

// Config holds Google OAuth configuration
type Config struct {
	ClientID     string
	ClientSecret string

	// RedirectURL is the fixed callback URL registered with Google,
	// normally the server's base URL + CallbackPath.
	RedirectURL string

	// Scopes defaults to DefaultScopes.
	Scopes []string

	// HTTPClient is used for the token exchange and key set fetches
	// (default: 15s timeout).
	HTTPClient *http.Client

	// JWKSURL overrides Google's key set endpoint.
	JWKSURL string

	Logger *slog.Logger
}

// NewProvider creates a new Google provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := oidc.NewValidator(&oidc.Config{
		Audience:   cfg.ClientID,
		Issuer:     oidc.GoogleIssuer,
		JWKSURL:    cfg.JWKSURL,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ID token validator: %w", err)
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		httpClient: httpClient,
		validator:  validator,
		logger:     logger,
	}, nil
}

// SetInstrumentation enables metrics and spans for provider calls.
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
	if inst != nil {
		p.tracer = inst.Tracer("provider")
	}
	p.validator.SetInstrumentation(inst)
}

// Validator returns the ID token validator backing VerifyIdentity.
func (p *Provider) Validator() *oidc.Validator {
	return p.validator
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "google"
}

// AuthorizationURL generates the Google authorization URL. It always asks for
// offline access with forced consent so every login yields a refresh-capable
// provider token.
func (p *Provider) AuthorizationURL(state string) string {
	return p.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode exchanges Google's authorization code at the token endpoint.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := instrumentation.StartSpan(ctx, p.tracer, "google.exchange_code")
	defer span.End()
	instrumentation.AddProviderAttributes(span, p.Name(), "exchange_code")

	start := time.Now()
	token, err := providers.ExchangeCode(ctx, p.Config, p.httpClient, code)
	if p.instrumentation != nil {
		durationMs := float64(time.Since(start).Milliseconds())
		p.instrumentation.Metrics().RecordProviderAPICall(ctx, p.Name(), "exchange_code", durationMs, err)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		p.logger.Warn("Google token exchange failed", "error", err)
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// VerifyIdentity validates a Google ID token.
func (p *Provider) VerifyIdentity(ctx context.Context, idToken string) (*providers.UserInfo, error) {
	return p.validator.Verify(ctx, idToken)
}
