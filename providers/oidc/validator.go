package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/providers"
)

const (
	// GoogleIssuer is the issuer string Google puts in its ID tokens.
	GoogleIssuer = "https://accounts.google.com"

	// GoogleJWKSURL publishes Google's current ID token signing keys.
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	// DefaultCacheTTL is how long a fetched key set is trusted before refetching.
	DefaultCacheTTL = time.Hour

	defaultHTTPTimeout = 10 * time.Second

	// maxKeySetSize bounds the key set response body.
	maxKeySetSize = 1 << 20
)

var (
	// ErrMalformedAssertion is returned when the ID token cannot be parsed or its
	// header carries no key identifier.
	ErrMalformedAssertion = errors.New("malformed identity assertion")

	// ErrUnknownSigningKey is returned when no published key matches the token's
	// key identifier, even after refreshing the key set.
	ErrUnknownSigningKey = errors.New("unknown signing key")

	// ErrAssertionVerificationFailed is returned when the signature, issuer,
	// audience or expiry check fails.
	ErrAssertionVerificationFailed = errors.New("identity assertion verification failed")

	// ErrUnverifiedEmail is returned when the email_verified claim is not true.
	ErrUnverifiedEmail = errors.New("email not verified")
)

// Config configures a Validator.
type Config struct {
	// Audience is the client ID this server registered with the provider.
	// Required.
	Audience string

	// Issuer defaults to GoogleIssuer.
	Issuer string

	// JWKSURL defaults to GoogleJWKSURL.
	JWKSURL string

	// HTTPClient is used for key set fetches (default: 10s timeout).
	HTTPClient *http.Client

	// CacheTTL defaults to DefaultCacheTTL.
	CacheTTL time.Duration

	Logger *slog.Logger
}

// Validator verifies ID tokens against the provider's published key set.
//
// The key set is cached for CacheTTL. A token naming a key that is not in the
// cached set triggers one forced refetch, which covers key rotation. Concurrent
// fetches are serialized so that callers racing on an expired cache share one
// fetch.
//
// Validator is safe for concurrent use.
type Validator struct {
	issuer     string
	audience   string
	jwksURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	mu         sync.Mutex
	keys       jwk.Set
	fetchedAt  time.Time
	generation uint64 // incremented on every successful fetch
}

// NewValidator creates a Validator. The key set is fetched lazily on first use.
func NewValidator(cfg *Config) (*Validator, error) {
	if cfg == nil || cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}

	v := &Validator{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		jwksURL:    cfg.JWKSURL,
		httpClient: cfg.HTTPClient,
		cacheTTL:   cfg.CacheTTL,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if v.issuer == "" {
		v.issuer = GoogleIssuer
	}
	if v.jwksURL == "" {
		v.jwksURL = GoogleJWKSURL
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if v.cacheTTL <= 0 {
		v.cacheTTL = DefaultCacheTTL
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}

	return v, nil
}

// SetClock overrides the time source used for cache freshness and expiry checks.
func (v *Validator) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// SetInstrumentation enables metrics and spans for fetches and verifications.
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.instrumentation = inst
	if inst != nil {
		v.tracer = inst.Tracer("provider")
	}
}

// Verify checks rawToken and returns the verified identity.
//
// Failures wrap ErrMalformedAssertion, ErrUnknownSigningKey,
// ErrAssertionVerificationFailed, ErrUnverifiedEmail, or
// providers.ErrIdentityProviderUnavailable when the key set cannot be fetched.
func (v *Validator) Verify(ctx context.Context, rawToken string) (*providers.UserInfo, error) {
	ctx, span := instrumentation.StartSpan(ctx, v.tracer, "oidc.verify_identity")
	defer span.End()

	info, err := v.verify(ctx, rawToken)
	v.recordVerification(ctx, span, err)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return info, nil
}

func (v *Validator) verify(ctx context.Context, rawToken string) (*providers.UserInfo, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token header missing kid", ErrMalformedAssertion)
	}

	publicKey, err := v.signingKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rawToken, claims,
		func(*jwt.Token) (any, error) { return publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionVerificationFailed, err)
	}

	audiences, err := claims.GetAudience()
	if err != nil || len(audiences) != 1 {
		return nil, fmt.Errorf("%w: token must name exactly one audience", ErrAssertionVerificationFailed)
	}

	if !emailVerified(claims["email_verified"]) {
		return nil, ErrUnverifiedEmail
	}

	sub, _ := claims.GetSubject()
	info := &providers.UserInfo{
		ID:            sub,
		EmailVerified: true,
		Claims:        claims,
	}
	info.Email, _ = claims["email"].(string)
	info.Name, _ = claims["name"].(string)
	info.Picture, _ = claims["picture"].(string)

	return info, nil
}

// emailVerified accepts the boolean true or the string "true", both of which
// Google has emitted for this claim.
func emailVerified(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}

// signingKey returns the raw public key for kid, refetching the key set once
// when kid is not in the cached set.
func (v *Validator) signingKey(ctx context.Context, kid string) (any, error) {
	set, generation, err := v.keySet(ctx, 0)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		v.logger.Debug("Signing key not in cached key set, refreshing", "kid", kid)
		set, _, err = v.keySet(ctx, generation)
		if err != nil {
			return nil, err
		}
		key, found = set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSigningKey, kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("%w: failed to export key %s: %v", ErrUnknownSigningKey, kid, err)
	}
	return rawKey, nil
}

// keySet returns the cached key set while it is fresh. A non-zero
// staleGeneration forces a refetch unless another caller already replaced
// that generation.
func (v *Validator) keySet(ctx context.Context, staleGeneration uint64) (jwk.Set, uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	forced := staleGeneration != 0
	if v.keys != nil {
		fresh := v.now().Sub(v.fetchedAt) < v.cacheTTL
		if (!forced && fresh) || (forced && v.generation != staleGeneration) {
			return v.keys, v.generation, nil
		}
	}

	set, err := v.fetch(ctx)
	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordJWKSFetch(ctx, forced, err)
	}
	if err != nil {
		return nil, 0, err
	}

	v.keys = set
	v.fetchedAt = v.now()
	v.generation++

	v.logger.Debug("Fetched identity provider key set",
		"url", v.jwksURL,
		"keys", set.Len(),
		"forced", forced)

	return v.keys, v.generation, nil
}

func (v *Validator) fetch(ctx context.Context) (jwk.Set, error) {
	start := time.Now()
	set, err := v.doFetch(ctx)
	if v.instrumentation != nil {
		durationMs := float64(time.Since(start).Milliseconds())
		v.instrumentation.Metrics().RecordProviderAPICall(ctx, "google", "fetch_jwks", durationMs, err)
	}
	if err != nil {
		v.logger.Warn("Failed to fetch identity provider key set", "url", v.jwksURL, "error", err)
	}
	return set, err
}

func (v *Validator) doFetch(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch key set: %v", providers.ErrIdentityProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: key set endpoint returned status %d", providers.ErrIdentityProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key set: %v", providers.ErrIdentityProviderUnavailable, err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse key set: %v", providers.ErrIdentityProviderUnavailable, err)
	}
	return set, nil
}

func (v *Validator) clock() func() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Validator) recordVerification(ctx context.Context, span trace.Span, err error) {
	if v.instrumentation == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedAssertion):
		result = "malformed"
	case errors.Is(err, ErrUnknownSigningKey):
		result = "unknown_key"
	case errors.Is(err, ErrUnverifiedEmail):
		result = "unverified_email"
	case errors.Is(err, providers.ErrIdentityProviderUnavailable):
		result = "unavailable"
	default:
		result = "rejected"
	}

	v.instrumentation.Metrics().RecordIdentityVerification(ctx, result)
	span.SetAttributes(attribute.String("verification.result", result))
}
