package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/providers/google"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/server"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// Endpoint paths
const (
	AuthorizationPath                 = "/authorize"
	CallbackPath                      = google.CallbackPath
	TokenPath                         = "/token"
	RevocationPath                    = "/revoke"
	RegistrationPath                  = "/register"
	AuthorizationServerMetadataPath   = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath     = "/.well-known/oauth-protected-resource"
	maxRegistrationBodySize           = 64 << 10
	retryAfterSeconds                 = "60"
	callbackMissingParametersResponse = "Missing code or state"
)

type contextKey int

const accessTokenKey contextKey = iota

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server      *server.Server
	config      *Config
	rateLimiter *security.RateLimiter
	hosts       *security.HostAllowlist
	logger      *slog.Logger
	tracer      trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler. config must have passed Validate.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config = applyDefaults(config)

	h := &Handler{
		server: srv,
		config: config,
		hosts:  security.NewHostAllowlist(config.AllowedHosts, srv.Auditor, logger),
		logger: logger,
	}

	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns the OAuth endpoints behind request IDs, the Host allowlist and
// security headers. Callers mount the protected resource on the returned router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.hosts.Middleware)
	r.Use(security.SecurityHeaders(h.config.Issuer()))

	r.Get(AuthorizationPath, h.ServeAuthorization)
	r.Get(CallbackPath, h.ServeCallback)
	r.Post(TokenPath, h.ServeToken)
	r.Post(RevocationPath, h.ServeTokenRevocation)
	r.Post(RegistrationPath, h.ServeClientRegistration)
	r.Get(AuthorizationServerMetadataPath, h.ServeAuthorizationServerMetadata)
	r.Get(ProtectedResourceMetadataPath, h.ServeProtectedResourceMetadata)
	r.Get(ProtectedResourceMetadataPath+ResourcePath, h.ServeProtectedResourceMetadata)

	return r
}

// ServeAuthorization validates the client's authorization request and sends the
// user agent to Google.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "oauth.http.authorization")
	defer span.End()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	params := &server.AuthorizationParams{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Resource:            query.Get("resource"), // RFC 8707
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, params.ClientID))

	req, err := h.server.ValidateAuthorizationRequest(ctx, params)
	if err != nil {
		instrumentation.RecordError(span, err)
		if req == nil {
			// The redirect URI is not trusted, so the error is shown here.
			h.logger.Warn("Rejected authorization request", "client_id", params.ClientID, "error", err)
			h.recordHTTPMetrics("authorization", r.Method, http.StatusBadRequest, startTime)
			h.writeError(w, ErrorCodeInvalidRequest, untrustedAuthorizationError(err), http.StatusBadRequest)
			return
		}
		h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
		http.Redirect(w, r, errorRedirectURL(req.RedirectURI, authorizationErrorCode(err), err.Error(), req.State), http.StatusFound)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	authURL, err := h.server.Authorize(ctx, req, clientIP)
	if err != nil {
		h.logger.Error("Failed to start authorization flow", "client_id", params.ClientID, "error", err)
		h.recordHTTPMetrics("authorization", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Failed to start authorization flow", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	// Redirect to provider
	http.Redirect(w, r, authURL, http.StatusFound)
}

// untrustedAuthorizationError describes a failure that cannot be redirected.
func untrustedAuthorizationError(err error) string {
	switch {
	case errors.Is(err, server.ErrInvalidClient):
		return "Client ID not found"
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return "Redirect URI not registered for client"
	default:
		return err.Error()
	}
}

// errorRedirectURL appends an RFC 6749 section 4.1.2.1 error to redirectURI.
func errorRedirectURL(redirectURI, code, description, state string) string {
	params := url.Values{}
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}

	separator := "?"
	if strings.Contains(redirectURI, "?") {
		separator = "&"
	}
	return redirectURI + separator + params.Encode()
}

// ServeCallback handles Google's redirect back to this server. Failures are
// rendered as plain text since the client's redirect URI cannot be trusted
// until the pending authorization is resolved.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "oauth.http.callback")
	defer span.End()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("callback", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		if providerErr := r.URL.Query().Get("error"); providerErr != "" {
			h.logger.Warn("Provider returned error", "error", providerErr, "ip", clientIP)
		}
		h.recordHTTPMetrics("callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "missing state or code")
		writePlainText(w, http.StatusBadRequest, callbackMissingParametersResponse)
		return
	}

	redirectURL, err := h.server.CompleteCallback(ctx, code, state)
	if err != nil {
		h.recordHTTPMetrics("callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		writePlainText(w, http.StatusBadRequest, "Auth error: "+err.Error())
		return
	}

	h.recordHTTPMetrics("callback", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func writePlainText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.PostForm.Get("grant_type")

	switch grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientIP, startTime)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientIP, startTime)
	case "":
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest)
	default:
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string, startTime time.Time) {
	ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "oauth.http.token_exchange")
	defer span.End()

	code := r.PostForm.Get("code")
	codeVerifier := r.PostForm.Get("code_verifier")

	client, oauthErr := h.authenticateGrantClient(r, clientIP, server.GrantTypeAuthorizationCode)
	if oauthErr != nil {
		h.failToken(w, span, oauthErr, startTime)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	if code == "" {
		h.failToken(w, span, ErrInvalidRequest("Required parameter 'code' missing"), startTime)
		return
	}
	if codeVerifier == "" {
		h.failToken(w, span, ErrInvalidRequest("Required parameter 'code_verifier' missing"), startTime)
		return
	}

	pair, err := h.server.RedeemAuthorizationCode(ctx, client.ClientID, code, r.PostForm.Get("redirect_uri"), codeVerifier)
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		h.failToken(w, span, tokenError(err), startTime)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string, startTime time.Time) {
	ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "oauth.http.token_refresh")
	defer span.End()

	refreshToken := r.PostForm.Get("refresh_token")

	client, oauthErr := h.authenticateGrantClient(r, clientIP, server.GrantTypeRefreshToken)
	if oauthErr != nil {
		h.failToken(w, span, oauthErr, startTime)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	if refreshToken == "" {
		h.failToken(w, span, ErrInvalidRequest("refresh_token is required"), startTime)
		return
	}

	pair, err := h.server.ExchangeRefreshToken(ctx, client.ClientID, refreshToken, server.ParseScopes(r.PostForm.Get("scope")))
	if err != nil {
		h.logger.Warn("Failed to refresh token", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		h.failToken(w, span, tokenError(err), startTime)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) failToken(w http.ResponseWriter, span trace.Span, oauthErr *OAuthError, startTime time.Time) {
	h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
	instrumentation.SetSpanError(span, oauthErr.Code)
	security.SetNoStore(w)
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

// authenticateGrantClient authenticates the client and checks it registered
// for grantType.
func (h *Handler) authenticateGrantClient(r *http.Request, clientIP, grantType string) (*storage.Client, *OAuthError) {
	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		return nil, oauthErr
	}
	if !slices.Contains(client.GrantTypes, grantType) {
		h.logAuthFailure(client.ClientID, clientIP, "grant_type_not_registered", "Client not registered for grant type")
		return nil, ErrUnauthorizedClient(fmt.Sprintf("Client is not registered for grant type %s", grantType))
	}
	return client, nil
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "oauth.http.token_revocation")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("revoke", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	token := r.PostForm.Get("token")
	if token == "" {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	// RFC 7009 section 2.2: unknown tokens still get 200. A revocation that
	// could not be persisted gets 503 so the client retries.
	if err := h.server.RevokeToken(ctx, token, client.ClientID, clientIP); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("Failed to revoke token", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		h.recordHTTPMetrics("revoke", r.Method, http.StatusServiceUnavailable, startTime)
		h.writeError(w, ErrorCodeTemporarilyUnavailable, "Token revocation could not be recorded", http.StatusServiceUnavailable)
		return
	}

	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "oauth.http.client_registration")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("register", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidClientMetadata, "Invalid registration request body", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, &server.ClientRegistration{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		oauthErr := registrationError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			h.logger.Error("Failed to register client", "ip", clientIP, "error", err)
		}
		h.recordHTTPMetrics("register", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeRegistrationResponse(w, client, clientSecret)
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	response := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.ClientIDIssuedAt,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	}

	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.config.Issuer()
	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + AuthorizationPath,
		TokenEndpoint:                     issuer + TokenPath,
		RegistrationEndpoint:              issuer + RegistrationPath,
		RevocationEndpoint:                issuer + RevocationPath,
		ScopesSupported:                   h.config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               server.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: server.SupportedAuthMethods,
		RevocationEndpointAuthMethods:     server.SupportedAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}

	h.writeJSON(w, metadata)
	h.recordHTTPMetrics("authorization_server_metadata", r.Method, http.StatusOK, startTime)
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for the MCP resource.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := ProtectedResourceMetadata{
		Resource:               h.config.Resource(),
		AuthorizationServers:   []string{h.config.Issuer()},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.config.SupportedScopes,
	}

	h.writeJSON(w, metadata)
	h.recordHTTPMetrics("protected_resource_metadata", r.Method, http.StatusOK, startTime)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(v)
}

// ValidateToken is middleware that admits requests carrying a live access
// token with every required scope. The token record is available to next via
// AccessTokenFromContext.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		token, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		accessToken, err := h.server.LoadAccessToken(r.Context(), token)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				h.logger.Error("Token lookup failed", "ip", clientIP, "error", err)
			}
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token is invalid or expired")
			return
		}

		for _, scope := range h.config.RequiredScopes {
			if !slices.Contains(accessToken.Scopes, scope) {
				h.logger.Info("Token lacks required scope",
					"client_id", accessToken.ClientID,
					"required", h.config.RequiredScopes,
					"granted", accessToken.Scopes)
				h.writeInsufficientScopeError(w, h.config.RequiredScopes, "Token lacks a required scope")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(r.Context(), accessToken)))
	})
}

// AccessTokenFromContext returns the token record stored by ValidateToken.
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	token, ok := ctx.Value(accessTokenKey).(*storage.AccessToken)
	return token, ok
}

// ContextWithAccessToken returns ctx carrying token.
func ContextWithAccessToken(ctx context.Context, token *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenKey, token)
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)

	w.Header().Set("Retry-After", retryAfterSeconds)
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// authenticateClient validates client credentials from either Basic Auth or form parameters
// Returns the validated client or an error with the OAuth error code
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, *OAuthError) {
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if authClientID, authClientSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = authClientID, authClientSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		if !errors.Is(err, server.ErrInvalidClient) {
			h.logger.Error("Client lookup failed", "client_id", clientID, "error", err)
			return nil, ErrServerError("Client authentication failed")
		}
		h.logAuthFailure(clientID, clientIP, "client_authentication_failed", "Client authentication failed")
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        server.JoinScopes(pair.Scopes),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(server.JoinScopes(h.config.RequiredScopes), code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 pointing the client at the protected
// resource metadata (RFC 9728 section 5.1).
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// writeInsufficientScopeError writes a 403 Forbidden response with insufficient_scope error
// (RFC 6750 section 3.1).
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(server.JoinScopes(requiredScopes), ErrorCodeInsufficientScope, description))
	h.writeError(w, ErrorCodeInsufficientScope, description, http.StatusForbidden)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750 and RFC 9728
//
// Example output:
//
//	Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource",
//	       scope="read",
//	       error="invalid_token",
//	       error_description="Token is invalid or expired"
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`resource_metadata="%s"`, h.config.ResourceMetadataURL())}

	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}

	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes a quoted-string value (RFC 7230 section 3.2.6).
// Backslashes go first.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
