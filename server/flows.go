package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/providers"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// AuthorizationParams are the raw parameters of an authorization request.
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// AuthorizationRequest is an authorization request that passed validation.
type AuthorizationRequest struct {
	Client                        *storage.Client
	RedirectURI                   string
	RedirectURIProvidedExplicitly bool
	State                         string
	CodeChallenge                 string
	Scopes                        []string
	Resource                      string
}

// TokenPair is the result of a successful code exchange or refresh.
type TokenPair struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64 // seconds
	RefreshToken string
	Scopes       []string
}

// ValidateAuthorizationRequest checks an authorization request against the
// registered client.
//
// Errors about the client or its redirect URI are returned with a nil request:
// nothing may be redirected and the caller must render the error itself. Any
// later error comes with the resolved request so the caller can report it to
// the client's redirect URI.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, params *AuthorizationParams) (*AuthorizationRequest, error) {
	if params.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	client, err := s.GetClient(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}

	redirectURI, explicit, err := resolveRedirectURI(client, params.RedirectURI)
	if err != nil {
		return nil, err
	}

	req := &AuthorizationRequest{
		Client:                        client,
		RedirectURI:                   redirectURI,
		RedirectURIProvidedExplicitly: explicit,
		State:                         params.State,
		CodeChallenge:                 params.CodeChallenge,
		Resource:                      params.Resource,
	}

	if params.ResponseType != "code" {
		return req, fmt.Errorf("%w: %q", ErrUnsupportedResponseType, params.ResponseType)
	}
	if params.CodeChallenge == "" {
		return req, fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}
	if params.CodeChallengeMethod != "" && params.CodeChallengeMethod != PKCEMethodS256 {
		return req, fmt.Errorf("%w: code_challenge_method must be %s", ErrInvalidRequest, PKCEMethodS256)
	}

	clientScopes := ParseScopes(client.Scope)
	req.Scopes = ParseScopes(params.Scope)
	if len(req.Scopes) == 0 {
		req.Scopes = clientScopes
	}
	if missing := missingScope(req.Scopes, clientScopes); missing != "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", fmt.Sprintf("scope_not_registered: %s", missing))
		}
		return req, fmt.Errorf("%w: client was not registered with scope %q", ErrInvalidScope, missing)
	}

	return req, nil
}

// Authorize records the validated request and returns the identity provider URL
// the user agent should be sent to. The provider-facing state is generated here
// and never derived from the client's state.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest, clientIP string) (string, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.tracer, "server.authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.Client.ClientID, JoinScopes(req.Scopes))

	state := generateRandomToken()
	pending := &storage.PendingAuthorization{
		State:                         state,
		ClientID:                      req.Client.ClientID,
		RedirectURI:                   req.RedirectURI,
		RedirectURIProvidedExplicitly: req.RedirectURIProvidedExplicitly,
		ClientState:                   req.State,
		CodeChallenge:                 req.CodeChallenge,
		Scopes:                        req.Scopes,
		Resource:                      req.Resource,
		ExpiresAt:                     s.now().Add(s.Config.PendingAuthorizationTTL),
	}
	if err := s.flowStore.SavePendingAuthorization(ctx, pending); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to save pending authorization: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationStarted(req.Client.ClientID, clientIP, req.Scopes)
	}
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, req.Client.ClientID)
	}
	s.Logger.Debug("Authorization flow started",
		"client_id", req.Client.ClientID,
		"scopes", req.Scopes)

	instrumentation.SetSpanSuccess(span)
	return s.provider.AuthorizationURL(state), nil
}

// CompleteCallback finishes the provider round trip for state: it exchanges the
// provider code, verifies the identity assertion, applies the allowlist and
// issues an authorization code. It returns the client redirect URL carrying the
// code and the client's own state.
//
// The pending authorization is consumed before the provider is contacted, so a
// state value can complete at most one callback whatever the outcome.
func (s *Server) CompleteCallback(ctx context.Context, providerCode, state string) (string, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.tracer, "server.complete_callback")
	defer span.End()

	redirectURL, clientID, result, err := s.completeCallback(ctx, providerCode, state)

	if m := s.metrics(); m != nil {
		m.RecordCallbackProcessed(ctx, result)
	}
	instrumentation.SetSpanAttributes(span, attribute.String("callback.result", result))
	if err != nil {
		instrumentation.RecordError(span, err)
		if s.Auditor != nil {
			s.Auditor.LogCallbackRejected(clientID, "", result)
		}
		// The reason is logged instead of err, which may carry identity data.
		s.Logger.Warn("Provider callback rejected",
			"client_id", clientID,
			"reason", result)
		return "", err
	}

	instrumentation.SetSpanSuccess(span)
	return redirectURL, nil
}

func (s *Server) completeCallback(ctx context.Context, providerCode, state string) (redirectURL, clientID, result string, err error) {
	pending, err := s.flowStore.PopPendingAuthorization(ctx, state)
	if err != nil {
		s.Logger.Debug("Unknown provider state", "state_prefix", safeTruncate(state, 8))
		return "", "", "invalid_state", ErrInvalidOrExpiredState
	}
	clientID = pending.ClientID

	token, err := s.provider.ExchangeCode(ctx, providerCode)
	if err != nil {
		if !errors.Is(err, providers.ErrIdentityProviderUnavailable) {
			err = fmt.Errorf("%w: %w", providers.ErrIdentityProviderUnavailable, err)
		}
		return "", clientID, "provider_unavailable", err
	}

	idToken := providers.IDToken(token)
	if idToken == "" {
		return "", clientID, "missing_id_token", ErrMissingIdentityAssertion
	}

	info, err := s.provider.VerifyIdentity(ctx, idToken)
	if err != nil {
		if errors.Is(err, providers.ErrIdentityProviderUnavailable) {
			return "", clientID, "provider_unavailable", err
		}
		return "", clientID, "verification_failed", err
	}

	email := strings.TrimSpace(info.Email)
	if email == "" || !info.EmailVerified {
		return "", clientID, "missing_email", ErrMissingEmailClaim
	}

	if !s.emailAllowed(email) {
		if s.Auditor != nil {
			s.Auditor.LogUserNotAuthorized(email, clientID)
		}
		return "", clientID, "not_authorized", ErrUserNotAuthorized
	}

	code := &storage.AuthorizationCode{
		Code:                          generateRandomToken(),
		ClientID:                      pending.ClientID,
		RedirectURI:                   pending.RedirectURI,
		RedirectURIProvidedExplicitly: pending.RedirectURIProvidedExplicitly,
		CodeChallenge:                 pending.CodeChallenge,
		Scopes:                        pending.Scopes,
		Resource:                      pending.Resource,
		ExpiresAt:                     s.now().Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, code, email); err != nil {
		return "", clientID, "storage_error", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(email, clientID)
	}
	s.Logger.Info("Authorization code issued",
		"client_id", clientID,
		"code_prefix", safeTruncate(code.Code, 8))

	return constructRedirectURI(pending.RedirectURI, code.Code, pending.ClientState), clientID, "success", nil
}

// emailAllowed applies the allowlist. An empty allowlist admits every verified
// email.
func (s *Server) emailAllowed(email string) bool {
	if len(s.allowedEmails) == 0 {
		return true
	}
	_, ok := s.allowedEmails[strings.ToLower(email)]
	return ok
}

// constructRedirectURI appends code and the client's state to redirectURI,
// keeping any query it already has.
func constructRedirectURI(redirectURI, code, clientState string) string {
	params := url.Values{}
	params.Set("code", code)
	if clientState != "" {
		params.Set("state", clientState)
	}

	separator := "?"
	if strings.Contains(redirectURI, "?") {
		separator = "&"
	}
	return redirectURI + separator + params.Encode()
}

// LoadAuthorizationCode returns an unexpired code owned by clientID without
// consuming it.
func (s *Server) LoadAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	return s.flowStore.GetAuthorizationCode(ctx, clientID, code)
}

// RedeemAuthorizationCode checks redirect_uri and the PKCE verifier against the
// stored code, then exchanges it for tokens.
func (s *Server) RedeemAuthorizationCode(ctx context.Context, clientID, code, redirectURI, codeVerifier string) (*TokenPair, error) {
	authCode, err := s.LoadAuthorizationCode(ctx, clientID, code)
	if err != nil {
		s.Logger.Debug("Authorization code validation failed",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		}
		return nil, err
	}

	if authCode.RedirectURIProvidedExplicitly && redirectURI != authCode.RedirectURI {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "redirect_uri_mismatch")
		}
		return nil, fmt.Errorf("%w: redirect_uri does not match the authorization request", ErrInvalidGrant)
	}

	if err := validatePKCE(authCode.CodeChallenge, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				ClientID: clientID,
				Details:  map[string]any{"reason": err.Error()},
			})
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx)
		}
		return nil, fmt.Errorf("%w: %w", ErrPKCEVerificationFailed, err)
	}

	return s.ExchangeAuthorizationCode(ctx, clientID, code)
}

// ExchangeAuthorizationCode consumes the code and mints a token pair for the
// user it was issued to. Concurrent exchanges of one code yield at most one
// token pair.
//
// The code is consumed before the pair is minted. If the pair cannot be
// persisted the code is gone and the client must restart authorization.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, code string) (*TokenPair, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.tracer, "server.exchange_authorization_code")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, "authorization_code"))

	authCode, user, err := s.flowStore.ConsumeAuthorizationCode(ctx, clientID, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	pair, err := s.mintTokens(ctx, clientID, user, authCode.Scopes, "")
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user, clientID, JoinScopes(pair.Scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID)
	}
	s.Logger.Info("Authorization code exchanged",
		"client_id", clientID,
		"code_prefix", safeTruncate(code, 8))

	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// LoadAccessToken returns a live access token. Expired tokens are evicted by
// the store and reported as storage.ErrNotFound.
func (s *Server) LoadAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	return s.tokenStore.GetAccessToken(ctx, token)
}

// LoadRefreshToken returns the refresh token if it belongs to clientID.
func (s *Server) LoadRefreshToken(ctx context.Context, clientID, token string) (*storage.RefreshToken, error) {
	rt, err := s.tokenStore.GetRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rt.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	return rt, nil
}

// ExchangeRefreshToken rotates a refresh token. requestedScopes may narrow the
// original grant but never widen it; empty keeps the original scopes.
func (s *Server) ExchangeRefreshToken(ctx context.Context, clientID, refreshToken string, requestedScopes []string) (*TokenPair, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.tracer, "server.exchange_refresh_token")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, "refresh_token"))

	rt, err := s.LoadRefreshToken(ctx, clientID, refreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token validation failed",
			"client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	scopes := rt.Scopes
	if len(requestedScopes) > 0 {
		if missing := missingScope(requestedScopes, rt.Scopes); missing != "" {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventScopeEscalationAttempt,
					UserID:   rt.User,
					ClientID: clientID,
					Details: map[string]any{
						"requested_scopes": requestedScopes,
						"granted_scopes":   rt.Scopes,
					},
				})
			}
			err := fmt.Errorf("%w: scope %q was not part of the original grant", ErrInvalidScope, missing)
			instrumentation.RecordError(span, err)
			return nil, err
		}
		scopes = requestedScopes
	}

	pair, err := s.mintTokens(ctx, clientID, rt.User, scopes, refreshToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(rt.User, clientID, JoinScopes(scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID)
	}
	s.Logger.Info("Refresh token rotated", "client_id", clientID)

	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// RevokeToken removes token from both the access and the refresh token sets.
// Unknown tokens are not an error.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, clientIP string) error {
	if err := s.tokenStore.RevokeToken(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(clientID, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, clientID)
	}
	s.Logger.Info("Token revoked", "client_id", clientID)
	return nil
}

// mintTokens creates and stores a token pair. With a non-empty rotate the
// refresh token of that value is consumed in the same store write.
func (s *Server) mintTokens(ctx context.Context, clientID, user string, scopes []string, rotate string) (*TokenPair, error) {
	ttl := int64(s.Config.AccessTokenTTL.Seconds())
	scopes = append([]string(nil), scopes...)

	access := &storage.AccessToken{
		Token:     generateRandomToken(),
		ClientID:  clientID,
		User:      user,
		Scopes:    scopes,
		ExpiresAt: s.now().Unix() + ttl,
	}
	refresh := &storage.RefreshToken{
		Token:    generateRandomToken(),
		ClientID: clientID,
		User:     user,
		Scopes:   scopes,
	}

	var err error
	if rotate != "" {
		err = s.tokenStore.RotateRefreshToken(ctx, clientID, rotate, access, refresh)
	} else {
		err = s.tokenStore.SaveTokenPair(ctx, access, refresh)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		s.Logger.Error("Failed to store token pair", "client_id", clientID, "error", err)
		return nil, fmt.Errorf("failed to store tokens: %w", err)
	}

	return &TokenPair{
		AccessToken:  access.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    ttl,
		RefreshToken: refresh.Token,
		Scopes:       scopes,
	}, nil
}
