package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

var (
	// SupportedAuthMethods lists the accepted token_endpoint_auth_method values
	SupportedAuthMethods = []string{TokenEndpointAuthMethodPost, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodNone}

	// SupportedGrantTypes lists the accepted grant_types values
	SupportedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
)

// ClientRegistration is the client metadata of a registration request
// (RFC 7591 Section 2).
type ClientRegistration struct {
	RedirectURIs            []string
	ClientName              string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
}

// RegisterClient registers a new OAuth client and returns it with its plaintext
// secret. Public clients (token_endpoint_auth_method "none") get no secret.
// Only the bcrypt hash of a secret is stored.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration, clientIP string) (*storage.Client, string, error) {
	client, err := s.buildClient(reg)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", clientIP, fmt.Sprintf("client_registration_rejected: %v", err))
		}
		s.Logger.Warn("Client registration rejected", "error", err, "client_ip", clientIP)
		return nil, "", err
	}

	clientSecret, clientSecretHash, err := generateClientSecret(client)
	if err != nil {
		return nil, "", err
	}
	client.ClientSecretHash = clientSecretHash

	if err := s.tokenStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	clientType := ClientTypeConfidential
	if client.IsPublic() {
		clientType = ClientTypePublic
	}
	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)

	return client, clientSecret, nil
}

// buildClient validates registration metadata and fills in defaults.
func (s *Server) buildClient(reg *ClientRegistration) (*storage.Client, error) {
	if len(reg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidRedirectURI)
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRedirectURISecurity(uri, s.Config.Issuer); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRedirectURI, err)
		}
	}

	authMethod := reg.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodPost
	}
	if !slices.Contains(SupportedAuthMethods, authMethod) {
		return nil, fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidRequest, authMethod)
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = SupportedGrantTypes
	}
	for _, gt := range grantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return nil, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidRequest, gt)
		}
	}
	if !slices.Contains(grantTypes, GrantTypeAuthorizationCode) {
		return nil, fmt.Errorf("%w: grant_types must include %s", ErrInvalidRequest, GrantTypeAuthorizationCode)
	}

	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeCode {
			return nil, fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, rt)
		}
	}

	scopes := ParseScopes(reg.Scope)
	if len(scopes) == 0 {
		scopes = s.Config.DefaultScopes
	}
	if missing := missingScope(scopes, s.Config.SupportedScopes); missing != "" {
		return nil, fmt.Errorf("%w: unsupported scope %q", ErrInvalidScope, missing)
	}

	return &storage.Client{
		ClientID:                uuid.NewString(),
		ClientIDIssuedAt:        s.now().Unix(),
		ClientName:              reg.ClientName,
		RedirectURIs:            slices.Clone(reg.RedirectURIs),
		GrantTypes:              slices.Clone(grantTypes),
		ResponseTypes:           slices.Clone(responseTypes),
		TokenEndpointAuthMethod: authMethod,
		Scope:                   JoinScopes(scopes),
	}, nil
}

// generateClientSecret generates a secret and its bcrypt hash for confidential
// clients.
func generateClientSecret(client *storage.Client) (string, string, error) {
	if client.IsPublic() {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a registered client. Unknown clients are reported as
// ErrInvalidClient.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.tokenStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// AuthenticateClient authenticates a client at the token or revocation
// endpoint. Public clients authenticate by client_id alone; confidential
// clients must present their secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if client.IsPublic() {
		return client, nil
	}

	if clientSecret == "" {
		return nil, fmt.Errorf("%w: client secret is required", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
		}
		return nil, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	return client, nil
}
