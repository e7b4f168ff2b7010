// Package mock provides a function-field implementation of providers.Provider
// for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/suleymangunel/mcp-oauth-google/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*oauth2.Token, error)

	// VerifyIdentityFunc is called when VerifyIdentity() is invoked
	VerifyIdentityFunc func(ctx context.Context, idToken string) (*providers.UserInfo, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock whose exchange returns a token carrying
// id_token "mock-id-token" and whose verification accepts it as
// mock@example.com.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
		},
		ExchangeCodeFunc: func(_ context.Context, _ string) (*oauth2.Token, error) {
			return TokenWithIDToken("mock-id-token"), nil
		},
		VerifyIdentityFunc: func(_ context.Context, idToken string) (*providers.UserInfo, error) {
			if idToken != "mock-id-token" {
				return nil, fmt.Errorf("unexpected id token %q", idToken)
			}
			return &providers.UserInfo{
				ID:            "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
	}
}

// TokenWithIDToken returns a provider token response carrying idToken in its
// extra fields, or no id_token at all when idToken is empty.
func TokenWithIDToken(idToken string) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  "mock-access-token",
		TokenType:    "Bearer",
		RefreshToken: "mock-refresh-token",
	}
	if idToken == "" {
		return token
	}
	return token.WithExtra(map[string]any{"id_token": idToken})
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release the lock before calling the function: it may call other mock methods.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL generates the URL to redirect users for authentication
func (m *MockProvider) AuthorizationURL(state string) string {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
	}
	return fn(state)
}

// ExchangeCode exchanges an authorization code for tokens
func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code)
}

// VerifyIdentity validates an ID token and returns user information
func (m *MockProvider) VerifyIdentity(ctx context.Context, idToken string) (*providers.UserInfo, error) {
	m.mu.Lock()
	m.CallCounts["VerifyIdentity"]++
	fn := m.VerifyIdentityFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("VerifyIdentityFunc not configured")
	}
	return fn(ctx, idToken)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
