package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/providers"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// safeTruncate safely truncates a string to maxLen characters without panicking.
// Used to log recognizable prefixes of codes and tokens.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the authorization server: the client-facing OAuth flow, the
// provider round trip and the token lifecycle. HTTP concerns live in the root
// package.
type Server struct {
	provider        providers.Provider
	tokenStore      storage.TokenStore
	flowStore       storage.FlowStore
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer        trace.Tracer
	allowedEmails map[string]struct{}
	now           func() time.Time
}

// New creates a new OAuth server
func New(
	provider providers.Provider,
	tokenStore storage.TokenStore,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config)

	srv := &Server{
		provider:   provider,
		tokenStore: tokenStore,
		flowStore:  flowStore,
		Config:     config,
		Logger:     logger,
		now:        time.Now,
	}

	if len(config.AllowedEmails) > 0 {
		srv.allowedEmails = make(map[string]struct{}, len(config.AllowedEmails))
		for _, email := range config.AllowedEmails {
			email = strings.ToLower(strings.TrimSpace(email))
			if email != "" {
				srv.allowedEmails[email] = struct{}{}
			}
		}
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics and tracing for flow operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock overrides the time source used for expiries.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Provider returns the identity provider the server federates to.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// metrics returns the metrics holder, or nil when instrumentation is disabled.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier encodes 32 random bytes as unpadded base64url, which
// is enough entropy for state values, codes and tokens alike.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
