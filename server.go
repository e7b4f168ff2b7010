package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/providers"
	"github.com/suleymangunel/mcp-oauth-google/providers/google"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/server"
	"github.com/suleymangunel/mcp-oauth-google/storage"
	"github.com/suleymangunel/mcp-oauth-google/storage/durable"
	"github.com/suleymangunel/mcp-oauth-google/storage/file"
	"github.com/suleymangunel/mcp-oauth-google/storage/memory"
	"github.com/suleymangunel/mcp-oauth-google/storage/sqlite"
)

// Service is a fully wired authorization server: the Google provider, the
// persistent token store, the in-memory flow registers, the OAuth core and its
// HTTP handler.
type Service struct {
	Server          *server.Server
	Handler         *Handler
	Instrumentation *instrumentation.Instrumentation // nil when disabled

	tokens *durable.Store
	flows  *memory.Store
}

// instrumentable is implemented by providers that report metrics and spans.
type instrumentable interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// New builds a Service federating login to Google.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = applyDefaults(cfg)

	provider, err := google.NewProvider(&google.Config{
		ClientID:     cfg.GoogleAuth.ClientID,
		ClientSecret: cfg.GoogleAuth.ClientSecret,
		RedirectURL:  cfg.Issuer() + google.CallbackPath,
		HTTPClient:   cfg.HTTPClient,
		JWKSURL:      cfg.GoogleAuth.JWKSURL,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google provider: %w", err)
	}

	return NewWithProvider(ctx, cfg, provider)
}

// NewWithProvider builds a Service around an existing identity provider.
func NewWithProvider(ctx context.Context, cfg *Config, provider providers.Provider) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = applyDefaults(cfg)
	logger := cfg.Logger

	var inst *instrumentation.Instrumentation
	if cfg.Instrumentation.Enabled {
		var err error
		inst, err = instrumentation.New(cfg.Instrumentation)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
	}

	persister, err := newPersister(ctx, cfg)
	if err != nil {
		return nil, err
	}

	encryptor, err := security.NewEncryptor(cfg.Storage.EncryptionKey)
	if err != nil {
		_ = persister.Close()
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	tokens, err := durable.Open(ctx, durable.Config{
		Persister: persister,
		Backend:   cfg.Storage.Backend,
		Encryptor: encryptor,
		Logger:    logger,
	})
	if err != nil {
		_ = persister.Close()
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	flows := memory.New()
	flows.SetLogger(logger)

	srv, err := server.New(provider, tokens, flows, &server.Config{
		Issuer:          cfg.Issuer(),
		AccessTokenTTL:  cfg.AccessTokenTTL,
		AllowedEmails:   cfg.AllowedEmails,
		SupportedScopes: cfg.SupportedScopes,
		DefaultScopes:   cfg.DefaultScopes,
	}, logger)
	if err != nil {
		flows.Stop()
		_ = tokens.Close()
		return nil, fmt.Errorf("failed to create oauth server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.EnableAuditLogging))

	if inst != nil {
		srv.SetInstrumentation(inst)
		tokens.SetInstrumentation(inst)
		flows.SetInstrumentation(inst)
		if p, ok := provider.(instrumentable); ok {
			p.SetInstrumentation(inst)
		}
	}

	logger.Info("OAuth server initialized",
		"issuer", cfg.Issuer(),
		"provider", provider.Name(),
		"storage", cfg.Storage.Backend,
		"allowed_emails", len(cfg.AllowedEmails),
		"instrumentation", inst != nil)

	return &Service{
		Server:          srv,
		Handler:         NewHandler(srv, cfg, logger),
		Instrumentation: inst,
		tokens:          tokens,
		flows:           flows,
	}, nil
}

func newPersister(ctx context.Context, cfg *Config) (storage.Persister, error) {
	switch cfg.Storage.Backend {
	case StoreBackendSQLite:
		p, err := sqlite.New(ctx, cfg.Storage.Path, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return p, nil
	default:
		p, err := file.New(cfg.Storage.Path, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return p, nil
	}
}

// Close stops background work and releases the token store.
func (s *Service) Close(ctx context.Context) error {
	s.Handler.Close()
	s.flows.Stop()

	var errs []error
	if err := s.tokens.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close token store: %w", err))
	}
	if s.Instrumentation != nil {
		if err := s.Instrumentation.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down instrumentation: %w", err))
		}
	}
	return errors.Join(errs...)
}
