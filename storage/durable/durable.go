// Package durable implements storage.TokenStore as an in-memory aggregate that is
// written through to a storage.Persister after every mutation.
//
// The whole snapshot (clients, access tokens, refresh tokens) is serialized as
// indented JSON and handed to the persister on each change. A mutation whose
// snapshot cannot be saved is rolled back, so callers never receive a token the
// store could not durably record. This suits a single server instance; it is
// not a clustered store.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// Config configures a Store.
type Config struct {
	// Persister stores the serialized snapshot (required).
	Persister storage.Persister

	// Backend labels the persister in logs and metrics (e.g. "file", "sqlite").
	Backend string

	// Encryptor optionally seals the snapshot at rest.
	Encryptor *security.Encryptor

	Logger *slog.Logger
}

// Store is a write-through TokenStore.
type Store struct {
	mu       sync.Mutex
	snapshot *storage.Snapshot

	persister storage.Persister
	backend   string
	encryptor *security.Encryptor
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// read by metric callbacks without taking mu
	clientCount  atomic.Int64
	accessCount  atomic.Int64
	refreshCount atomic.Int64
}

var _ storage.TokenStore = (*Store)(nil)

// Open loads the last snapshot from the persister. A missing snapshot starts an
// empty store; an unreadable or corrupt one is logged and also treated as empty.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backend == "" {
		cfg.Backend = "unknown"
	}

	s := &Store{
		persister: cfg.Persister,
		backend:   cfg.Backend,
		encryptor: cfg.Encryptor,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	s.snapshot = s.load(ctx)
	s.updateCountsLocked()

	s.logger.Info("Token store loaded",
		"backend", s.backend,
		"clients", len(s.snapshot.Clients),
		"access_tokens", len(s.snapshot.AccessTokens),
		"refresh_tokens", len(s.snapshot.RefreshTokens),
		"encrypted", s.encryptor.IsEnabled())

	return s, nil
}

func (s *Store) load(ctx context.Context) *storage.Snapshot {
	data, err := s.persister.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to read token store snapshot, starting empty", "backend", s.backend, "error", err)
		return storage.NewSnapshot()
	}
	if len(data) == 0 {
		return storage.NewSnapshot()
	}

	if s.encryptor.IsEnabled() {
		data, err = s.encryptor.Open(data)
		if err != nil {
			s.logger.Warn("Failed to decrypt token store snapshot, starting empty", "backend", s.backend, "error", err)
			return storage.NewSnapshot()
		}
	}

	snapshot, err := decodeSnapshot(data)
	if err != nil {
		s.logger.Warn("Corrupt token store snapshot, starting empty", "backend", s.backend, "error", err)
		return storage.NewSnapshot()
	}
	return snapshot
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source used for access token expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables metrics and spans, and reports collection sizes as
// gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterTokenStoreSizeCallbacks(
			func() int64 { return s.clientCount.Load() },
			func() int64 { return s.accessCount.Load() },
			func() int64 { return s.refreshCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register token store size callbacks", "error", err)
		}
	}
}

// Close closes the underlying persister.
func (s *Store) Close() error {
	return s.persister.Close()
}

// SaveClient registers a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.snapshot.Clients[client.ClientID]; exists {
		return fmt.Errorf("client %s already registered", client.ClientID)
	}

	s.snapshot.Clients[client.ClientID] = copyClient(client)
	if err := s.persistLocked(ctx); err != nil {
		delete(s.snapshot.Clients, client.ClientID)
		return err
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns a registered client.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.snapshot.Clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %w", storage.ErrNotFound)
	}
	return copyClient(client), nil
}

// SaveTokenPair stores a freshly minted pair and persists the store. On persist
// failure neither token is kept.
func (s *Store) SaveTokenPair(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token_pair")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_token_pair", &err, time.Now())

	if err := validatePair(access, refresh); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putPairLocked(access, refresh)
	if err := s.persistLocked(ctx); err != nil {
		delete(s.snapshot.AccessTokens, access.Token)
		delete(s.snapshot.RefreshTokens, refresh.Token)
		s.updateCountsLocked()
		return err
	}
	return nil
}

// GetAccessToken returns an unexpired access token. An expired token is removed
// and the store persisted.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.snapshot.AccessTokens[token]
	if !ok {
		return nil, fmt.Errorf("access token %w", storage.ErrNotFound)
	}

	if record.Expired(s.now()) {
		delete(s.snapshot.AccessTokens, token)
		s.updateCountsLocked()
		if err := s.persistLocked(ctx); err != nil {
			// the token is gone from memory either way; the next save drops it from disk
			s.logger.Warn("Failed to persist expired access token eviction", "error", err)
		}
		return nil, fmt.Errorf("access token %w", storage.ErrNotFound)
	}

	return copyAccessToken(record, token), nil
}

// GetRefreshToken returns a refresh token.
func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.snapshot.RefreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("refresh token %w", storage.ErrNotFound)
	}
	return copyRefreshToken(record, token), nil
}

// RotateRefreshToken consumes token for clientID and stores the replacement pair
// in one step. If the result cannot be persisted the old token is restored.
func (s *Store) RotateRefreshToken(ctx context.Context, clientID, token string, access *storage.AccessToken, refresh *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rotate_refresh_token", &err, time.Now())

	if err := validatePair(access, refresh); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.snapshot.RefreshTokens[token]
	if !ok || old.ClientID != clientID {
		return fmt.Errorf("refresh token %w", storage.ErrNotFound)
	}

	delete(s.snapshot.RefreshTokens, token)
	s.putPairLocked(access, refresh)

	if err := s.persistLocked(ctx); err != nil {
		delete(s.snapshot.AccessTokens, access.Token)
		delete(s.snapshot.RefreshTokens, refresh.Token)
		s.snapshot.RefreshTokens[token] = old
		s.updateCountsLocked()
		return err
	}
	return nil
}

// RevokeToken removes token from both token maps. Unknown tokens are ignored.
// If the store cannot be persisted the token stays live and the error is
// returned.
func (s *Store) RevokeToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	access, isAccess := s.snapshot.AccessTokens[token]
	refresh, isRefresh := s.snapshot.RefreshTokens[token]
	if !isAccess && !isRefresh {
		return nil
	}

	delete(s.snapshot.AccessTokens, token)
	delete(s.snapshot.RefreshTokens, token)
	s.updateCountsLocked()

	if err := s.persistLocked(ctx); err != nil {
		if isAccess {
			s.snapshot.AccessTokens[token] = access
		}
		if isRefresh {
			s.snapshot.RefreshTokens[token] = refresh
		}
		s.updateCountsLocked()
		return err
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *storage.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := storage.NewSnapshot()
	for id, c := range s.snapshot.Clients {
		out.Clients[id] = copyClient(c)
	}
	for tok, a := range s.snapshot.AccessTokens {
		out.AccessTokens[tok] = copyAccessToken(a, tok)
	}
	for tok, r := range s.snapshot.RefreshTokens {
		out.RefreshTokens[tok] = copyRefreshToken(r, tok)
	}
	return out
}

func (s *Store) putPairLocked(access *storage.AccessToken, refresh *storage.RefreshToken) {
	s.snapshot.AccessTokens[access.Token] = copyAccessToken(access, access.Token)
	s.snapshot.RefreshTokens[refresh.Token] = copyRefreshToken(refresh, refresh.Token)
	s.updateCountsLocked()
}

// persistLocked writes the full snapshot. Callers hold s.mu.
func (s *Store) persistLocked(ctx context.Context) error {
	start := time.Now()

	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	if err == nil && s.encryptor.IsEnabled() {
		data, err = s.encryptor.Seal(data)
	}
	if err == nil {
		err = s.persister.Save(ctx, data)
	}

	if s.instrumentation != nil {
		durationMs := float64(time.Since(start).Milliseconds())
		s.instrumentation.Metrics().RecordSnapshotSave(ctx, s.backend, durationMs, err)
	}
	if err != nil {
		s.logger.Error("Failed to persist token store", "backend", s.backend, "error", err)
		return fmt.Errorf("failed to persist token store: %w", err)
	}
	return nil
}

func (s *Store) updateCountsLocked() {
	s.clientCount.Store(int64(len(s.snapshot.Clients)))
	s.accessCount.Store(int64(len(s.snapshot.AccessTokens)))
	s.refreshCount.Store(int64(len(s.snapshot.RefreshTokens)))
}

func decodeSnapshot(data []byte) (*storage.Snapshot, error) {
	snapshot := storage.NewSnapshot()
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}

	// a document with null or missing maps still yields the full shape
	empty := storage.NewSnapshot()
	if snapshot.Clients == nil {
		snapshot.Clients = empty.Clients
	}
	if snapshot.AccessTokens == nil {
		snapshot.AccessTokens = empty.AccessTokens
	}
	if snapshot.RefreshTokens == nil {
		snapshot.RefreshTokens = empty.RefreshTokens
	}

	for id, c := range snapshot.Clients {
		if c == nil {
			delete(snapshot.Clients, id)
			continue
		}
		c.ClientID = id
	}
	for tok, a := range snapshot.AccessTokens {
		if a == nil {
			delete(snapshot.AccessTokens, tok)
			continue
		}
		a.Token = tok
	}
	for tok, r := range snapshot.RefreshTokens {
		if r == nil {
			delete(snapshot.RefreshTokens, tok)
			continue
		}
		r.Token = tok
	}
	return snapshot, nil
}

func validatePair(access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.Token == "" {
		return fmt.Errorf("access token is required")
	}
	if refresh == nil || refresh.Token == "" {
		return fmt.Errorf("refresh token is required")
	}
	return nil
}

func copyClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &out
}

func copyAccessToken(a *storage.AccessToken, token string) *storage.AccessToken {
	out := *a
	out.Token = token
	out.Scopes = slices.Clone(a.Scopes)
	return &out
}

func copyRefreshToken(r *storage.RefreshToken, token string) *storage.RefreshToken {
	out := *r
	out.Token = token
	out.Scopes = slices.Clone(r.Scopes)
	return &out
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return instrumentation.StartSpan(ctx, s.tracer, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, s.backend),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	var err error
	if errp != nil {
		err = *errp
	}

	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
