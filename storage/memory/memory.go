package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// codeLogPrefixLength is how much of a code or state value may appear in debug logs.
const codeLogPrefixLength = 6

// Store is an in-memory FlowStore.
type Store struct {
	mu sync.Mutex

	pending   map[string]*storage.PendingAuthorization // provider state -> request
	codes     map[string]*storage.AuthorizationCode
	codeUsers map[string]string // code -> verified email

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// read by metric callbacks without taking mu
	pendingCount atomic.Int64
	codeCount    atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.FlowStore = (*Store)(nil)

// New creates a store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		pending:         make(map[string]*storage.PendingAuthorization),
		codes:           make(map[string]*storage.AuthorizationCode),
		codeUsers:       make(map[string]string),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterFlowSizeCallbacks(
			func() int64 { return s.pendingCount.Load() },
			func() int64 { return s.codeCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register flow size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// SavePendingAuthorization records a pending authorization keyed by its provider state.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	ctx, span := s.startStorageSpan(ctx, "save_pending_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_pending_authorization", err, startTime)
	}()

	if pending == nil || pending.State == "" {
		err = fmt.Errorf("invalid pending authorization")
		return err
	}

	p := *pending
	p.Scopes = slices.Clone(pending.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[p.State]; !exists {
		s.pendingCount.Add(1)
	}
	s.pending[p.State] = &p
	s.logger.Debug("Saved pending authorization",
		"state_prefix", prefix(p.State),
		"client_id", p.ClientID)
	return nil
}

// PopPendingAuthorization removes and returns the pending authorization for state.
// Expired records are removed and reported as storage.ErrNotFound.
func (s *Store) PopPendingAuthorization(ctx context.Context, state string) (*storage.PendingAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "pop_pending_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "pop_pending_authorization", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	delete(s.pending, state)
	s.pendingCount.Add(-1)

	if !p.ExpiresAt.IsZero() && s.now().After(p.ExpiresAt) {
		s.logger.Debug("Pending authorization expired", "state_prefix", prefix(state))
		err = storage.ErrNotFound
		return nil, err
	}

	return p, nil
}

// SaveAuthorizationCode stores an issued authorization code together with its user.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode, user string) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	c := *code
	c.Scopes = slices.Clone(code.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[c.Code]; !exists {
		s.codeCount.Add(1)
	}
	s.codes[c.Code] = &c
	s.codeUsers[c.Code] = user
	s.logger.Debug("Saved authorization code",
		"code_prefix", prefix(c.Code),
		"client_id", c.ClientID)
	return nil
}

// GetAuthorizationCode returns a copy of the code if it exists, belongs to clientID
// and is unexpired. An expired code is evicted.
func (s *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupCodeLocked(clientID, code)
	if err != nil {
		return nil, err
	}

	codeCopy := *c
	codeCopy.Scopes = slices.Clone(c.Scopes)
	return &codeCopy, nil
}

// ConsumeAuthorizationCode atomically removes the code and its associated user.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, string, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	var c *storage.AuthorizationCode
	c, err = s.lookupCodeLocked(clientID, code)
	if err != nil {
		return nil, "", err
	}

	user := s.codeUsers[code]
	s.deleteCodeLocked(code)
	s.logger.Debug("Consumed authorization code", "code_prefix", prefix(code))

	return c, user, nil
}

// lookupCodeLocked must be called with mu held.
func (s *Store) lookupCodeLocked(clientID, code string) (*storage.AuthorizationCode, error) {
	c, ok := s.codes[code]
	if !ok || c.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	if s.now().After(c.ExpiresAt) {
		s.deleteCodeLocked(code)
		s.logger.Debug("Evicted expired authorization code", "code_prefix", prefix(code))
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) deleteCodeLocked(code string) {
	if _, ok := s.codes[code]; ok {
		s.codeCount.Add(-1)
	}
	delete(s.codes, code)
	delete(s.codeUsers, code)
}

// Len returns the number of pending authorizations and authorization codes held.
func (s *Store) Len() (pending, codes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.codes)
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for state, p := range s.pending {
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			delete(s.pending, state)
			s.pendingCount.Add(-1)
			cleaned++
		}
	}

	for code, c := range s.codes {
		if now.After(c.ExpiresAt) {
			s.deleteCodeLocked(code)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired flow entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return instrumentation.StartSpan(ctx, s.tracer, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func prefix(v string) string {
	if len(v) <= codeLogPrefixLength {
		return v
	}
	return v[:codeLogPrefixLength]
}
