package oauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suleymangunel/mcp-oauth-google/providers/mock"
	"github.com/suleymangunel/mcp-oauth-google/server"
	"github.com/suleymangunel/mcp-oauth-google/storage"
	"github.com/suleymangunel/mcp-oauth-google/storage/durable"
	"github.com/suleymangunel/mcp-oauth-google/storage/memory"
)

// switchablePersister keeps the snapshot in memory and fails Save on demand.
type switchablePersister struct {
	mu       sync.Mutex
	data     []byte
	failSave bool
}

func (p *switchablePersister) Load(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data, nil
}

func (p *switchablePersister) Save(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave {
		return errors.New("disk full")
	}
	p.data = append([]byte(nil), data...)
	return nil
}

func (p *switchablePersister) Close() error { return nil }

func (p *switchablePersister) setFailSave(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSave = fail
}

func TestHandler_RevocationPersistFailure(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := &switchablePersister{}
	tokens, err := durable.Open(ctx, durable.Config{Persister: p, Backend: "memory", Logger: logger})
	if err != nil {
		t.Fatalf("durable.Open() error = %v", err)
	}
	flows := memory.New()
	t.Cleanup(func() {
		flows.Stop()
		_ = tokens.Close()
	})

	srv, err := server.New(mock.NewMockProvider(), tokens, flows, &server.Config{Issuer: "https://" + testHost}, logger)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	cfg := testConfig(t)
	cfg.RateLimit.Rate = 0
	h := NewHandler(srv, cfg, logger)
	t.Cleanup(h.Close)
	router := h.Routes()

	client := &storage.Client{
		ClientID:                "client-1",
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: "none",
	}
	if err := tokens.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	access := &storage.AccessToken{
		Token:     "access-1",
		ClientID:  client.ClientID,
		User:      "alice@example.com",
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	refresh := &storage.RefreshToken{
		Token:    "refresh-1",
		ClientID: client.ClientID,
		User:     "alice@example.com",
		Scopes:   []string{"read"},
	}
	if err := tokens.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	revoke := func(token string) *httptest.ResponseRecorder {
		form := url.Values{"client_id": {client.ClientID}, "token": {token}}
		req := httptest.NewRequest(http.MethodPost, RevocationPath, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Host = testHost
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	p.setFailSave(true)

	rec := revoke(access.Token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusServiceUnavailable, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != retryAfterSeconds {
		t.Errorf("Retry-After = %q, want %q", got, retryAfterSeconds)
	}
	if got := decodeError(t, rec).Error; got != ErrorCodeTemporarilyUnavailable {
		t.Errorf("error = %q, want %q", got, ErrorCodeTemporarilyUnavailable)
	}
	if _, err := srv.LoadAccessToken(ctx, access.Token); err != nil {
		t.Errorf("access token should stay live after a failed revocation: %v", err)
	}

	// Unknown tokens write nothing, so they still get 200.
	if rec := revoke("no-such-token"); rec.Code != http.StatusOK {
		t.Errorf("unknown token: status = %d, want 200", rec.Code)
	}

	p.setFailSave(false)
	if rec := revoke(access.Token); rec.Code != http.StatusOK {
		t.Fatalf("retry: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := srv.LoadAccessToken(ctx, access.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LoadAccessToken() after revoke error = %v, want %v", err, storage.ErrNotFound)
	}
}
