package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/suleymangunel/mcp-oauth-google/internal/testutil"
	"github.com/suleymangunel/mcp-oauth-google/security"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

// memPersister is an in-memory storage.Persister whose saves can be made to fail.
type memPersister struct {
	mu       sync.Mutex
	data     []byte
	loadErr  error
	failSave bool
	saves    atomic.Int32
}

func (p *memPersister) Load(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data, p.loadErr
}

func (p *memPersister) Save(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave {
		return errors.New("disk full")
	}
	p.saves.Add(1)
	p.data = append([]byte(nil), data...)
	return nil
}

func (p *memPersister) Close() error { return nil }

func (p *memPersister) setFailSave(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSave = fail
}

func openStore(t *testing.T, p *memPersister) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Persister: p, Backend: "memory"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func testPair(clientID, suffix string, expiresAt time.Time) (*storage.AccessToken, *storage.RefreshToken) {
	return &storage.AccessToken{
			Token:     "access-" + suffix,
			ClientID:  clientID,
			User:      "alice@example.com",
			Scopes:    []string{"read"},
			ExpiresAt: expiresAt.Unix(),
		}, &storage.RefreshToken{
			Token:    "refresh-" + suffix,
			ClientID: clientID,
			User:     "alice@example.com",
			Scopes:   []string{"read"},
		}
}

func TestOpen_RequiresPersister(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Open() without persister should fail")
	}
}

func TestOpen_UnusableSnapshotStartsEmpty(t *testing.T) {
	tests := []struct {
		name      string
		persister *memPersister
	}{
		{name: "no snapshot", persister: &memPersister{}},
		{name: "corrupt json", persister: &memPersister{data: []byte("{not json")}},
		{name: "read failure", persister: &memPersister{loadErr: errors.New("permission denied")}},
		{name: "null maps", persister: &memPersister{data: []byte(`{"clients":null}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t, tt.persister)

			if diff := cmp.Diff(storage.NewSnapshot(), s.Snapshot()); diff != "" {
				t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
			}

			// the empty shape must accept writes
			if err := s.SaveClient(context.Background(), &storage.Client{ClientID: "c1"}); err != nil {
				t.Errorf("SaveClient() error = %v", err)
			}
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	client := &storage.Client{
		ClientID:                "client-1",
		ClientSecretHash:        "$2a$10$hash",
		ClientIDIssuedAt:        1767268800,
		ClientName:              "Test Client",
		RedirectURIs:            []string{"http://localhost:8080/callback"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_post",
		Scope:                   "read write",
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	reopened := openStore(t, p)
	if diff := cmp.Diff(s.Snapshot(), reopened.Snapshot()); diff != "" {
		t.Errorf("reloaded snapshot mismatch (-saved +loaded):\n%s", diff)
	}

	got, err := reopened.GetAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if diff := cmp.Diff(access, got); diff != "" {
		t.Errorf("GetAccessToken() mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_DocumentLayout(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	access, refresh := testPair("client-1", "1", time.Unix(1767272400, 0))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	var doc map[string]map[string]map[string]any
	if err := json.Unmarshal(p.data, &doc); err != nil {
		t.Fatalf("persisted snapshot is not JSON: %v", err)
	}
	for _, key := range []string{"clients", "access_tokens", "refresh_tokens"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("persisted snapshot missing %q", key)
		}
	}

	at := doc["access_tokens"]["access-1"]
	if at["client_id"] != "client-1" || at["user"] != "alice@example.com" || at["expires_at"] != float64(1767272400) {
		t.Errorf("access token entry = %v", at)
	}
	if _, ok := doc["refresh_tokens"]["refresh-1"]["expires_at"]; ok {
		t.Error("refresh tokens must not carry an expiry")
	}
	if !strings.Contains(string(p.data), "\n  \"access_tokens\"") {
		t.Error("snapshot should be indented with two spaces")
	}
}

func TestStore_Encryption(t *testing.T) {
	ctx := context.Background()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	p := &memPersister{}
	s, err := Open(ctx, Config{Persister: p, Encryptor: enc})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	if strings.Contains(string(p.data), "access-1") {
		t.Error("encrypted snapshot leaks token values")
	}

	reopened, err := Open(ctx, Config{Persister: p, Encryptor: enc})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := reopened.GetAccessToken(ctx, "access-1"); err != nil {
		t.Errorf("GetAccessToken() after reopen error = %v", err)
	}

	otherKey, _ := security.GenerateKey()
	otherEnc, _ := security.NewEncryptor(otherKey)
	wrongKey, err := Open(ctx, Config{Persister: p, Encryptor: otherEnc})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(wrongKey.Snapshot().AccessTokens) != 0 {
		t.Error("snapshot sealed with another key should load as empty")
	}
}

func TestStore_SaveClient(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	if err := s.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient() without ID should fail")
	}
	if err := s.SaveClient(ctx, &storage.Client{ClientID: "c1"}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.SaveClient(ctx, &storage.Client{ClientID: "c1"}); err == nil {
		t.Error("SaveClient() must not overwrite a registered client")
	}

	p.setFailSave(true)
	if err := s.SaveClient(ctx, &storage.Client{ClientID: "c2"}); err == nil {
		t.Fatal("SaveClient() should report persist failure")
	}
	if _, err := s.GetClient(ctx, "c2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient() after failed save error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestStore_SaveTokenPair_PersistFailure(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{failSave: true}
	s := openStore(t, p)

	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err == nil {
		t.Fatal("SaveTokenPair() should fail when the snapshot cannot be saved")
	}

	if _, err := s.GetAccessToken(ctx, access.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessToken() error = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := s.GetRefreshToken(ctx, refresh.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRefreshToken() error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestStore_GetAccessToken_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	p := &memPersister{}
	s := openStore(t, p)
	s.SetClock(clock.Now)

	access, refresh := testPair("client-1", "1", clock.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := s.GetAccessToken(ctx, access.Token); err != nil {
		t.Fatalf("GetAccessToken() at expires_at error = %v", err)
	}

	saves := p.saves.Load()
	clock.Advance(time.Second)
	if _, err := s.GetAccessToken(ctx, access.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetAccessToken() after expiry error = %v, want %v", err, storage.ErrNotFound)
	}
	if p.saves.Load() != saves+1 {
		t.Error("eviction of an expired token should be persisted")
	}
	if _, ok := s.Snapshot().AccessTokens[access.Token]; ok {
		t.Error("expired token should be removed from the store")
	}
	if _, err := s.GetRefreshToken(ctx, refresh.Token); err != nil {
		t.Errorf("refresh token should outlive the access token, got %v", err)
	}
}

func TestStore_RotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	newAccess, newRefresh := testPair("client-1", "2", time.Now().Add(time.Hour))
	if err := s.RotateRefreshToken(ctx, "other-client", refresh.Token, newAccess, newRefresh); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("RotateRefreshToken() by another client error = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := s.GetRefreshToken(ctx, refresh.Token); err != nil {
		t.Fatalf("refresh token must survive a mismatched rotation, got %v", err)
	}

	if err := s.RotateRefreshToken(ctx, "client-1", refresh.Token, newAccess, newRefresh); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, refresh.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old refresh token error = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := s.GetRefreshToken(ctx, newRefresh.Token); err != nil {
		t.Errorf("new refresh token error = %v", err)
	}

	again, againRefresh := testPair("client-1", "3", time.Now().Add(time.Hour))
	if err := s.RotateRefreshToken(ctx, "client-1", refresh.Token, again, againRefresh); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second rotation error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestStore_RotateRefreshToken_PersistFailure(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}
	before := s.Snapshot()

	p.setFailSave(true)
	newAccess, newRefresh := testPair("client-1", "2", time.Now().Add(time.Hour))
	if err := s.RotateRefreshToken(ctx, "client-1", refresh.Token, newAccess, newRefresh); err == nil {
		t.Fatal("RotateRefreshToken() should fail when the snapshot cannot be saved")
	}

	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("failed rotation changed the store (-before +after):\n%s", diff)
	}
}

func TestStore_RevokeToken_PersistFailure(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}
	before := s.Snapshot()

	p.setFailSave(true)
	for _, tok := range []string{access.Token, refresh.Token} {
		if err := s.RevokeToken(ctx, tok); err == nil {
			t.Errorf("RevokeToken(%q) should fail when the snapshot cannot be saved", tok)
		}
	}

	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("failed revocation changed the store (-before +after):\n%s", diff)
	}

	// Memory and disk must agree after a restart.
	p.setFailSave(false)
	reopened := openStore(t, p)
	if _, err := reopened.GetRefreshToken(ctx, refresh.Token); err != nil {
		t.Errorf("GetRefreshToken() after reopen error = %v", err)
	}
	if err := reopened.RevokeToken(ctx, refresh.Token); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := openStore(t, p).GetRefreshToken(ctx, refresh.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("revoked refresh token after reopen error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestStore_RotateRefreshToken_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})

	access, refresh := testPair("client-1", "seed", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, r := testPair("client-1", fmt.Sprintf("n%d", i), time.Now().Add(time.Hour))
			if err := s.RotateRefreshToken(ctx, "client-1", refresh.Token, a, r); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful rotations = %d, want 1", got)
	}
}

func TestStore_RevokeToken(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	access, refresh := testPair("client-1", "1", time.Now().Add(time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	for _, tok := range []string{access.Token, access.Token, refresh.Token, "never-issued"} {
		if err := s.RevokeToken(ctx, tok); err != nil {
			t.Errorf("RevokeToken(%q) error = %v", tok, err)
		}
	}

	if diff := cmp.Diff(storage.NewSnapshot(), s.Snapshot()); diff != "" {
		t.Errorf("store after revocation (-want +got):\n%s", diff)
	}

	saves := p.saves.Load()
	if err := s.RevokeToken(ctx, "never-issued"); err != nil {
		t.Errorf("RevokeToken() error = %v", err)
	}
	if p.saves.Load() != saves {
		t.Error("revoking an unknown token should not rewrite the snapshot")
	}
}
