package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/suleymangunel/mcp-oauth-google/internal/testutil"
	"github.com/suleymangunel/mcp-oauth-google/storage"
)

const testClientID = "client-1"

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	store := New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)
	return store, clock
}

func testCode(clock *testutil.MockTime, code string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:          code,
		ClientID:      testClientID,
		RedirectURI:   "http://localhost:9000/callback",
		CodeChallenge: "abc",
		Scopes:        []string{"read"},
		ExpiresAt:     clock.Now().Add(300 * time.Second),
	}
}

// ============================================================
// Pending authorizations
// ============================================================

func TestStore_PopPendingAuthorization(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	pending := &storage.PendingAuthorization{
		State:         "provider-state",
		ClientID:      testClientID,
		RedirectURI:   "http://localhost:9000/callback",
		ClientState:   "client-state",
		CodeChallenge: "abc",
		Scopes:        []string{"read", "write"},
		ExpiresAt:     clock.Now().Add(10 * time.Minute),
	}
	if err := store.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	got, err := store.PopPendingAuthorization(ctx, "provider-state")
	if err != nil {
		t.Fatalf("PopPendingAuthorization() error = %v", err)
	}
	if got.ClientState != "client-state" {
		t.Errorf("ClientState = %q, want %q", got.ClientState, "client-state")
	}
	if got.State != "provider-state" {
		t.Errorf("State = %q, want %q", got.State, "provider-state")
	}

	_, err = store.PopPendingAuthorization(ctx, "provider-state")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second PopPendingAuthorization() error = %v, want ErrNotFound", err)
	}
}

func TestStore_PopPendingAuthorization_Unknown(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.PopPendingAuthorization(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("PopPendingAuthorization() error = %v, want ErrNotFound", err)
	}
}

func TestStore_PopPendingAuthorization_Expired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	err := store.SavePendingAuthorization(ctx, &storage.PendingAuthorization{
		State:     "provider-state",
		ClientID:  testClientID,
		ExpiresAt: clock.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	clock.Advance(11 * time.Minute)

	_, err = store.PopPendingAuthorization(ctx, "provider-state")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("PopPendingAuthorization() error = %v, want ErrNotFound", err)
	}
	if pending, _ := store.Len(); pending != 0 {
		t.Errorf("pending count = %d, want 0", pending)
	}
}

func TestStore_SavePendingAuthorization_Invalid(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SavePendingAuthorization(context.Background(), nil); err == nil {
		t.Error("SavePendingAuthorization(nil) should return error")
	}
	if err := store.SavePendingAuthorization(context.Background(), &storage.PendingAuthorization{}); err == nil {
		t.Error("SavePendingAuthorization() without state should return error")
	}
}

func TestStore_PopPendingAuthorization_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	err := store.SavePendingAuthorization(ctx, &storage.PendingAuthorization{
		State:     "raced",
		ClientID:  testClientID,
		ExpiresAt: clock.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.PopPendingAuthorization(ctx, "raced"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful pops = %d, want 1", wins.Load())
	}
}

// ============================================================
// Authorization codes
// ============================================================

func TestStore_GetAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode(clock, "code-1"), "a@example.com"); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.GetAuthorizationCode(ctx, testClientID, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got.CodeChallenge != "abc" {
		t.Errorf("CodeChallenge = %q, want %q", got.CodeChallenge, "abc")
	}

	// lookups do not consume
	if _, err := store.GetAuthorizationCode(ctx, testClientID, "code-1"); err != nil {
		t.Errorf("second GetAuthorizationCode() error = %v", err)
	}
}

func TestStore_GetAuthorizationCode_WrongClient(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode(clock, "code-1"), "a@example.com"); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := store.GetAuthorizationCode(ctx, "other-client", "code-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAuthorizationCode() error = %v, want ErrNotFound", err)
	}

	// a mismatched lookup must not destroy the owner's code
	if _, err := store.GetAuthorizationCode(ctx, testClientID, "code-1"); err != nil {
		t.Errorf("GetAuthorizationCode() by owner error = %v", err)
	}
}

func TestStore_GetAuthorizationCode_ExpiredIsEvicted(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode(clock, "code-1"), "a@example.com"); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	clock.Advance(301 * time.Second)

	_, err := store.GetAuthorizationCode(ctx, testClientID, "code-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAuthorizationCode() error = %v, want ErrNotFound", err)
	}
	if _, codes := store.Len(); codes != 0 {
		t.Errorf("code count = %d, want 0 after eviction", codes)
	}
}

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode(clock, "code-1"), "a@example.com"); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	code, user, err := store.ConsumeAuthorizationCode(ctx, testClientID, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if user != "a@example.com" {
		t.Errorf("user = %q, want %q", user, "a@example.com")
	}
	if code.Code != "code-1" {
		t.Errorf("Code = %q, want %q", code.Code, "code-1")
	}

	_, _, err = store.ConsumeAuthorizationCode(ctx, testClientID, "code-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode(clock, "code-1"), "a@example.com"); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.ConsumeAuthorizationCode(ctx, testClientID, "code-1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumes = %d, want 1", wins.Load())
	}
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveAuthorizationCode(ctx, testCode(clock, "old"), "a@example.com")
	_ = store.SavePendingAuthorization(ctx, &storage.PendingAuthorization{
		State:     "old-state",
		ExpiresAt: clock.Now().Add(time.Minute),
	})

	clock.Advance(10 * time.Minute)
	_ = store.SaveAuthorizationCode(ctx, testCode(clock, "fresh"), "a@example.com")

	store.cleanup()

	pending, codes := store.Len()
	if pending != 0 {
		t.Errorf("pending count = %d, want 0", pending)
	}
	if codes != 1 {
		t.Errorf("code count = %d, want 1", codes)
	}
}
