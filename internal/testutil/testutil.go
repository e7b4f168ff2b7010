package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// GoogleIssuer is the issuer value Google puts in its ID tokens.
const GoogleIssuer = "https://accounts.google.com"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// IdentityProvider is a fake OIDC identity provider: it signs ID tokens with an
// RSA key and publishes the matching JWKS document over HTTP.
type IdentityProvider struct {
	Audience string
	KeyID    string

	// JWKSFetches counts requests served by the JWKS endpoint.
	JWKSFetches atomic.Int32

	mu        sync.Mutex
	key       *rsa.PrivateKey
	published []byte
	failJWKS  bool

	server *httptest.Server
}

// NewIdentityProvider starts a JWKS server publishing a single fresh key.
// The server is closed when the test ends.
func NewIdentityProvider(t *testing.T, audience string) *IdentityProvider {
	t.Helper()

	p := &IdentityProvider{Audience: audience}
	p.RotateKey(t, "test-key-1")

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p.JWKSFetches.Add(1)

		p.mu.Lock()
		body, fail := p.published, p.failJWKS
		p.mu.Unlock()

		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(p.server.Close)

	return p
}

// JWKSURL returns the URL of the published key set.
func (p *IdentityProvider) JWKSURL() string {
	return p.server.URL
}

// RotateKey replaces the signing key and the published key set.
func (p *IdentityProvider) RotateKey(t *testing.T, kid string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	published, err := encodeKeySet(&key.PublicKey, kid)
	if err != nil {
		t.Fatalf("Failed to encode key set: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.KeyID = kid
	p.published = published
}

// SetJWKSFailure makes the JWKS endpoint answer 503 while fail is true.
func (p *IdentityProvider) SetJWKSFailure(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failJWKS = fail
}

// Claims returns a valid claim set for email, issued at now and expiring an hour later.
func (p *IdentityProvider) Claims(email string, verified bool, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            GoogleIssuer,
		"aud":            p.Audience,
		"sub":            "1098765432100",
		"email":          email,
		"email_verified": verified,
		"name":           "Test User",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

// SignIDToken signs claims with the current key, setting its kid in the header.
func (p *IdentityProvider) SignIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	p.mu.Lock()
	key, kid := p.key, p.KeyID
	p.mu.Unlock()

	return signRS256(t, key, kid, claims)
}

// SignWithUnpublishedKey signs claims with a key that is not in the key set.
func (p *IdentityProvider) SignWithUnpublishedKey(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return signRS256(t, key, kid, claims)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func encodeKeySet(pub *rsa.PublicKey, kid string) ([]byte, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
