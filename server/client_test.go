package server

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func TestServer_RegisterClient(t *testing.T) {
	tests := []struct {
		name           string
		reg            *ClientRegistration
		wantErr        error
		wantAuthMethod string
		wantScope      string
		wantSecret     bool
	}{
		{
			name: "defaults to confidential client_secret_post",
			reg: &ClientRegistration{
				RedirectURIs: []string{"https://app.example.com/callback"},
				ClientName:   "App",
			},
			wantAuthMethod: TokenEndpointAuthMethodPost,
			wantScope:      "read",
			wantSecret:     true,
		},
		{
			name: "public client",
			reg: &ClientRegistration{
				RedirectURIs:            []string{"http://127.0.0.1:33418/callback"},
				TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
				Scope:                   "read write",
			},
			wantAuthMethod: TokenEndpointAuthMethodNone,
			wantScope:      "read write",
		},
		{
			name: "basic auth",
			reg: &ClientRegistration{
				RedirectURIs:            []string{"cursor://anysphere.cursor-retrieval/oauth/callback"},
				TokenEndpointAuthMethod: TokenEndpointAuthMethodBasic,
			},
			wantAuthMethod: TokenEndpointAuthMethodBasic,
			wantScope:      "read",
			wantSecret:     true,
		},
		{
			name:    "no redirect URIs",
			reg:     &ClientRegistration{},
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name:    "fragment in redirect URI",
			reg:     &ClientRegistration{RedirectURIs: []string{"https://app.example.com/cb#frag"}},
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name:    "plain http to remote host",
			reg:     &ClientRegistration{RedirectURIs: []string{"http://app.example.com/cb"}},
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name:    "javascript scheme",
			reg:     &ClientRegistration{RedirectURIs: []string{"javascript:alert(1)"}},
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name: "unsupported scope",
			reg: &ClientRegistration{
				RedirectURIs: []string{"https://app.example.com/callback"},
				Scope:        "read admin",
			},
			wantErr: ErrInvalidScope,
		},
		{
			name: "unsupported auth method",
			reg: &ClientRegistration{
				RedirectURIs:            []string{"https://app.example.com/callback"},
				TokenEndpointAuthMethod: "private_key_jwt",
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "implicit grant",
			reg: &ClientRegistration{
				RedirectURIs: []string{"https://app.example.com/callback"},
				GrantTypes:   []string{"implicit"},
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "token response type",
			reg: &ClientRegistration{
				RedirectURIs:  []string{"https://app.example.com/callback"},
				ResponseTypes: []string{"token"},
			},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			client, secret, err := env.server.RegisterClient(context.Background(), tt.reg, "10.0.0.1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RegisterClient() error = %v, want %v", err, tt.wantErr)
				}
				if n := len(env.tokens.Snapshot().Clients); n != 0 {
					t.Errorf("clients stored after rejection = %d, want 0", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("RegisterClient() error = %v", err)
			}

			if _, err := uuid.Parse(client.ClientID); err != nil {
				t.Errorf("ClientID %q is not a UUID: %v", client.ClientID, err)
			}
			if client.TokenEndpointAuthMethod != tt.wantAuthMethod {
				t.Errorf("TokenEndpointAuthMethod = %q, want %q", client.TokenEndpointAuthMethod, tt.wantAuthMethod)
			}
			if client.Scope != tt.wantScope {
				t.Errorf("Scope = %q, want %q", client.Scope, tt.wantScope)
			}
			if client.ClientIDIssuedAt != env.clock.Now().Unix() {
				t.Errorf("ClientIDIssuedAt = %d, want %d", client.ClientIDIssuedAt, env.clock.Now().Unix())
			}
			if len(client.GrantTypes) != 2 || len(client.ResponseTypes) != 1 {
				t.Errorf("GrantTypes = %v, ResponseTypes = %v", client.GrantTypes, client.ResponseTypes)
			}

			if (secret != "") != tt.wantSecret {
				t.Fatalf("secret returned = %v, want %v", secret != "", tt.wantSecret)
			}
			if tt.wantSecret {
				if client.ClientSecretHash == secret {
					t.Error("secret stored in plain text")
				}
				if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
					t.Errorf("stored hash does not match secret: %v", err)
				}
			}

			stored, err := env.server.GetClient(context.Background(), client.ClientID)
			if err != nil {
				t.Fatalf("GetClient() error = %v", err)
			}
			if stored.ClientName != tt.reg.ClientName {
				t.Errorf("ClientName = %q, want %q", stored.ClientName, tt.reg.ClientName)
			}
		})
	}
}

func TestServer_RegisterClient_PersistFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.persister.setFailSave(true)

	_, _, err := env.server.RegisterClient(context.Background(), &ClientRegistration{
		RedirectURIs: []string{"https://app.example.com/callback"},
	}, "")
	if err == nil {
		t.Fatal("RegisterClient() expected error when the store cannot persist")
	}
	if n := len(env.tokens.Snapshot().Clients); n != 0 {
		t.Errorf("clients kept after failed save = %d, want 0", n)
	}
}

func TestServer_AuthenticateClient(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	confidential, secret, err := env.server.RegisterClient(ctx, &ClientRegistration{
		RedirectURIs: []string{"https://app.example.com/callback"},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	public := env.registerPublicClient(t, "http://localhost:8080/callback")

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "confidential with secret", clientID: confidential.ClientID, secret: secret},
		{name: "confidential wrong secret", clientID: confidential.ClientID, secret: "wrong", wantErr: true},
		{name: "confidential no secret", clientID: confidential.ClientID, wantErr: true},
		{name: "public without secret", clientID: public.ClientID},
		{name: "unknown client", clientID: "unknown", secret: secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := env.server.AuthenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidClient) {
					t.Errorf("AuthenticateClient() error = %v, want %v", err, ErrInvalidClient)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthenticateClient() error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}
