// Package server implements the authorization server core.
//
// A Server federates user login to an identity provider while acting as a full
// OAuth 2.1 authorization server towards its own clients:
//
//   - Client registration (RFC 7591) with bcrypt-hashed secrets
//   - Authorization code flow with mandatory S256 PKCE
//   - A provider round trip keyed by a server-generated state that is never
//     confused with the client's own state
//   - An optional email allowlist applied to the verified identity
//   - Opaque access and refresh tokens with single-use refresh rotation
//
// Durable state (clients and tokens) lives in a storage.TokenStore. In-flight
// state (pending authorizations and codes) lives in a storage.FlowStore.
//
// Example usage:
//
//	provider, err := google.NewProvider(&google.Config{
//	    ClientID:     clientID,
//	    ClientSecret: clientSecret,
//	    RedirectURL:  "https://mcp.example.com/auth/callback",
//	})
//	tokens, err := durable.Open(ctx, durable.Config{Persister: persister})
//	flows := memory.New()
//
//	srv, err := server.New(provider, tokens, flows, &server.Config{
//	    Issuer:        "https://mcp.example.com",
//	    AllowedEmails: []string{"alice@example.com"},
//	}, logger)
package server
