// Package providers defines the upstream identity provider interface used by the
// authorization server.
//
// A Provider builds the browser redirect to the provider's login page, exchanges
// the provider's authorization code for a token set, and verifies the identity
// assertion (ID token) inside that set.
//
// Implementations are provided in subpackages:
//   - providers/google: Google OpenID Connect
//   - providers/oidc: JWKS-backed ID token verification shared by OIDC providers
//   - providers/mock: function-field mock for tests
package providers
