// Package testutil provides test fixtures shared across packages: a controllable
// clock, PKCE pairs, and a fake OIDC identity provider that signs ID tokens and
// serves the matching JWKS document.
package testutil
