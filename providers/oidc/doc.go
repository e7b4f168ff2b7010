// Package oidc verifies OpenID Connect ID tokens against a provider's published
// JSON Web Key Set.
//
// A Validator fetches the key set lazily, caches it for an hour and refetches
// once when a token names a key it has not seen, which covers key rotation.
// Verification is RS256 only, with exact issuer and single-audience matching, a
// mandatory expiry, and email_verified required to be true.
//
//	v, err := oidc.NewValidator(&oidc.Config{Audience: googleClientID})
//	if err != nil {
//	    return err
//	}
//	user, err := v.Verify(ctx, idToken)
//	if errors.Is(err, oidc.ErrUnverifiedEmail) {
//	    // reject the login
//	}
package oidc
