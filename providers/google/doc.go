// Package google implements providers.Provider for Google's OpenID Connect
// login.
//
// The authorization URL always requests the openid, email and profile scopes
// with access_type=offline and prompt=consent. Code exchange posts the client
// credentials as form fields to Google's token endpoint, and the ID token from
// the response is verified by an oidc.Validator bound to Google's issuer and key
// set, with this server's Google client ID as the required audience.
//
//	provider, err := google.NewProvider(&google.Config{
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	    RedirectURL:  "https://mcp.example.com" + google.CallbackPath,
//	})
package google
