package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the response headers every OAuth endpoint carries.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStore marks a response as uncacheable. Token responses must carry it
// (RFC 6749 section 5.1).
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// SecurityHeaders returns middleware applying SetSecurityHeaders.
func SecurityHeaders(serverURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, serverURL)
			next.ServeHTTP(w, r)
		})
	}
}
