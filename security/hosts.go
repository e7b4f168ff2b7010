package security

import (
	"log/slog"
	"net/http"
	"strings"
)

// HostAllowlist rejects requests whose Host header is not one of the allowed
// values. An empty list allows every host.
type HostAllowlist struct {
	allowed map[string]struct{}
	auditor *Auditor
	logger  *slog.Logger
}

// NewHostAllowlist builds an allowlist. Hosts are compared case-insensitively and
// must include the port when the client sends one.
func NewHostAllowlist(hosts []string, auditor *Auditor, logger *slog.Logger) *HostAllowlist {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}
	return &HostAllowlist{allowed: allowed, auditor: auditor, logger: logger}
}

// Allowed reports whether host may be served.
func (a *HostAllowlist) Allowed(host string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	_, ok := a.allowed[strings.ToLower(host)]
	return ok
}

// Middleware answers 421 Misdirected Request for hosts outside the allowlist.
func (a *HostAllowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.Host) {
			a.logger.Warn("Rejected request for unknown host", "host", r.Host)
			a.auditor.LogEvent(Event{
				Type:      EventHostRejected,
				IPAddress: GetClientIP(r, false),
				Details:   map[string]any{"host": r.Host},
			})
			http.Error(w, "Invalid Host header", http.StatusMisdirectedRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}
