package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHostAllowlist_Middleware(t *testing.T) {
	allow := NewHostAllowlist([]string{"mcp.example.com", "mcp.example.com:3000"}, nil, nil)
	h := allow.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		host string
		want int
	}{
		{"mcp.example.com", http.StatusOK},
		{"MCP.example.com:3000", http.StatusOK},
		{"mcp.example.com:8080", http.StatusMisdirectedRequest},
		{"evil.example.net", http.StatusMisdirectedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			r.Host = tt.host
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHostAllowlist_EmptyAllowsAll(t *testing.T) {
	allow := NewHostAllowlist(nil, nil, nil)
	if !allow.Allowed("anything.example") {
		t.Error("empty allowlist should allow every host")
	}
}
