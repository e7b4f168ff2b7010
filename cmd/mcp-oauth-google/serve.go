package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/suleymangunel/mcp-oauth-google"
	"github.com/suleymangunel/mcp-oauth-google/instrumentation"
	"github.com/suleymangunel/mcp-oauth-google/security"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	serverReadHeaderTimeout = 10 * time.Second
	serverIdleTimeout       = 60 * time.Second
	metricsPath             = "/metrics"
	healthPath              = "/healthz"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server and the protected MCP endpoint",
		Long: `Start the OAuth 2.0 authorization server and the MCP endpoint it protects.

Users log in with Google. MCP clients register dynamically, run the
authorization code flow with PKCE and call /mcp with the issued bearer token.

The Google OAuth client must list <base-url>/auth/callback as an authorized
redirect URI.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(v, slog.Default())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, v.GetInt("port"), v.GetDuration("shutdown-timeout"))
		},
	}

	flags := cmd.Flags()
	flags.String("base-url", "", "Public URL of this server, e.g. https://mcp.example.com (required)")
	flags.Int("port", oauth.DefaultPort, "Port to listen on")
	flags.String("google-client-id", "", "Google OAuth client ID (required)")
	flags.String("google-client-secret", "", "Google OAuth client secret (required)")
	flags.String("allowed-emails", "", "Comma-separated Google accounts allowed to log in; empty allows any verified account")
	flags.String("allowed-hosts", "", "Comma-separated Host header values to serve; defaults to the base URL host")
	flags.Duration("access-token-ttl", oauth.DefaultAccessTokenTTL, "Lifetime of issued access tokens")
	flags.String("store-backend", oauth.StoreBackendFile, "Token store backend: file or sqlite")
	flags.String("store-path", oauth.DefaultStorePath, "Token store file or SQLite database path")
	flags.String("encryption-key", "", "Base64 AES-256 key sealing the token store; see generate-key")
	flags.Int("rate-limit", 10, "Requests per second allowed per client IP; 0 disables limiting")
	flags.Int("rate-limit-burst", 20, "Burst size allowed per client IP")
	flags.Bool("trust-proxy", false, "Trust X-Forwarded-For and X-Real-IP for client IPs")
	flags.Bool("audit", true, "Emit security audit log records")
	flags.Bool("metrics", false, "Expose Prometheus metrics on /metrics")
	flags.Duration("shutdown-timeout", 10*time.Second, "Time allowed for in-flight requests on shutdown")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("failed to bind flags: %v", err))
	}

	return cmd
}

// buildConfig maps flags and MCP_OAUTH_* variables onto oauth.Config.
func buildConfig(v *viper.Viper, logger *slog.Logger) (*oauth.Config, error) {
	cfg := &oauth.Config{
		BaseURL: v.GetString("base-url"),
		GoogleAuth: oauth.GoogleAuthConfig{
			ClientID:     v.GetString("google-client-id"),
			ClientSecret: v.GetString("google-client-secret"),
		},
		AccessTokenTTL: v.GetDuration("access-token-ttl"),
		AllowedEmails:  splitList(v.GetString("allowed-emails")),
		AllowedHosts:   splitList(v.GetString("allowed-hosts")),
		Storage: oauth.StorageConfig{
			Backend: v.GetString("store-backend"),
			Path:    v.GetString("store-path"),
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:       v.GetInt("rate-limit"),
			Burst:      v.GetInt("rate-limit-burst"),
			TrustProxy: v.GetBool("trust-proxy"),
		},
		EnableAuditLogging: v.GetBool("audit"),
		Logger:             logger,
	}

	if encoded := v.GetString("encryption-key"); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		cfg.Storage.EncryptionKey = key
	}

	if v.GetBool("metrics") {
		cfg.Instrumentation = instrumentation.Config{
			Enabled:         true,
			ServiceName:     "mcp-oauth-google",
			ServiceVersion:  version,
			MetricsExporter: "prometheus",
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func runServe(ctx context.Context, cfg *oauth.Config, port int, shutdownTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.Logger

	svc, err := oauth.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start authorization server: %w", err)
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Error("Failed to close authorization server", "error", err)
		}
	}()

	router := svc.Handler.Routes()
	router.Handle(oauth.ResourcePath, svc.Handler.ValidateToken(newMCPHandler()))
	router.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if svc.Instrumentation != nil && svc.Instrumentation.MetricsHandler() != nil {
		router.Handle(metricsPath, svc.Instrumentation.MetricsHandler())
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting MCP server",
			"addr", httpServer.Addr,
			"issuer", cfg.BaseURL,
			"mcp_endpoint", strings.TrimSuffix(cfg.BaseURL, "/")+oauth.ResourcePath,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down MCP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func newMCPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(newMCPServer(),
		mcpserver.WithEndpointPath(oauth.ResourcePath),
	)
}

func generateEncryptionKey() (string, error) {
	key, err := security.GenerateKey()
	if err != nil {
		return "", err
	}
	return security.KeyToBase64(key), nil
}
