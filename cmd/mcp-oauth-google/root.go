package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MCP_OAUTH"

// newRootCmd builds the command tree. Every flag can also be set through the
// environment as MCP_OAUTH_<FLAG> with dashes turned into underscores, or in
// the .env file named by --env-file.
func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:          "mcp-oauth-google",
		Short:        "MCP server behind a Google-federated OAuth 2.0 authorization server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(v.GetString("env-file")); err != nil {
				return err
			}
			logger, err := newLogger(v.GetString("log-level"), v.GetString("log-format"), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("env-file", ".env", "Path to an optional .env file")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("failed to bind flags: %v", err))
	}

	bindEnv(v)

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newGenerateKeyCmd())

	return rootCmd
}

// bindEnv makes every key readable from MCP_OAUTH_<KEY> with dashes turned
// into underscores.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a random base64 key for --encryption-key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := generateEncryptionKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}
