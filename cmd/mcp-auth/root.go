package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-auth",
		Short: "OAuth 2.1 authorization server and MCP integration broker",
		Long: `mcp-auth issues bearer credentials to MCP clients through the OAuth 2.1
authorization code flow with PKCE, and connects tenants to third-party MCP
servers on their behalf.

Configuration comes from flags, MCP_AUTH_* environment variables and an
optional YAML file (--config).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	cmd.AddCommand(
		newServeCmd(opts),
		newTenantCmd(opts),
		newKeygenCmd(),
		newVersionCmd(),
	)

	return cmd
}

// loadViper builds the config source for a command and binds its flags
func loadViper(cmd *cobra.Command, opts *rootOptions, bindings map[string]string) (*viper.Viper, error) {
	v, err := newViper(opts.configFile)
	if err != nil {
		return nil, err
	}

	bindings["log.level"] = "log-level"
	bindings["log.format"] = "log-format"
	for key, flag := range bindings {
		f := cmd.Flag(flag)
		if f == nil {
			return nil, fmt.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return v, nil
}

func newLogger(w io.Writer, cfg logConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
