// Package cmd provides the mcp-time-oauth command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

var buildVersion = "dev"

// SetVersion sets the version reported by the version command and the MCP server.
func SetVersion(v string) {
	if v != "" {
		buildVersion = v
	}
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "mcp-time-oauth",
		Short: "OAuth 2.0 authorization server and time MCP resource server",
		Long: `mcp-time-oauth runs a minimal OAuth 2.0 authorization server
(authorization code flow with PKCE, refresh tokens, introspection and
revocation) and an MCP server exposing time tools that accepts bearer
tokens issued by it.

Both servers can run in one process sharing a token store, or separately
with the resource server verifying tokens through introspection.`,
		Version:      buildVersion,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "mcp-time-oauth version %s\n" .Version}}`)

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (YAML); environment variables prefixed MCP_TIME_ override it")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text",
		"log format (text, json)")

	root.AddCommand(
		newServeCmd(opts),
		newAuthServerCmd(opts),
		newResourceServerCmd(opts),
		newPKCECmd(),
		newHashSecretCmd(),
		newVersionCmd(),
	)
	return root
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// newLogger builds the process logger from the persistent flags.
func (o *rootOptions) newLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(o.logFormat) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", o.logFormat)
	}
}
