package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-time-oauth/internal/app"
	"github.com/giantswarm/mcp-time-oauth/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server and the time MCP server",
		Long: `Run both servers in one process. They share an in-memory token
store and the resource server verifies bearer tokens with a direct lookup.

Examples:
  # Defaults: authorization server on :8000, resource server on :3000
  mcp-time-oauth serve

  # With a config file and JSON logs
  mcp-time-oauth serve -c config.yaml --log-format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, opts, app.ModeAll)
		},
	}
}

func newAuthServerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "authserver",
		Short: "Run only the OAuth 2.0 authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, opts, app.ModeAuthServer)
		},
	}
}

func newResourceServerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resourceserver",
		Short: "Run only the time MCP server",
		Long: `Run only the resource server. Bearer tokens are verified through the
authorization server's introspection endpoint (resource_server.introspection_url,
defaulting to the issuer's /oauth/introspect).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, opts, app.ModeResourceServer)
		},
	}
}

func runMode(cmd *cobra.Command, opts *rootOptions, mode app.Mode) error {
	logger, err := opts.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfg, mode, logger, buildVersion)
	if err != nil {
		return fmt.Errorf("building %s: %w", mode, err)
	}

	logger.Info("Starting mcp-time-oauth", "mode", mode.String(), "version", buildVersion)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("running %s: %w", mode, err)
	}
	logger.Info("Shut down cleanly")
	return nil
}
