package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-time-oauth/pkce"
	"github.com/giantswarm/mcp-time-oauth/server"
)

func newPKCECmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pkce",
		Short: "Print a PKCE code verifier and its S256 challenge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verifier := pkce.NewVerifier()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "code_verifier=%s\n", verifier)
			fmt.Fprintf(out, "code_challenge=%s\n", pkce.ChallengeFrom(verifier))
			fmt.Fprintf(out, "code_challenge_method=%s\n", pkce.MethodS256)
			return nil
		},
	}
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a client secret for the clients section of the config",
		Long: `Hash a client secret with bcrypt. The secret is read from the first
argument, or from the first line of standard input when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, args)
			if err != nil {
				return err
			}
			hash, err := server.HashClientSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readSecret(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no secret given on the command line or standard input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mcp-time-oauth", buildVersion)
		},
	}
}
