// Package main is the entry point for mcp-time-oauth.
package main

import (
	"os"

	"github.com/giantswarm/mcp-time-oauth/cmd/mcp-time-oauth/cmd"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd.SetVersion(version)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
