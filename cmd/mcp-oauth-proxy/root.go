package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the mcp-oauth-proxy binary.
var rootCmd = &cobra.Command{
	Use:   "mcp-oauth-proxy",
	Short: "OAuth 2.1 authorization proxy for MCP servers",
	Long: `mcp-oauth-proxy bridges MCP clients that expect Dynamic Client
Registration to upstream identity providers that issue fixed OAuth
credentials. It accepts registrations from any client, runs the
authorization code flow with PKCE against the upstream provider using
a single set of credentials, and hands the upstream tokens back to the
client unchanged.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-oauth-proxy version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
