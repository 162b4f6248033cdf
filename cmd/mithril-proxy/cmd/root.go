// Package cmd provides the CLI commands for mithril-proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mithril-proxy",
	Short: "mithril-proxy - MCP reverse proxy",
	Long: `mithril-proxy is a reverse proxy for Model Context Protocol (MCP)
servers. Each configured destination is exposed under a URL path prefix and
served over one of three transports:

  GET  /{dest}/sse       legacy SSE stream + POST /{dest}/message
  POST /{dest}/mcp       Streamable HTTP (also GET and DELETE)
  stdio destinations     a local subprocess bridged onto /{dest}/mcp

Configuration:
  Destinations come from a YAML file (DESTINATIONS_CONFIG, default
  config/destinations.yml); per-destination secrets from SECRETS_CONFIG.
  Runtime settings are flat environment variables: LISTEN_ADDR, LOG_FILE,
  AUDIT_LOG_BODIES, MAX_STDIO_CONNECTIONS, MAX_BODY_BYTES,
  RPC_RESPONSE_TIMEOUT_SECONDS, AI_INJECTION_THRESHOLD, ADMIN_PORT,
  PATTERNS_DIR, LOG_LEVEL.

Commands:
  serve       Start the proxy
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
