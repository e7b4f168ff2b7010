// Command mcp-oauth-google serves an MCP endpoint protected by an OAuth 2.0
// authorization server that federates login to Google.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
