// Assured MCP server - exposes payment requirements, policy checks, service
// stats and trace verification as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/assured/internal/mcpserver"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/trust"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("ASSURED_API_URL", "http://localhost:8080"),
	}

	if seed := os.Getenv("ASSURED_SEED"); seed != "" {
		b, err := trust.ParseSeed(seed)
		if err == nil {
			cfg.Signer, err = trust.NewSignerFromSeed(b)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid ASSURED_SEED: %v\n", err)
			os.Exit(1)
		}
	}

	if path := os.Getenv("ASSURED_POLICY_FILE"); path != "" {
		p, err := policy.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load policy: %v\n", err)
			os.Exit(1)
		}
		cfg.Policy = p
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
