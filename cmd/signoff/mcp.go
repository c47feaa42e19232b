package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/signoff/internal/gateway/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpIdentity string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the approval tools over MCP on stdio",
	Long: `Serve approval tools to an MCP client over stdin/stdout.
Requests and decisions are made as the identity given by --as (or SIGNOFF_IDENTITY).
With a durable store the tools read and write the same database as "signoff serve",
so either side sees the other's requests and decisions. Logs go to stderr.

Example:
  signoff mcp --as alice --config ~/.signoff/config.yaml`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpIdentity, "as", "", "identity used for requests and decisions (or SIGNOFF_IDENTITY env)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	identity := goutils.Env("SIGNOFF_IDENTITY", mcpIdentity)
	if identity == "" {
		return fmt.Errorf("identity is required: use --as or set SIGNOFF_IDENTITY")
	}

	logger := newLogger(debugLogs)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return mcpserver.New(sc.Registry, identity, version, logger).ServeStdio()
}
