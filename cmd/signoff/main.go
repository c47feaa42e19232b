// Signoff records human approval decisions for units of work.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff, an approval registry for units of work.",
	Long: `Signoff tracks approval requests for units of work. Each request starts
pending and is decided exactly once, approved or rejected, by an identified
approver. Decisions are persisted before they become visible.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, requestCmd, approveCmd, rejectCmd, getCmd, listCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
