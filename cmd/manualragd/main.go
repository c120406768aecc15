// Manualragd ingests equipment manuals and answers questions about them.
//
// Usage:
//
//	# Start the API server and ingestion workers
//	manualragd serve --config /etc/manualrag/config.yaml
//
//	# Ingest one manual synchronously
//	manualragd ingest --tenant acme --document pump-manual acme/pump-manual.pdf
//
//	# Ask a question
//	manualragd search --tenant acme "hydraulic pressure too low"
//
// Configuration comes from the YAML file and MANUALRAG_* environment
// variables. See internal/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by all commands.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "manualragd",
		Short: "Equipment manual ingestion and retrieval service",
		Long: `manualragd ingests equipment manuals (PDF and text), embeds their chunks
into a tenant-scoped vector store and answers questions with the most
relevant passages.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/manualrag/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "manualragd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
