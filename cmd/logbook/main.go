// Command logbook is the command line and daemon front end of the finance
// logbook: it edits the local store, runs sync cycles against the remote
// store, and serves the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "logbook",
	Short: "Offline-first personal finance logbook",
	Long: `logbook records income, expenses and settlements in a local SQLite store
and keeps it in sync with the remote store whenever it is reachable.

Writes never wait for the network: they land locally together with an outbox
entry, and the next sync cycle pushes the outbox before pulling remote changes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
