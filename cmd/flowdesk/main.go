package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

const version = "0.4.0"

var configPath string

// rootCmd is the base command for the flowdesk CLI
var rootCmd = &cobra.Command{
	Use:   "flowdesk",
	Short: "Signal-driven trade decision and reconciliation engine",
	Long: `flowdesk scores enriched options-flow snapshots, gates entries, manages
exits and keeps its position book reconciled against the broker.

Run without a config file to use paper defaults under ./data.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observ.SetVersion(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.AddCommand(runCmd, cycleCmd, reconcileCmd, tuneCmd, checkCmd)
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
