package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the gateway observer address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands.
	outputFormat string
)

// rootCmd is the top-level cobra command for gt06ctl.
var rootCmd = &cobra.Command{
	Use:   "gt06ctl",
	Short: "CLI client for the gt06d gateway",
	Long:  "gt06ctl connects to the gt06d observer websocket to stream device updates or inject synthetic ones.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8081",
		"gt06d observer address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text",
		"output format: text, json, yaml")

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(injectCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
