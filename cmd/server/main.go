package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "fleet-orchestrator",
		Short: "Control plane for a fleet of local AI worker processes",
		Long: `fleet-orchestrator schedules prioritized tasks onto shared CPU, memory,
GPU and VRAM pools, watches worker health and restarts failing workers.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its NATS and HTTP endpoints",
		RunE:  runServe,
	}

	actionCmd = &cobra.Command{
		Use:   "action <name> [json payload]",
		Short: "Send one action to a running orchestrator over NATS",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runAction,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE:  runValidate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default ./config/config.yaml when present)")
	rootCmd.AddCommand(serveCmd, actionCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
