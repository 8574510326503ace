// Relay - multi-session messaging orchestrator
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run many messaging agents behind one HTTP API",
	Long: "relay supervises one automation agent per messaging account, exposes send and broadcast " +
		"operations over HTTP and streams login codes and status changes over a websocket.",
	SilenceUsage: true,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logLevel is adjusted once configuration is loaded.
var logLevel = new(slog.LevelVar)
