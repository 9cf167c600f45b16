// Package main is the compute party CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "compute-party",
		Short: "Heartbeat-Demo-1 privacy-preserving analytics compute party",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "compute-party.toml", "path to the TOML configuration file")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(offlineCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
