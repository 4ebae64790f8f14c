// Package cmd implements the clashctl command line interface.
package cmd

import (
	"github.com/clashctl/clashctl/internal/build"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:   build.Slug,
		Short: "Control plane for a local Clash-compatible proxy engine.",
		Long: `clashctl keeps a locally running Clash-compatible proxy engine up to
date: it regenerates the engine config on a schedule, refreshes geo
databases and rule providers, and manages engine binary updates.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/clashctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(versionCmd())
}
