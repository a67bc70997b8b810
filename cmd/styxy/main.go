// Package main is the entry point for the styxy daemon.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "styxy",
	Short: "Local TCP port coordination daemon",
	Long: `styxy coordinates TCP port usage between development tools on one
machine. Tools ask the daemon for a port instead of guessing; the daemon
hands out conflict-free ports from per-service-type ranges, tracks who
holds what, and cleans up after processes that die without releasing.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"daemon config file path (YAML or TOML; default: built-in defaults)")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
