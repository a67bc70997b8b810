package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/styxy-dev/styxy/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the styxy version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("styxy " + version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
