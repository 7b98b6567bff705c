package cmd

import (
	"fmt"

	"fwlink/internal/manifest"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show application version",
	// no config needed
	PersistentPreRunE:  func(cmd *cobra.Command, args []string) error { return nil },
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(manifest.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
