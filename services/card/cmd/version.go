package cmd

import (
	"example.com/memorix/pkg/buildinfo"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		buildinfo.Print(cmd.OutOrStdout(), "Card Service")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
