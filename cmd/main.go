// Package cmd implements the esgtool CLI which bundles the developer
// workflow for the esg-pull project: the task runner plus a few
// cross-platform helpers the task script relies on.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "esgtool",
	Short: "Build and workflow tools for esg-pull",
	Long: `This command bundles the tools that drive the esg-pull developer workflow.
This includes the task runner, cleanup helpers, dependency download and the
lock file export.`,
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
