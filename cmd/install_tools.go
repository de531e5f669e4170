package cmd

import (
	"github.com/spf13/cobra"

	"github.com/svenrdz/esg-pull/pkg"
)

var installToolsCmd = &cobra.Command{
	Use:   "install-tools",
	Short: "Installs the Go helper tools",
	Long:  `Installs the Go tools listed in tools.go into the .tools directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pkg.InstallTools()
	},
}

func init() {
	rootCmd.AddCommand(installToolsCmd)
}
