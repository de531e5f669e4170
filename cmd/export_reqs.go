package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/svenrdz/esg-pull/pkg"
	"github.com/svenrdz/esg-pull/pkg/lockfile"
)

var exportReqsCmd = &cobra.Command{
	Use:   "export-reqs [lockfile]",
	Short: "Exports a pdm.lock file as requirements.txt",
	Long: `Reads a pdm.lock file and writes the pinned dependencies in the legacy
requirements.txt format so that plain pip can install them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lockPath := ""
		if len(args) > 0 {
			lockPath = args[0]
		} else {
			root, err := pkg.GetProjectRoot()
			if err != nil {
				return err
			}
			lockPath = filepath.Join(root, "pdm.lock")
		}

		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		groups, err := cmd.Flags().GetStringSlice("groups")
		if err != nil {
			return err
		}
		noHashes, err := cmd.Flags().GetBool("no-hashes")
		if err != nil {
			return err
		}

		lock, err := lockfile.Load(lockPath)
		if err != nil {
			return err
		}

		out := os.Stdout
		if output != "-" {
			out, err = os.Create(output)
			if err != nil {
				return eris.Wrapf(err, "failed to create %s", output)
			}
			defer out.Close()
		}

		skipped, err := lock.ExportRequirements(out, lockfile.ExportOptions{
			Groups:     groups,
			WithHashes: !noHashes,
		})
		if err != nil {
			return err
		}

		for _, name := range skipped {
			pkg.PrintSubtask(fmt.Sprintf("skipped local package %s", name))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportReqsCmd)
	exportReqsCmd.Flags().StringP("output", "o", "-", "destination file, - writes to stdout")
	exportReqsCmd.Flags().StringSlice("groups", nil, "only export the given dependency groups")
	exportReqsCmd.Flags().Bool("no-hashes", false, "omit the --hash options")
}
