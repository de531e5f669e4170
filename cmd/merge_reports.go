package cmd

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var mergeLintReportsCmd = &cobra.Command{
	Use:   "merge-lint-reports <output file> <input files...>",
	Short: "Merges several JSON lint reports into a single file",
	Long: `Merges the JSON reports produced by separate lint runs (ruff and mypy emit
one report per invocation) into a single array so other tools only have to
read one file.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		merged, err := mergeReports(args[1:])
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return eris.Wrap(err, "failed to encode output")
		}

		err = os.WriteFile(args[0], data, os.FileMode(0o660))
		if err != nil {
			return eris.Wrapf(err, "failed to write to %s", args[0])
		}

		return nil
	},
}

func mergeReports(paths []string) ([]interface{}, error) {
	merged := make([]interface{}, 0)
	for _, fpath := range paths {
		data, err := os.ReadFile(fpath)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", fpath)
		}

		var chunk []interface{}
		err = json.Unmarshal(data, &chunk)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to decode %s", fpath)
		}

		merged = append(merged, chunk...)
	}

	// lint runs can finish in any order, keep the output stable
	sort.SliceStable(merged, func(a, b int) bool {
		return reportFilename(merged[a]) < reportFilename(merged[b])
	})

	return merged, nil
}

func reportFilename(entry interface{}) string {
	obj, ok := entry.(map[string]interface{})
	if !ok {
		return ""
	}

	name, _ := obj["filename"].(string)
	return name
}

func init() {
	rootCmd.AddCommand(mergeLintReportsCmd)
}
