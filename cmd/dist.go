package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/svenrdz/esg-pull/pkg"
	"github.com/svenrdz/esg-pull/pkg/dist"
)

var distCmd = &cobra.Command{
	Use:   "dist",
	Short: "Builds a reproducible source archive",
	Long: `Packs the project tree into a compressed tar archive. Build artifacts,
caches and VCS metadata are left out and the result is reproducible, the same
tree always yields the same bytes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		compression, err := cmd.Flags().GetString("compression")
		if err != nil {
			return err
		}
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		prefix, err := cmd.Flags().GetString("prefix")
		if err != nil {
			return err
		}

		if prefix == "" {
			prefix, err = projectPrefix(root)
			if err != nil {
				return err
			}
		}

		if output == "" {
			output = filepath.Join(root, "dist", fmt.Sprintf("%s.tar.%s", prefix, compression))
		}

		err = os.MkdirAll(filepath.Dir(output), os.FileMode(0o770))
		if err != nil {
			return eris.Wrapf(err, "failed to create %s", filepath.Dir(output))
		}

		pkg.PrintTask("Packing " + output)
		err = dist.Create(output, root, dist.Options{
			Prefix:      prefix,
			Compression: dist.Compression(compression),
		})
		if err != nil {
			return err
		}

		pkg.PrintTask("Done")
		return nil
	},
}

type pyproject struct {
	Project struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"project"`
}

// projectPrefix derives the name-version archive prefix from the [project]
// table of pyproject.toml.
func projectPrefix(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "pyproject.toml"))
	if err != nil {
		return "", eris.Wrap(err, "failed to read pyproject.toml, use --prefix instead")
	}

	var doc pyproject
	err = toml.Unmarshal(data, &doc)
	if err != nil {
		return "", eris.Wrap(err, "failed to parse pyproject.toml")
	}

	if doc.Project.Name == "" || doc.Project.Version == "" {
		return "", eris.New("pyproject.toml doesn't declare name and version, use --prefix instead")
	}

	return doc.Project.Name + "-" + doc.Project.Version, nil
}

func init() {
	rootCmd.AddCommand(distCmd)
	distCmd.Flags().StringP("output", "o", "", "destination file, defaults to dist/<name>-<version>.tar.<ext>")
	distCmd.Flags().StringP("compression", "c", "gz", "compression to use (gz, xz or br)")
	distCmd.Flags().String("prefix", "", "top-level directory inside the archive")
}
