package cmd

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/svenrdz/esg-pull/pkg"
)

// cleanGroups maps the artifact groups to their patterns. Patterns starting
// with **/ match the file or directory name anywhere below the project root,
// everything else is a glob relative to the root.
var cleanGroups = map[string][]string{
	"build": {
		"build",
		"dist",
		"*.egg-info",
		"pip-wheel-metadata",
	},
	"pyc": {
		"**/__pycache__",
		"**/*.pyc",
		"**/*.pyo",
	},
	"test": {
		".coverage",
		"coverage.xml",
		"htmlcov",
		".pytest_cache",
		".mypy_cache",
		".ruff_cache",
		".tox",
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Removes build, bytecode and test artifacts from the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := cmd.Flags().GetStringSlice("groups")
		if err != nil {
			return err
		}

		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		if all {
			groups = make([]string, 0, len(cleanGroups))
			for name := range cleanGroups {
				groups = append(groups, name)
			}
			sort.Strings(groups)
		}

		if len(groups) == 0 {
			return eris.New("nothing to do, pass --groups or --all")
		}

		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		return runCleanGroups(root, groups, dryRun)
	},
}

func runCleanGroups(root string, groups []string, dryRun bool) error {
	for _, group := range groups {
		patterns, ok := cleanGroups[group]
		if !ok {
			return eris.Errorf("unknown clean group %s", group)
		}

		targets, err := resolveCleanPatterns(root, patterns)
		if err != nil {
			return err
		}

		for _, target := range targets {
			pkg.PrintSubtask("Remove " + target)
			if dryRun {
				continue
			}

			err = os.RemoveAll(target)
			if err != nil {
				return eris.Wrapf(err, "failed to remove %s", target)
			}
		}
	}

	return nil
}

func resolveCleanPatterns(root string, patterns []string) ([]string, error) {
	targets := make([]string, 0)
	recursive := make([]string, 0)

	for _, pattern := range patterns {
		if strings.HasPrefix(pattern, "**/") {
			recursive = append(recursive, pattern[3:])
			continue
		}

		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		targets = append(targets, matches...)
	}

	if len(recursive) > 0 {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if path == root {
				return nil
			}

			// never descend into the VCS metadata
			if entry.IsDir() && entry.Name() == ".git" {
				return filepath.SkipDir
			}

			for _, pattern := range recursive {
				matched, err := filepath.Match(pattern, entry.Name())
				if err != nil {
					return eris.Wrapf(err, "failed to match pattern %s", pattern)
				}

				if matched {
					targets = append(targets, path)
					if entry.IsDir() {
						return filepath.SkipDir
					}
					break
				}
			}

			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to walk %s", root)
		}
	}

	sort.Strings(targets)
	return targets, nil
}

func init() {
	cleanCmd.Flags().StringSlice("groups", nil, "artifact groups to remove (build, pyc, test)")
	cleanCmd.Flags().Bool("all", false, "remove the artifacts of every group")
	cleanCmd.Flags().BoolP("dry", "n", false, "only print what would be removed")

	rootCmd.AddCommand(cleanCmd)
}
