// Package lockfile reads pdm lock files and exports them to the legacy
// requirements format understood by pip and older deployment tooling.
package lockfile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rotisserie/eris"
)

// Metadata mirrors the [metadata] table of a pdm lock file. Older lock
// versions keep the artifact hashes in a [metadata.files] table keyed by
// "name version" instead of per-package files arrays.
type Metadata struct {
	Groups      []string               `toml:"groups"`
	Strategy    []string               `toml:"strategy"`
	LockVersion string                 `toml:"lock_version"`
	ContentHash string                 `toml:"content_hash"`
	Files       map[string][]FileEntry `toml:"files"`
}

// FileEntry is one distribution artifact of a locked package.
type FileEntry struct {
	File string `toml:"file"`
	Hash string `toml:"hash"`
}

// Package mirrors a [[package]] entry.
type Package struct {
	Name           string      `toml:"name"`
	Version        string      `toml:"version"`
	RequiresPython string      `toml:"requires_python"`
	Editable       bool        `toml:"editable"`
	Path           string      `toml:"path"`
	Marker         string      `toml:"marker"`
	Summary        string      `toml:"summary"`
	Groups         []string    `toml:"groups"`
	Dependencies   []string    `toml:"dependencies"`
	Files          []FileEntry `toml:"files"`
}

// Lockfile is a parsed pdm.lock document.
type Lockfile struct {
	Metadata Metadata  `toml:"metadata"`
	Packages []Package `toml:"package"`
}

// Parse decodes a lock file from memory.
func Parse(data []byte) (*Lockfile, error) {
	var lock Lockfile
	err := toml.Unmarshal(data, &lock)
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse lock file")
	}

	if lock.Metadata.LockVersion == "" && len(lock.Packages) == 0 {
		return nil, eris.New("document contains neither metadata nor packages, this is probably not a pdm lock file")
	}

	return &lock, nil
}

// Load reads and decodes the lock file at the given path.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	lock, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}
	return lock, nil
}

// ExportOptions controls the requirements output.
type ExportOptions struct {
	// Groups limits the export to packages that belong to one of the named
	// dependency groups. Empty means every package.
	Groups []string
	// WithHashes emits --hash lines for every artifact of a package.
	WithHashes bool
}

func (o ExportOptions) matchesGroups(pkg Package) bool {
	if len(o.Groups) == 0 || len(pkg.Groups) == 0 {
		return true
	}

	for _, want := range o.Groups {
		for _, have := range pkg.Groups {
			if want == have {
				return true
			}
		}
	}
	return false
}

// packageFiles returns the artifact list of a package, falling back to the
// [metadata.files] table of older lock versions.
func (l *Lockfile) packageFiles(pkg Package) []FileEntry {
	if len(pkg.Files) > 0 {
		return pkg.Files
	}

	return l.Metadata.Files[pkg.Name+" "+pkg.Version]
}

// ExportRequirements writes the locked packages in requirements format,
// sorted by package name. Editable and path-based packages cannot be pinned
// and are returned in the skipped list instead.
func (l *Lockfile) ExportRequirements(w io.Writer, opts ExportOptions) ([]string, error) {
	packages := make([]Package, 0, len(l.Packages))
	skipped := make([]string, 0)

	for _, pkg := range l.Packages {
		if !opts.matchesGroups(pkg) {
			continue
		}

		if pkg.Editable || pkg.Path != "" {
			skipped = append(skipped, pkg.Name)
			continue
		}

		if pkg.Name == "" || pkg.Version == "" {
			return skipped, eris.Errorf("package entry %+v is missing a name or version", pkg)
		}

		packages = append(packages, pkg)
	}

	sort.Slice(packages, func(i, j int) bool {
		return packages[i].Name < packages[j].Name
	})

	_, err := fmt.Fprintf(w, "# Generated from pdm.lock (lock version %s). Do not edit manually.\n", l.Metadata.LockVersion)
	if err != nil {
		return skipped, eris.Wrap(err, "failed to write header")
	}

	for _, pkg := range packages {
		line := pkg.Name + "==" + pkg.Version
		if pkg.Marker != "" {
			line += "; " + pkg.Marker
		}

		files := l.packageFiles(pkg)
		hashes := make([]string, 0, len(files))
		if opts.WithHashes {
			for _, file := range files {
				if file.Hash != "" {
					hashes = append(hashes, file.Hash)
				}
			}
			sort.Strings(hashes)
		}

		if len(hashes) > 0 {
			line += " \\"
			for idx, hash := range hashes {
				line += "\n    --hash=" + hash
				if idx < len(hashes)-1 {
					line += " \\"
				}
			}
		}

		_, err = fmt.Fprintln(w, line)
		if err != nil {
			return skipped, eris.Wrapf(err, "failed to write entry for %s", pkg.Name)
		}
	}

	return skipped, nil
}

// Requirements is a convenience wrapper that exports into a string.
func (l *Lockfile) Requirements(opts ExportOptions) (string, []string, error) {
	buffer := strings.Builder{}
	skipped, err := l.ExportRequirements(&buffer, opts)
	if err != nil {
		return "", skipped, err
	}
	return buffer.String(), skipped, nil
}
