// Package dist builds reproducible source archives for releases. The same
// tree always produces the same bytes: entries are sorted, timestamps and
// ownership are normalized and the file modes are reduced to executable or
// not.
package dist

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"
)

// Compression selects the stream compressor for the tar archive.
type Compression string

const (
	Gzip   Compression = "gz"
	Xz     Compression = "xz"
	Brotli Compression = "br"
)

// DefaultExcludes are directory and file names that never belong in a
// source archive.
var DefaultExcludes = []string{
	".git", ".tools", ".venv", "build", "dist", "htmlcov",
	"__pycache__", ".pytest_cache", ".mypy_cache", ".ruff_cache",
}

// Options controls the archive layout.
type Options struct {
	// Prefix is the top-level directory inside the archive, usually
	// name-version.
	Prefix string
	// Compression defaults to Gzip.
	Compression Compression
	// Excludes replaces DefaultExcludes when set.
	Excludes []string
}

var archiveEpoch = time.Unix(0, 0).UTC()

func excluded(name string, excludes []string) bool {
	for _, entry := range excludes {
		if name == entry {
			return true
		}
	}

	return strings.HasSuffix(name, ".pyc") || strings.HasSuffix(name, ".pyo")
}

// collectFiles returns the relative paths of all files below root that
// survive the exclude list, sorted for reproducibility.
func collectFiles(root string, excludes []string) ([]string, error) {
	files := make([]string, 0)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		if excluded(entry.Name(), excludes) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to walk %s", root)
	}

	sort.Strings(files)
	return files, nil
}

func newCompressor(w io.Writer, compression Compression) (io.WriteCloser, error) {
	switch compression {
	case "", Gzip:
		return gzip.NewWriter(w), nil
	case Xz:
		return xz.NewWriter(w)
	case Brotli:
		return brotli.NewWriter(w), nil
	}

	return nil, eris.Errorf("unsupported compression %s", compression)
}

// Create writes the source archive for the tree below root to outPath.
func Create(outPath, root string, opts Options) error {
	excludes := opts.Excludes
	if excludes == nil {
		excludes = DefaultExcludes
	}

	files, err := collectFiles(root, excludes)
	if err != nil {
		return err
	}

	handle, err := os.Create(outPath)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", outPath)
	}
	defer handle.Close()

	compressor, err := newCompressor(handle, opts.Compression)
	if err != nil {
		return err
	}

	writer := tar.NewWriter(compressor)
	buf := make([]byte, 4096)

	for _, rel := range files {
		path := filepath.Join(root, rel)
		info, err := os.Stat(path)
		if err != nil {
			return eris.Wrapf(err, "failed to check %s", path)
		}

		mode := int64(0o644)
		if info.Mode()&0o100 != 0 {
			mode = 0o755
		}

		name := filepath.ToSlash(rel)
		if opts.Prefix != "" {
			name = opts.Prefix + "/" + name
		}

		err = writer.WriteHeader(&tar.Header{
			Name:    name,
			Size:    info.Size(),
			Mode:    mode,
			ModTime: archiveEpoch,
			Format:  tar.FormatPAX,
		})
		if err != nil {
			return eris.Wrapf(err, "failed to write header for %s", rel)
		}

		source, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "failed to open %s", path)
		}

		_, err = io.CopyBuffer(writer, source, buf)
		source.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to archive %s", rel)
		}
	}

	err = writer.Close()
	if err != nil {
		return eris.Wrap(err, "failed to finalize archive")
	}

	err = compressor.Close()
	if err != nil {
		return eris.Wrap(err, "failed to flush compressor")
	}

	return nil
}
