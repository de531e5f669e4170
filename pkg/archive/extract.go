// Package archive unpacks the archive formats the dependency fetcher has to
// deal with (zip, tar.gz, tar.bz2 and tar.xz).
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// Extractor unpacks the given archive file into destPath, dropping the first
// strip path elements of every entry.
type Extractor func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error

// ForName returns the extractor matching the archive's file name or URL.
func ForName(name string) (Extractor, error) {
	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, destPath, strip)
		}, nil
	case strings.HasSuffix(name, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
			return extractTar(bzip2.NewReader(f), f, bar, destPath, strip)
		}, nil
	case strings.HasSuffix(name, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, destPath, strip)
		}, nil
	}

	return nil, eris.Errorf("archive format of %s not supported", name)
}

// openDest creates the destination file for an archive entry. A nil handle
// with a nil error means the entry resolves to the destination root itself
// and has to be skipped.
func openDest(destPath, item string, strip int) (*os.File, string, error) {
	pathParts := strings.Split(filepath.Clean(item), string(filepath.Separator))
	if strip >= len(pathParts) {
		return nil, "", nil
	}

	dest := filepath.Join(destPath, strings.Join(pathParts[strip:], string(filepath.Separator)))
	if dest == destPath {
		return nil, "", nil
	}

	// refuse entries that escape the destination directory
	if !strings.HasPrefix(dest, destPath+string(filepath.Separator)) {
		return nil, "", eris.Errorf("archive entry %s escapes the destination directory", item)
	}

	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, os.FileMode(0o770))
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

// checkLinkTarget rejects symlink targets that point outside the destination
// directory, the link entry name itself was already checked by openDest.
func checkLinkTarget(destPath, dest, linkname string) error {
	if filepath.IsAbs(linkname) {
		return eris.Errorf("symlink %s has an absolute target %s", dest, linkname)
	}

	target := filepath.Join(filepath.Dir(dest), linkname)
	if target != destPath && !strings.HasPrefix(target, destPath+string(filepath.Separator)) {
		return eris.Errorf("symlink %s target %s escapes the destination directory", dest, linkname)
	}

	return nil
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	reader, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for _, item := range reader.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		destHandle, dest, err := openDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			destHandle.Close()
			return eris.Wrap(err, "failed to open archive entry")
		}

		err = copyEntry(destHandle, itemHandle, f, bar, buf, item.Name, dest)
		itemHandle.Close()
		destHandle.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
	buf := make([]byte, 4096)
	reader := tar.NewReader(r)

	for {
		item, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		destHandle, dest, err := openDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			destHandle.Close()
			err := os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "failed to remove placeholder file %s", dest)
			}

			err = checkLinkTarget(destPath, dest, item.Linkname)
			if err != nil {
				return err
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		os.Chmod(dest, fi.Mode())

		err = copyEntry(destHandle, reader, f, bar, buf, item.Name, dest)
		destHandle.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// copyEntry streams one archive entry to disk while feeding the progress bar
// with the position inside the compressed archive.
func copyEntry(dest *os.File, src io.Reader, f *os.File, bar *progressbar.ProgressBar, buf []byte, name, destName string) error {
	for {
		n, err := src.Read(buf)
		if err != nil && n < 1 {
			if err == io.EOF {
				return nil
			}
			return eris.Wrapf(err, "failed to read archive entry %s", name)
		}

		_, err = dest.Write(buf[:n])
		if err != nil {
			return eris.Wrapf(err, "failed to write extracted file %s", destName)
		}

		if bar != nil {
			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				bar.Set64(pos)
			}
		}
	}
}
