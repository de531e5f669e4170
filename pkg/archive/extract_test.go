package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	handle, err := os.Create(path)
	require.NoError(t, err)
	defer handle.Close()

	writer := zip.NewWriter(handle)
	for name, content := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
}

func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	handle, err := os.Create(path)
	require.NoError(t, err)
	defer handle.Close()

	gzWriter := gzip.NewWriter(handle)
	tarWriter := tar.NewWriter(gzWriter)
	for name, content := range entries {
		require.NoError(t, tarWriter.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o660,
			Size: int64(len(content)),
		}))
		_, err = tarWriter.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tarWriter.Close())
	require.NoError(t, gzWriter.Close())
}

func writeTarGzSymlink(t *testing.T, path, name, target string) {
	t.Helper()

	handle, err := os.Create(path)
	require.NoError(t, err)
	defer handle.Close()

	gzWriter := gzip.NewWriter(handle)
	tarWriter := tar.NewWriter(gzWriter)
	require.NoError(t, tarWriter.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeSymlink,
		Linkname: target,
		Mode:     0o770,
	}))
	require.NoError(t, tarWriter.Close())
	require.NoError(t, gzWriter.Close())
}

func TestForNameUnsupported(t *testing.T) {
	_, err := ForName("something.rar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	arPath := filepath.Join(dir, "bundle.zip")
	writeZip(t, arPath, map[string]string{
		"toolchain/bin/compiler":  "#!/bin/sh\n",
		"toolchain/share/LICENSE": "MIT",
	})

	extract, err := ForName(arPath)
	require.NoError(t, err)

	handle, err := os.Open(arPath)
	require.NoError(t, err)
	defer handle.Close()

	dest := filepath.Join(dir, "out")
	require.NoError(t, extract(handle, nil, dest, 1))

	content, err := os.ReadFile(filepath.Join(dest, "bin", "compiler"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(content))

	_, err = os.Stat(filepath.Join(dest, "share", "LICENSE"))
	assert.NoError(t, err)
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	arPath := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, arPath, map[string]string{
		"pkg-1.0/README": "hello",
	})

	extract, err := ForName(arPath)
	require.NoError(t, err)

	handle, err := os.Open(arPath)
	require.NoError(t, err)
	defer handle.Close()

	dest := filepath.Join(dir, "out")
	require.NoError(t, extract(handle, nil, dest, 0))

	content, err := os.ReadFile(filepath.Join(dest, "pkg-1.0", "README"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	arPath := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, arPath, map[string]string{
		"../escape.txt": "nope",
	})

	extract, err := ForName(arPath)
	require.NoError(t, err)

	handle, err := os.Open(arPath)
	require.NoError(t, err)
	defer handle.Close()

	dest := filepath.Join(dir, "out")
	err = extract(handle, nil, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	dir := t.TempDir()
	arPath := filepath.Join(dir, "evil.tar.gz")
	writeTarGzSymlink(t, arPath, "payload/link", "../../outside.txt")

	extract, err := ForName(arPath)
	require.NoError(t, err)

	handle, err := os.Open(arPath)
	require.NoError(t, err)
	defer handle.Close()

	dest := filepath.Join(dir, "out")
	err = extract(handle, nil, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestExtractRejectsAbsoluteSymlink(t *testing.T) {
	dir := t.TempDir()
	arPath := filepath.Join(dir, "evil.tar.gz")
	writeTarGzSymlink(t, arPath, "payload/link", "/etc/passwd")

	extract, err := ForName(arPath)
	require.NoError(t, err)

	handle, err := os.Open(arPath)
	require.NoError(t, err)
	defer handle.Close()

	dest := filepath.Join(dir, "out")
	err = extract(handle, nil, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute target")
}
