package dist

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func makeTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "esgpull", "__pycache__"), 0o770))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o770))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\n"), 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(root, "esgpull", "cli.py"), []byte("print()\n"), 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(root, "esgpull", "cli.pyc"), []byte{0}, 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(root, "esgpull", "__pycache__", "cli.pyc"), []byte{0}, 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o660))
	return root
}

func listTar(t *testing.T, r io.Reader) []string {
	t.Helper()

	names := make([]string, 0)
	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	return names
}

func TestCreateGzip(t *testing.T) {
	root := makeTree(t)
	out := filepath.Join(t.TempDir(), "esgpull-1.0.tar.gz")

	err := Create(out, root, Options{Prefix: "esgpull-1.0"})
	require.NoError(t, err)

	handle, err := os.Open(out)
	require.NoError(t, err)
	defer handle.Close()

	gzReader, err := gzip.NewReader(handle)
	require.NoError(t, err)

	names := listTar(t, gzReader)
	assert.Equal(t, []string{
		"esgpull-1.0/esgpull/cli.py",
		"esgpull-1.0/pyproject.toml",
	}, names, "excluded entries must not be archived and order must be stable")
}

func TestCreateXz(t *testing.T) {
	root := makeTree(t)
	out := filepath.Join(t.TempDir(), "out.tar.xz")

	err := Create(out, root, Options{Compression: Xz})
	require.NoError(t, err)

	handle, err := os.Open(out)
	require.NoError(t, err)
	defer handle.Close()

	xzReader, err := xz.NewReader(handle)
	require.NoError(t, err)

	names := listTar(t, xzReader)
	assert.Contains(t, names, "esgpull/cli.py")
}

func TestCreateBrotli(t *testing.T) {
	root := makeTree(t)
	out := filepath.Join(t.TempDir(), "out.tar.br")

	err := Create(out, root, Options{Compression: Brotli})
	require.NoError(t, err)

	handle, err := os.Open(out)
	require.NoError(t, err)
	defer handle.Close()

	names := listTar(t, brotli.NewReader(handle))
	assert.Contains(t, names, "pyproject.toml")
}

func TestCreateUnsupportedCompression(t *testing.T) {
	root := makeTree(t)
	out := filepath.Join(t.TempDir(), "out.tar.zst")

	err := Create(out, root, Options{Compression: "zst"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported compression")
}

func TestCreateReproducible(t *testing.T) {
	root := makeTree(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "a.tar.gz")
	second := filepath.Join(dir, "b.tar.gz")

	require.NoError(t, Create(first, root, Options{Prefix: "p"}))
	require.NoError(t, Create(second, root, Options{Prefix: "p"}))

	firstData, err := os.ReadFile(first)
	require.NoError(t, err)
	secondData, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, firstData, secondData)
}
