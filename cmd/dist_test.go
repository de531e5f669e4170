package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePyproject(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte(content), 0o660))
}

func TestProjectPrefix(t *testing.T) {
	root := t.TempDir()
	writePyproject(t, root, `
[project]
name = "esgpull"
version = "0.4.1"
`)

	prefix, err := projectPrefix(root)
	require.NoError(t, err)
	assert.Equal(t, "esgpull-0.4.1", prefix)
}

func TestProjectPrefixIgnoresOtherTables(t *testing.T) {
	root := t.TempDir()
	// name keys in other tables must not leak into the prefix
	writePyproject(t, root, `
[tool.pdm.scripts]
name = "helper-script"
version = "9.9"

[project]
name = "esgpull"
version = "1.0"
`)

	prefix, err := projectPrefix(root)
	require.NoError(t, err)
	assert.Equal(t, "esgpull-1.0", prefix)
}

func TestProjectPrefixMissingProject(t *testing.T) {
	root := t.TempDir()
	writePyproject(t, root, `
[build-system]
requires = ["pdm-backend"]
`)

	_, err := projectPrefix(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--prefix")
}
