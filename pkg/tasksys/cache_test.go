package tasksys

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "tasks.cache")

	options := map[string]string{"compiler": "nim"}
	tasks := TaskList{
		"lint": {
			Short: "lint",
			Desc:  "Run the linters",
			Base:  dir,
			Deps:  []string{"install"},
			Env:   map[string]string{"CHECK": "strict"},
			Clean: []string{".ruff_cache"},
			Cmds: []TaskCmd{
				TaskCmdScript{TaskName: "lint", Content: "ruff check ."},
			},
		},
	}

	require.NoError(t, WriteCache(cacheFile, options, tasks))

	gotOptions, gotTasks, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.Equal(t, options, gotOptions)
	require.Contains(t, gotTasks, "lint")
	assert.Equal(t, tasks["lint"].Desc, gotTasks["lint"].Desc)
	assert.Equal(t, tasks["lint"].Clean, gotTasks["lint"].Clean)
	require.Len(t, gotTasks["lint"].Cmds, 1)
}

func TestLoadCacheValid(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "tasks.cache")
	script := filepath.Join(dir, ScriptName)
	require.NoError(t, os.WriteFile(script, []byte("def configure():\n    pass\n"), 0o660))

	options := map[string]string{"flavor": "full"}
	require.NoError(t, WriteCache(cacheFile, options, TaskList{"noop": {Short: "noop"}}))

	// make sure the script is older than the cache
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(script, past, past))

	tasks, err := LoadCache(cacheFile, script, options)
	require.NoError(t, err)
	require.NotNil(t, tasks)
	assert.Contains(t, tasks, "noop")
}

func TestLoadCacheMissing(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, ScriptName)
	require.NoError(t, os.WriteFile(script, []byte(""), 0o660))

	tasks, err := LoadCache(filepath.Join(dir, "tasks.cache"), script, nil)
	require.NoError(t, err)
	assert.Nil(t, tasks)
}

func TestLoadCacheStaleScript(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "tasks.cache")
	script := filepath.Join(dir, ScriptName)
	require.NoError(t, os.WriteFile(script, []byte(""), 0o660))

	require.NoError(t, WriteCache(cacheFile, nil, TaskList{"noop": {Short: "noop"}}))

	// a script edit after the cache was written invalidates it
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(script, future, future))

	tasks, err := LoadCache(cacheFile, script, nil)
	require.NoError(t, err)
	assert.Nil(t, tasks)
}

func TestLoadCacheOptionMismatch(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "tasks.cache")
	script := filepath.Join(dir, ScriptName)
	require.NoError(t, os.WriteFile(script, []byte(""), 0o660))

	require.NoError(t, WriteCache(cacheFile, map[string]string{"flavor": "full"}, TaskList{"noop": {Short: "noop"}}))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(script, past, past))

	tasks, err := LoadCache(cacheFile, script, map[string]string{"flavor": "plain"})
	require.NoError(t, err)
	assert.Nil(t, tasks)

	tasks, err = LoadCache(cacheFile, script, map[string]string{"flavor": "full"})
	require.NoError(t, err)
	assert.NotNil(t, tasks)
}
