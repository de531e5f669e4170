package tasksys

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellTask(short, base string, deps []string, cmds ...string) *Task {
	task := &Task{
		Short: short,
		Base:  base,
		Deps:  deps,
		Env:   map[string]string{},
	}
	for idx, cmd := range cmds {
		task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: short, Content: cmd, Index: idx})
	}
	return task
}

func TestRunTaskExecutesCommands(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"hello": shellTask("hello", root, nil, "echo hello > out.txt"),
	}

	err := RunTask(context.Background(), root, "hello", tasks, RunOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRunTaskMissingTask(t *testing.T) {
	root := t.TempDir()

	err := RunTask(context.Background(), root, "nope", TaskList{}, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunTaskDepOrder(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"first":  shellTask("first", root, nil, "echo first >> log.txt"),
		"second": shellTask("second", root, []string{"first"}, "echo second >> log.txt"),
		"third":  shellTask("third", root, []string{"second", "first"}, "echo third >> log.txt"),
	}

	err := RunTask(context.Background(), root, "third", tasks, RunOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird\n", string(content))
}

func TestRunTaskRunsDepsOnce(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"shared": shellTask("shared", root, nil, "echo shared >> log.txt"),
		"left":   shellTask("left", root, []string{"shared"}, "echo left >> log.txt"),
		"right":  shellTask("right", root, []string{"shared"}, "echo right >> log.txt"),
		"all":    shellTask("all", root, []string{"left", "right"}),
	}

	err := RunTask(context.Background(), root, "all", tasks, RunOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "shared\nleft\nright\n", string(content))
}

func TestRunTaskDetectsCycles(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"a": shellTask("a", root, []string{"b"}),
		"b": shellTask("b", root, []string{"a"}),
	}

	err := RunTask(context.Background(), root, "a", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursively")
}

func TestRunTaskDryRun(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"hello": shellTask("hello", root, nil, "echo hello > out.txt"),
	}

	err := RunTask(context.Background(), root, "hello", tasks, RunOptions{DryRun: true})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "out.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunTaskSkipIfExists(t *testing.T) {
	root := t.TempDir()
	marker := filepath.Join(root, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o660))

	task := shellTask("guarded", root, nil, "echo ran > out.txt")
	task.SkipIfExists = []string{"marker.txt"}
	tasks := TaskList{"guarded": task}

	err := RunTask(context.Background(), root, "guarded", tasks, RunOptions{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "out.txt"))
	assert.True(t, os.IsNotExist(err), "task should have been skipped")

	// --force overrides the skip list
	err = RunTask(context.Background(), root, "guarded", tasks, RunOptions{Force: true})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "out.txt"))
	assert.NoError(t, err)
}

func TestRunTaskUpToDateOutputs(t *testing.T) {
	root := t.TempDir()
	input := filepath.Join(root, "input.txt")
	output := filepath.Join(root, "output.txt")
	require.NoError(t, os.WriteFile(input, []byte("in"), 0o660))
	require.NoError(t, os.WriteFile(output, []byte("out"), 0o660))

	// mark the input as older than the output
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))

	task := shellTask("build", root, nil, "echo rebuilt > output.txt")
	task.Inputs = []string{"input.txt"}
	task.Outputs = []string{"output.txt"}
	tasks := TaskList{"build": task}

	err := RunTask(context.Background(), root, "build", tasks, RunOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "out", string(content), "up-to-date output must not be rebuilt")

	// an input newer than the output triggers a rebuild
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(input, future, future))

	err = RunTask(context.Background(), root, "build", tasks, RunOptions{})
	require.NoError(t, err)

	content, err = os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "rebuilt\n", string(content))
}

func TestRunTaskTaskRef(t *testing.T) {
	root := t.TempDir()
	inner := shellTask("", root, nil, "echo inner >> log.txt")
	inner.Short = "auto#inner"
	inner.Hidden = true

	outer := shellTask("outer", root, nil)
	outer.Cmds = []TaskCmd{
		TaskCmdScript{TaskName: "outer", Content: "echo before >> log.txt"},
		TaskCmdTaskRef{Task: inner},
		TaskCmdScript{TaskName: "outer", Content: "echo after >> log.txt", Index: 1},
	}
	tasks := TaskList{"outer": outer}

	err := RunTask(context.Background(), root, "outer", tasks, RunOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "before\ninner\nafter\n", string(content))
}

func TestRunTaskEnv(t *testing.T) {
	root := t.TempDir()
	task := shellTask("env", root, nil, "echo $GREETING > out.txt")
	task.Env = map[string]string{"GREETING": "hi there"}
	tasks := TaskList{"env": task}

	err := RunTask(context.Background(), root, "env", tasks, RunOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi there\n", string(content))
}

func TestRunTaskParallelDeps(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"a":   shellTask("a", root, nil, "echo a > a.txt"),
		"b":   shellTask("b", root, nil, "echo b > b.txt"),
		"c":   shellTask("c", root, nil, "echo c > c.txt"),
		"all": shellTask("all", root, []string{"a", "b", "c"}, "echo all > all.txt"),
	}

	err := RunTask(context.Background(), root, "all", tasks, RunOptions{Jobs: 3})
	require.NoError(t, err)

	for _, name := range []string{"a.txt", "b.txt", "c.txt", "all.txt"} {
		_, err := os.Stat(filepath.Join(root, name))
		assert.NoError(t, err, name)
	}
}

func TestRunTaskParallelSharedRefRunsOnce(t *testing.T) {
	root := t.TempDir()

	shared := shellTask("", root, nil, "echo shared >> log.txt")
	shared.Short = "auto#shared"
	shared.Hidden = true

	left := shellTask("left", root, nil)
	left.Cmds = []TaskCmd{TaskCmdTaskRef{Task: shared}}
	right := shellTask("right", root, nil)
	right.Cmds = []TaskCmd{TaskCmdTaskRef{Task: shared}}

	tasks := TaskList{
		"left":  left,
		"right": right,
		"all":   shellTask("all", root, []string{"left", "right"}),
	}

	err := RunTask(context.Background(), root, "all", tasks, RunOptions{Jobs: 2})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "shared\n", string(content), "a task referenced by several branches must run exactly once")
}

func TestRunTaskParallelCycle(t *testing.T) {
	root := t.TempDir()
	tasks := TaskList{
		"a": shellTask("a", root, []string{"b"}),
		"b": shellTask("b", root, []string{"a"}),
	}

	err := RunTask(context.Background(), root, "a", tasks, RunOptions{Jobs: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestCollectLevels(t *testing.T) {
	tasks := TaskList{
		"leaf1": {Short: "leaf1"},
		"leaf2": {Short: "leaf2"},
		"mid":   {Short: "mid", Deps: []string{"leaf1"}},
		"top":   {Short: "top", Deps: []string{"mid", "leaf2"}},
	}

	waves, err := collectLevels(tasks["top"], tasks)
	require.NoError(t, err)
	require.Len(t, waves, 3)

	names := func(wave []*Task) []string {
		result := make([]string, len(wave))
		for idx, task := range wave {
			result[idx] = task.Short
		}
		return result
	}

	assert.ElementsMatch(t, []string{"leaf1", "leaf2"}, names(waves[0]))
	assert.ElementsMatch(t, []string{"mid"}, names(waves[1]))
	assert.ElementsMatch(t, []string{"top"}, names(waves[2]))
}

func TestRunClean(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build", "lib"), 0o770))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build", "lib", "mod.so"), []byte("x"), 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(root, "coverage.xml"), []byte("x"), 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o660))

	build := shellTask("build", root, nil)
	build.Clean = []string{"build"}
	test := shellTask("test", root, nil)
	test.Clean = []string{"coverage.xml"}
	tasks := TaskList{"build": build, "test": test}

	err := RunClean(context.Background(), root, tasks, []string{"build"}, false)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "build"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "coverage.xml"))
	assert.NoError(t, err, "only the named task's patterns are cleaned")

	// no names cleans everything
	err = RunClean(context.Background(), root, tasks, nil, false)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "coverage.xml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "keep.txt"))
	assert.NoError(t, err)
}

func TestRunCleanDryRun(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "junk.txt"), []byte("x"), 0o660))

	task := shellTask("build", root, nil)
	task.Clean = []string{"junk.txt"}
	tasks := TaskList{"build": task}

	err := RunClean(context.Background(), root, tasks, []string{"build"}, true)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "junk.txt"))
	assert.NoError(t, err)
}
