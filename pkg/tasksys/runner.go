package tasksys

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// RunOptions controls how RunTask executes a task and its dependencies.
type RunOptions struct {
	// DryRun prints the commands that would run without executing them.
	DryRun bool
	// Force runs tasks even when their outputs are up to date.
	Force bool
	// Jobs is the number of dependency tasks that may run concurrently.
	// Values below 2 select the sequential runner.
	Jobs int
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runTasks    map[string]bool
		guard       *execGuard
		projectRoot string
	}
)

func newRuntimeCtx(projectRoot string) *runtimeCtx {
	return &runtimeCtx{
		projectRoot: projectRoot,
		runTasks:    make(map[string]bool),
		guard: &execGuard{
			results: make(map[string]*execResult),
		},
	}
}

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

type execResult struct {
	finished chan struct{}
	err      error
}

// execGuard makes sure every task runs at most once per invocation. It is
// shared by all branches of a parallel run; a branch that loses the claim
// for a task waits for the winning branch instead of running it again.
type execGuard struct {
	lock    sync.Mutex
	results map[string]*execResult
}

func (g *execGuard) run(ctx context.Context, name string, fn func() error) error {
	g.lock.Lock()
	result, found := g.results[name]
	if found {
		g.lock.Unlock()

		select {
		case <-result.finished:
			return result.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	result = &execResult{finished: make(chan struct{})}
	g.results[name] = result
	g.lock.Unlock()

	result.err = fn()
	close(result.finished)
	return result.err
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			args = append([]string{selfExecutable(), "tool"}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

// selfExecutable returns the path to the running binary so that task scripts
// can call back into the built-in subcommands. Falls back to the bare name
// which then relies on PATH.
func selfExecutable() string {
	exe, err := os.Executable()
	if err != nil {
		return "esgtool"
	}
	return exe
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func resolvePatternLists(ctx context.Context, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	parserCtx := &scriptCtx{
		filepath:    "invalid",
		projectRoot: getRuntimeCtx(ctx).projectRoot,
	}

	for _, item := range patterns {
		item = normalizePath(parserCtx, base, item)
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// Patterns that didn't match anything are returned verbatim. Skip those.
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// RunTask executes the given task after running its dependencies.
func RunTask(ctx context.Context, projectRoot, task string, tasks TaskList, opts RunOptions) error {
	ctx = context.WithValue(ctx, runtimeCtxKey{}, newRuntimeCtx(projectRoot))
	taskMeta, found := tasks[task]
	if !found {
		return eris.Errorf("task %s not found", task)
	}

	if opts.Jobs > 1 {
		return runTaskParallel(ctx, taskMeta, tasks, opts)
	}

	return runTaskInternal(ctx, taskMeta, tasks, opts, true)
}

func runTaskInternal(ctx context.Context, task *Task, tasks TaskList, opts RunOptions, canSkip bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, seen := rctx.runTasks[task.Short]
	if seen {
		if status {
			// this task has already been run
			log(ctx).Debug().Msgf("task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("task %s was called recursively", task.Short)
	}

	rctx.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		if !rctx.runTasks[dep] {
			depTask, ok := tasks[dep]
			if !ok {
				return eris.Errorf("task %s not found", dep)
			}

			err := runTaskInternal(ctx, depTask, tasks, opts, true)
			if err != nil {
				return eris.Wrapf(err, "task %s failed due to its dependency %s", task.Short, dep)
			}
		}
	}

	err := rctx.guard.run(ctx, task.Short, func() error {
		upToDate, err := taskUpToDate(ctx, task, opts, canSkip)
		if err != nil {
			return err
		}
		if upToDate {
			return nil
		}

		return execTask(ctx, task, tasks, opts)
	})
	if err != nil {
		return err
	}

	if task.Short != "" {
		rctx.runTasks[task.Short] = true
	}
	return nil
}

// taskUpToDate implements the skip_if_exists and input/output mtime checks.
func taskUpToDate(ctx context.Context, task *Task, opts RunOptions, canSkip bool) (bool, error) {
	if opts.Force {
		return false, nil
	}

	if canSkip {
		skipList, err := resolvePatternLists(ctx, task.Base, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrap(err, "failed to resolve skipIfExists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			log(ctx).Info().
				Str("task", task.Short).
				Msg("skipped because all skip files exist")

			return true, nil
		}
	}

	var newestInput time.Time
	inputList, err := resolvePatternLists(ctx, task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatternLists(ctx, task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()

	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		if err == nil {
			mt := info.ModTime()
			if mt.After(newestOutput) {
				newestOutput = mt
			}

			if mt.Before(oldestOutput) {
				oldestOutput = mt
			}
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("task", task.Short).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if newestOutput.After(newestInput) {
		log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())

		return true, nil
	}

	return false, nil
}

// execTask runs the task's command list. Task references in the command list
// are executed through the sequential runner.
func execTask(ctx context.Context, task *Task, tasks TaskList, opts RunOptions) error {
	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(getTaskEnv(task)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}
		if stmts != nil {
			for _, stm := range stmts {
				strBuffer.Reset()
				printer.Print(&strBuffer, stm)
				log(ctx).Info().
					Str("task", task.Short).
					Bool("command", true).
					Msg(strBuffer.String())

				if !opts.DryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						return err
					}

					if runner.Exited() {
						return nil
					}
				}
			}
		} else {
			subTask, err := item.ToTask()
			if err != nil {
				return eris.Wrap(err, "failed to retrieve task ref")
			}

			if subTask == nil {
				return eris.Errorf("unexpected task command %+v", item)
			}

			err = runTaskInternal(ctx, subTask, tasks, opts, true)
			if err != nil {
				return err
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
