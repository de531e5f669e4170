package tasksys

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// collectLevels walks the dependency graph below root and groups the tasks
// into execution waves. Every task lands one wave after its deepest
// dependency, so all tasks inside a wave are mutually independent and a wave
// only starts once the previous one finished.
func collectLevels(root *Task, tasks TaskList) ([][]*Task, error) {
	const (
		visiting = 1
		done     = 2
	)

	state := map[string]int{}
	level := map[string]int{}
	maxLevel := 0

	var visit func(t *Task, chain []string) (int, error)
	visit = func(t *Task, chain []string) (int, error) {
		switch state[t.Short] {
		case visiting:
			return 0, eris.Errorf("task %s depends on itself (dependency chain: %v)", t.Short, chain)
		case done:
			return level[t.Short], nil
		}

		state[t.Short] = visiting
		depth := 0
		for _, dep := range t.Deps {
			depTask, ok := tasks[dep]
			if !ok {
				return 0, eris.Errorf("task %s not found", dep)
			}

			depLevel, err := visit(depTask, append(chain, t.Short))
			if err != nil {
				return 0, err
			}

			if depLevel+1 > depth {
				depth = depLevel + 1
			}
		}

		state[t.Short] = done
		level[t.Short] = depth
		if depth > maxLevel {
			maxLevel = depth
		}
		return depth, nil
	}

	if _, err := visit(root, nil); err != nil {
		return nil, err
	}

	waves := make([][]*Task, maxLevel+1)
	for name, lvl := range level {
		waves[lvl] = append(waves[lvl], tasks[name])
	}
	return waves, nil
}

// runTaskParallel executes the dependency graph below root in waves,
// running up to opts.Jobs tasks of a wave concurrently.
func runTaskParallel(ctx context.Context, root *Task, tasks TaskList, opts RunOptions) error {
	waves, err := collectLevels(root, tasks)
	if err != nil {
		return err
	}

	rctx := getRuntimeCtx(ctx)
	finished := map[string]bool{}

	for _, wave := range waves {
		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(opts.Jobs)

		for _, task := range wave {
			task := task
			// Each branch gets its own bookkeeping map so recursion detection
			// stays per-chain. The shared guard makes sure a task referenced
			// by several branches still runs only once. Completed waves are
			// visible to every branch.
			branchDone := make(map[string]bool, len(finished))
			for name := range finished {
				branchDone[name] = true
			}

			grp.Go(func() error {
				branchCtx := context.WithValue(grpCtx, runtimeCtxKey{}, &runtimeCtx{
					projectRoot: rctx.projectRoot,
					runTasks:    branchDone,
					guard:       rctx.guard,
				})

				err := rctx.guard.run(branchCtx, task.Short, func() error {
					upToDate, err := taskUpToDate(branchCtx, task, opts, true)
					if err != nil {
						return err
					}
					if upToDate {
						return nil
					}

					return execTask(branchCtx, task, tasks, opts)
				})
				if err != nil {
					return eris.Wrapf(err, "task %s failed", task.Short)
				}
				return nil
			})
		}

		if err := grp.Wait(); err != nil {
			return err
		}

		for _, task := range wave {
			finished[task.Short] = true
			rctx.runTasks[task.Short] = true
		}
	}

	return nil
}
