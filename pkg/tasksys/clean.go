package tasksys

import (
	"context"
	"os"
	"sort"

	"github.com/rotisserie/eris"
)

// RunClean removes everything matched by the clean patterns of the named
// tasks. With no names, the clean patterns of every known task are removed
// which is the distclean behaviour.
func RunClean(ctx context.Context, projectRoot string, tasks TaskList, names []string, dryRun bool) error {
	ctx = context.WithValue(ctx, runtimeCtxKey{}, newRuntimeCtx(projectRoot))

	if len(names) == 0 {
		names = make([]string, 0, len(tasks))
		for name := range tasks {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	for _, name := range names {
		task, ok := tasks[name]
		if !ok {
			return eris.Errorf("task %s not found", name)
		}

		targets, err := resolvePatternLists(ctx, task.Base, task.Clean)
		if err != nil {
			return eris.Wrapf(err, "failed to resolve clean patterns for task %s", name)
		}

		for _, target := range targets {
			log(ctx).Info().
				Str("task", task.Short).
				Msgf("removing %s", target)

			if dryRun {
				continue
			}

			err = os.RemoveAll(target)
			if err != nil {
				return eris.Wrapf(err, "failed to remove %s", target)
			}
		}
	}

	return nil
}
