package cmd

import (
	"context"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/svenrdz/esg-pull/pkg/tasksys"
)

// skipWatchDirs are directories that only ever contain generated files, no
// point in re-running a task when they change.
var skipWatchDirs = map[string]bool{
	".git": true, ".tools": true, ".venv": true, "build": true,
	"dist": true, "htmlcov": true, "__pycache__": true,
	".pytest_cache": true, ".mypy_cache": true, ".ruff_cache": true,
}

var watchCmd = &cobra.Command{
	Use:   "watch <target> [key=value...]",
	Short: "Re-runs a target whenever the project files change",
	Long: `Runs the given target once, then watches the project tree and runs it again
after every change. Rapid changes are coalesced so the target runs at most
once per debounce interval.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		options := make(map[string]string)
		for _, part := range args[1:] {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				return eris.Errorf("unexpected argument %s, only one target is supported", part)
			}
		}

		debounce, err := cmd.Flags().GetDuration("debounce")
		if err != nil {
			return err
		}

		logger := zerolog.New(NewConsoleWriter())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx = tasksys.WithLogger(ctx, &logger)

		scriptPath, err := findTaskScript()
		if err != nil {
			logger.Fatal().Err(err).Msg("No tasks.star file found")
		}
		projectRoot := filepath.Dir(scriptPath)

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return eris.Wrap(err, "failed to create file watcher")
		}
		defer watcher.Close()

		err = watchTree(watcher, projectRoot)
		if err != nil {
			return err
		}

		runOnce := func() {
			taskList, err := loadTasks(ctx, scriptPath, options, true)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to parse tasks")
				return
			}

			err = tasksys.RunTask(ctx, projectRoot, target, taskList, tasksys.RunOptions{})
			if err != nil {
				logger.Error().Err(err).Msgf("Failed task %s:", target)
			}
		}

		runOnce()
		logger.Info().Msgf("Watching %s, press Ctrl+C to stop", projectRoot)

		var timer *time.Timer
		pending := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}

				if !relevantChange(event) {
					continue
				}

				// new directories have to be picked up as they appear
				if event.Op&fsnotify.Create != 0 {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() && !skipWatchDirs[filepath.Base(event.Name)] {
						_ = watchTree(watcher, event.Name)
					}
				}

				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case <-pending:
				runOnce()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn().Err(err).Msg("Watcher error")
			}
		}
	},
}

// watchTree registers root and every directory below it, minus the
// generated-output directories.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() {
			return nil
		}

		if path != root && skipWatchDirs[entry.Name()] {
			return filepath.SkipDir
		}

		wErr := watcher.Add(path)
		if wErr != nil {
			return eris.Wrapf(wErr, "failed to watch %s", path)
		}
		return nil
	})
}

// relevantChange filters out events caused by the run itself and editor noise.
func relevantChange(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	if base == cacheName || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, "~") {
		return false
	}
	if strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, ".pyo") {
		return false
	}

	return !skipWatchDirs[base]
}

func init() {
	watchCmd.Flags().Duration("debounce", 500*time.Millisecond, "how long to wait after the last change before running the target")
	rootCmd.AddCommand(watchCmd)
}
