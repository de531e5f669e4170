package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/svenrdz/esg-pull/pkg/tasksys"
)

const cacheName = ".tasks.cache"

var taskCmd = &cobra.Command{
	Use:   "task [targets...] [key=value...]",
	Short: "Runs targets from the next tasks.star file",
	Long: `This command parses the first tasks.star file it finds in the current or a
parent directory and executes the given targets. Arguments of the form
key=value override the options declared by the script.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs := make([]string, 0)
		options := make(map[string]string)

		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		jobs, err := cmd.Flags().GetInt("jobs")
		if err != nil {
			return err
		}

		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		cleanMode, err := cmd.Flags().GetBool("clean")
		if err != nil {
			return err
		}

		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				taskArgs = append(taskArgs, part)
			}
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
		taskList, err := loadTasks(ctx, scriptPath, options, noCache)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to parse tasks")
		}

		if cleanMode {
			err = tasksys.RunClean(ctx, projectRoot, taskList, taskArgs, dryRun)
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to clean")
			}
			return nil
		}

		for _, name := range taskArgs {
			err = tasksys.RunTask(ctx, projectRoot, name, taskList, tasksys.RunOptions{
				DryRun: dryRun,
				Force:  force,
				Jobs:   jobs,
			})
			if err != nil {
				logger.Fatal().Err(err).Msgf("Failed task %s:", name)
			}
		}

		if len(taskArgs) == 0 {
			printTaskList(taskList)
		}

		return nil
	},
}

// findTaskScript walks up from the working directory until it finds a
// tasks.star file.
func findTaskScript() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}

	path := wd
	for {
		scriptPath := filepath.Join(path, tasksys.ScriptName)
		_, err := os.Stat(scriptPath)
		if err == nil {
			return filepath.Rel(wd, scriptPath)
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", scriptPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.Errorf("no %s file found", tasksys.ScriptName)
		}

		path = parent
	}
}

// loadTasks returns the task list for the given script, going through the
// configure cache unless that was disabled.
func loadTasks(ctx context.Context, scriptPath string, options map[string]string, noCache bool) (tasksys.TaskList, error) {
	cachePath := filepath.Join(filepath.Dir(scriptPath), cacheName)

	if !noCache {
		taskList, err := tasksys.LoadCache(cachePath, scriptPath, options)
		if err != nil {
			return nil, err
		}
		if taskList != nil {
			return taskList, nil
		}
	}

	taskList, _, err := tasksys.RunScript(ctx, scriptPath, filepath.Dir(scriptPath), options, true)
	if err != nil {
		return nil, err
	}

	if !noCache {
		err = tasksys.WriteCache(cachePath, options, taskList)
		if err != nil {
			return nil, eris.Wrap(err, "failed to write task cache")
		}
	}

	return taskList, nil
}

func printTaskList(taskList tasksys.TaskList) {
	fmt.Println("Available tasks:")
	maxNameLen := 0
	sortedNames := make([]string, 0, len(taskList))
	for _, task := range taskList {
		if len(task.Short) > maxNameLen {
			maxNameLen = len(task.Short)
		}

		sortedNames = append(sortedNames, task.Short)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Printf(lineFmt, name+":", taskList[name].Desc)
	}
}

func init() {
	taskCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	taskCmd.Flags().BoolP("force", "f", false, "force run; always execute the passed targets even if they are up to date")
	taskCmd.Flags().IntP("jobs", "j", 1, "number of dependency tasks that may run in parallel")
	taskCmd.Flags().Bool("no-cache", false, "always run the configure step instead of using the task cache")
	taskCmd.Flags().Bool("clean", false, "remove the files declared by the targets' clean patterns instead of running them; no targets cleans everything")

	rootCmd.AddCommand(taskCmd)
}
