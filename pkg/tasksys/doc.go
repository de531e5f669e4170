// Package tasksys implements a small, portable task runner based on Starlark
// for the task definitions and mvdan.cc/sh for the shell runtime. It drives
// the esg-pull developer workflow (cleanup, lint, native extension builds,
// install and test targets) from a single tasks.star script without
// depending on a platform make or a POSIX shell being installed.
package tasksys
