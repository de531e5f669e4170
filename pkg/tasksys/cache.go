package tasksys

import (
	"encoding/gob"
	"os"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

// WriteCache stores the resolved option values and the task list so later
// invocations can skip the configure step.
func WriteCache(file string, options map[string]string, list TaskList) error {
	if options == nil {
		options = map[string]string{}
	}

	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	return encoder.Encode(list)
}

// ReadCache loads a cache written by WriteCache.
func ReadCache(file string) (map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, nil, err
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return options, nil, err
	}

	return options, result, nil
}

// LoadCache returns the cached task list for the given script if the cache
// is still valid: the script must not have been modified since the cache was
// written and the passed options must match the cached ones. A nil list with
// a nil error means the caller has to run the script again.
func LoadCache(file, scriptPath string, options map[string]string) (TaskList, error) {
	cacheInfo, err := os.Stat(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to check %s", file)
	}

	scriptInfo, err := os.Stat(scriptPath)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to check %s", scriptPath)
	}

	if scriptInfo.ModTime().After(cacheInfo.ModTime()) {
		return nil, nil
	}

	cachedOptions, list, err := ReadCache(file)
	if err != nil {
		// a broken cache is not an error, the script is simply run again
		return nil, nil
	}

	if len(cachedOptions) != len(options) {
		return nil, nil
	}
	for name, value := range options {
		if cachedOptions[name] != value {
			return nil, nil
		}
	}

	return list, nil
}
