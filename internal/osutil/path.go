// Package osutil has small filesystem path helpers shared by the config
// layer.
package osutil

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
)

// NormalizeFilePath returns a clean absolute version of path. Environment
// variables are expanded, a leading "~" becomes the user's home directory,
// and relative paths are resolved against the working directory.
func NormalizeFilePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	path, err := ExpandHome(os.ExpandEnv(path))
	if err != nil {
		return "", err
	}

	return filepath.Abs(path)
}

// NormalizeCommand works like NormalizeFilePath except the path is only
// made absolute when it names an existing file, so bare command names stay
// resolvable through $PATH.
func NormalizeCommand(commandPath string) (string, error) {
	if commandPath == "" {
		return "", nil
	}

	commandPath, err := ExpandHome(os.ExpandEnv(commandPath))
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(commandPath); err == nil {
		return filepath.Abs(commandPath)
	}
	return commandPath, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	if len(path) > 1 && path[1] != '/' {
		return "", errors.New("cannot expand user-specific home dir")
	}

	dir, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path[1:]), nil
}

func homeDir() (string, error) {
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}
