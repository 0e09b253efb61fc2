// Package fsutil contains local filesystem helpers.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates a directory and its parents if they don't exist.
// An existing directory is not an error.
func EnsureDir(p string) error {
	fi, err := os.Stat(p)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", p)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(p, 0775)
}

// EnsureDirs calls EnsureDir for each path, stopping at the first error.
func EnsureDirs(paths ...string) error {
	for _, p := range paths {
		if err := EnsureDir(p); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePath creates the parent directory of a file path.
func EnsurePath(p string) error {
	return EnsureDir(filepath.Dir(p))
}
