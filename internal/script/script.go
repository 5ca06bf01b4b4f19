// Package script validates that a path named by a job registration is a
// usable script: it exists under the job-tree root, is a regular file, and
// is executable.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotRegular indicates the resolved path is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// ErrNotExecutable indicates the resolved path is not executable by anyone.
var ErrNotExecutable = errors.New("not executable")

// Validate resolves name relative to root and checks that it exists, is a
// regular file, and is executable. It returns the resolved absolute path.
func Validate(root, name string) (string, error) {
	path, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return "", fmt.Errorf("resolve script %q: %w", name, err)
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("script %q: %w", name, err)
	}
	if err != nil {
		return "", fmt.Errorf("stat script %q: %w", name, err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("script %q: %w", name, ErrNotRegular)
	}

	if info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("script %q: %w", name, ErrNotExecutable)
	}

	return path, nil
}
