package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Remove deletes path: recursively when it is a directory, with unlink
// otherwise. A missing path is not an error. It returns the number of
// objects removed.
func Remove(path string) (int, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lstat %s: %w", path, err)
	}
	if info.IsDir() {
		return RemoveTree(path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("unlink %s: %w", path, err)
	}
	return 1, nil
}

// RemoveTree deletes the directory tree rooted at root. It walks with an
// explicit stack, so deep trees do not grow the call stack. Symlinks to
// directories are unlinked, never followed.
func RemoveTree(root string) (int, error) {
	var removed int
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			stack = stack[:len(stack)-1]
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("readdir %s: %w", dir, err)
		}

		descended := false
		for _, d := range entries {
			p := filepath.Join(dir, d.Name())
			if d.IsDir() {
				stack = append(stack, p)
				descended = true
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("unlink %s: %w", p, err)
			}
			removed++
		}
		if descended {
			continue
		}

		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("rmdir %s: %w", dir, err)
		}
		removed++
		stack = stack[:len(stack)-1]
	}
	return removed, nil
}
