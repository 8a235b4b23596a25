package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches dir and its parents for a regular file called name.
// It returns "" if no directory up to the root contains one.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading directory %q: %w", curDir, err)
		}
		for _, e := range entries {
			if e.Name() == name && e.Type().IsRegular() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
