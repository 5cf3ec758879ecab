package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FindUp returns the path of name relative to dir or the closest ancestor of dir containing it.
// name may contain path separators. It returns "" if no directory up to the root has it.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(curDir, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
