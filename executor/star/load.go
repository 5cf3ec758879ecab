package star

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/guseggert/bossworker/internal/files"
)

// findModule resolves a load() name to a file: absolute names are used as is,
// relative ones are looked up in dir and then its ancestors.
func findModule(name, dir string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("loading %s: %w", name, err)
		}
		return name, nil
	}
	path, err := files.FindUp(name, dir)
	if err != nil {
		return "", fmt.Errorf("finding %s: %w", name, err)
	}
	if path == "" {
		return "", fmt.Errorf("module %s not found in %s or any parent directory", name, dir)
	}
	return path, nil
}
