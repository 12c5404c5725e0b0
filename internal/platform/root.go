package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aretw0/tessera/pkg/core"
)

// ConfigFile is the server configuration file read by `tessera serve`.
const ConfigFile = "tessera.yaml"

// FindRoot walks upward from startDir to the first directory holding a
// system directory or a config file, and returns its absolute path.
func FindRoot(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for dir := abs; ; {
		if hasFile(dir, DefaultSystemDir) || hasFile(dir, ConfigFile) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no tessera repository above %s: %w", abs, core.ErrNotFound)
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
