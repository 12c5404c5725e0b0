package gitfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TempFilePrefix marks files being staged. Listings and the watcher
	// skip them.
	TempFilePrefix = "tessera-tmp-"

	recordPerm = 0o644
	dirPerm    = 0o755
)

func isStagingFile(name string) bool {
	return strings.HasPrefix(name, TempFilePrefix)
}

// replaceFile stages data at full through a sibling temp file and a rename.
// Missing parents are created.
func replaceFile(full string, data []byte) (err error) {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", full, err)
	}

	tmp, err := os.CreateTemp(dir, TempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", full, err)
	}
	name := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(name)
		}
	}()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("failed to stage %s: %w", full, werr)
	}
	if err := os.Chmod(name, recordPerm); err != nil {
		return fmt.Errorf("failed to stage %s: %w", full, err)
	}
	if err := os.Rename(name, full); err != nil {
		return fmt.Errorf("failed to replace %s: %w", full, err)
	}
	return nil
}
