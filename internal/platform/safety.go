package platform

import (
	"os"
	"path/filepath"
	"strings"
)

// SandboxDir is the directory under os.TempDir() that holds sandboxed
// repositories.
const SandboxDir = "tessera-dev"

// IsDevRun reports whether the process runs under `go run` or `go test`.
// Both build the binary in a temporary directory; test binaries also carry
// the .test suffix.
func IsDevRun() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	if strings.HasPrefix(strings.ToLower(exe), strings.ToLower(os.TempDir())) {
		return true
	}
	return strings.HasSuffix(exe, ".test") || strings.HasSuffix(exe, ".test.exe")
}

// ResolvePath returns the repository directory to use. When sandbox is set,
// a path outside os.TempDir() is re-rooted under the sandbox directory by its
// base name; paths already inside os.TempDir() are kept.
func ResolvePath(path string, sandbox bool) string {
	if path == "" {
		path = "."
	}
	if !sandbox {
		return path
	}

	clean := filepath.Clean(path)
	if rel, err := filepath.Rel(os.TempDir(), clean); err == nil && !strings.HasPrefix(rel, "..") {
		return clean
	}

	name := filepath.Base(clean)
	if name == "." || name == string(os.PathSeparator) || name == ".." {
		name = "default"
	}
	return filepath.Join(os.TempDir(), SandboxDir, name)
}
