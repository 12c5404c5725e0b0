package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultLockFile is the name of the inter-process lock inside the work dir.
const DefaultLockFile = ".tessera.lock"

// Identity used for commits when the repository has none configured.
const (
	DefaultAuthorName  = "tessera"
	DefaultAuthorEmail = "tessera@localhost"
)

// Client wraps git command execution with a file-based lock for process safety.
type Client struct {
	WorkDir  string
	Logger   *slog.Logger
	lockPath string
}

// NewClient creates a new git client for the given working directory.
func NewClient(workDir string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		WorkDir:  workDir,
		Logger:   logger,
		lockPath: DefaultLockFile,
	}
}

// WithLockFile returns a copy of the client using another lock file name.
func (c *Client) WithLockFile(name string) *Client {
	cp := *c
	cp.lockPath = name
	return &cp
}

// IsInstalled reports whether a git binary is on PATH.
func IsInstalled() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Lock acquires the file-based lock. It blocks until the lock is acquired or
// ctx is done.
func (c *Client) Lock(ctx context.Context) (func(), error) {
	fullLockPath := filepath.Join(c.WorkDir, c.lockPath)

	for {
		f, err := os.OpenFile(fullLockPath, os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			f.Close()
			return func() {
				os.Remove(fullLockPath)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock: %w", context.Cause(ctx))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Run executes a raw git command in the working directory.
// It does NOT acquire the lock; callers serialize through Client.Lock.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	c.Logger.Debug("executing git", "args", args, "dir", c.WorkDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.WorkDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	output := string(out)

	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, output)
	}

	return strings.TrimSpace(output), nil
}

// Init initializes a new git repository. Re-running it is harmless.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.Run(ctx, "init")
	return err
}

// IsRepo reports whether the working directory is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Add adds files to the stage.
func (c *Client) Add(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	_, err := c.Run(ctx, args...)
	return err
}

// AddAll stages every change in the work tree, deletions included.
func (c *Client) AddAll(ctx context.Context) error {
	_, err := c.Run(ctx, "add", "-A")
	return err
}

// Rm removes files or directories from the working tree and from the index.
func (c *Client) Rm(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"rm", "-r", "-f", "-q", "--"}, files...)
	_, err := c.Run(ctx, args...)
	return err
}

// Mv renames a tracked file or directory.
func (c *Client) Mv(ctx context.Context, from, to string) error {
	_, err := c.Run(ctx, "mv", "--", from, to)
	return err
}

// Commit records staged changes. author is recorded as the committer name.
func (c *Client) Commit(ctx context.Context, msg, author string) error {
	if author == "" {
		author = DefaultAuthorName
	}
	_, err := c.Run(ctx,
		"-c", "user.name="+author,
		"-c", "user.email="+DefaultAuthorEmail,
		"commit", "-q", "-m", msg)
	return err
}

// ResetHard discards staged and unstaged changes to tracked files.
// A repository without commits has nothing to reset to and is left alone.
func (c *Client) ResetHard(ctx context.Context) error {
	if _, err := c.Head(ctx); err != nil {
		if errors.Is(err, ErrNoCommits) {
			_, err := c.Run(ctx, "rm", "-r", "-q", "--cached", "--ignore-unmatch", ".")
			return err
		}
		return err
	}
	_, err := c.Run(ctx, "reset", "-q", "--hard", "HEAD")
	return err
}

// Clean removes untracked files and directories, keeping ignored ones and
// the lock file.
func (c *Client) Clean(ctx context.Context) error {
	_, err := c.Run(ctx, "clean", "-f", "-d", "-q", "-e", c.lockPath)
	return err
}

// ErrNoCommits is returned by Head on an empty repository.
var ErrNoCommits = errors.New("repository has no commits")

// Head returns the hash of the current commit.
func (c *Client) Head(ctx context.Context) (string, error) {
	out, err := c.Run(ctx, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCommits, err)
	}
	return out, nil
}

// Status returns the porcelain status of the repo.
func (c *Client) Status(ctx context.Context) (string, error) {
	return c.Run(ctx, "status", "--porcelain")
}

// Log returns the subjects of the last n commits, newest first.
func (c *Client) Log(ctx context.Context, n int) ([]string, error) {
	out, err := c.Run(ctx, "log", fmt.Sprintf("-%d", n), "--format=%s")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
