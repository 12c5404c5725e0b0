package core

import "context"

// Store is the versioned backing repository. It is a port: the core does not
// care whether it is a git working copy or an in-memory map.
//
// Every call is synchronous. Writes land in a working copy and only become
// durable with Commit; Revert discards everything since the last commit.
// Callers serialize writers with Lock/Unlock on the paths they touch.
type Store interface {
	// Initialize ensures the underlying storage is ready (mkdir, git init).
	Initialize(ctx context.Context) error

	// Lock blocks until every path is exclusively held by the caller.
	Lock(ctx context.Context, paths ...string) error
	// Unlock releases paths acquired by Lock.
	Unlock(paths ...string)

	// Read returns the committed-or-staged content of a file.
	Read(path string) ([]byte, error)
	// List returns every file path below prefix, sorted.
	List(prefix string) ([]string, error)

	// Write stages content at path, creating parents.
	Write(path string, content []byte) error
	// Move stages a rename of a file or a directory.
	Move(from, to string) error
	// Delete stages removal of a file or a directory.
	Delete(path string) error

	// Commit makes staged changes durable as one revision.
	Commit(message string) error
	// Revert discards staged changes.
	Revert() error
	// Revision identifies the latest commit.
	Revision() (string, error)
}

// CredentialStore handles password material. Secrets are opaque buffers
// that implementations must never log.
type CredentialStore interface {
	VerifyPassword(encrypted string, secret []byte) bool
	Encrypt(secret []byte) (string, error)
}
