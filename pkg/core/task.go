package core

import (
	"strings"

	"github.com/google/uuid"
)

// TaskID correlates an asynchronous write with the callback that completes it.
type TaskID = uuid.UUID

// taskNamespace scopes deterministic task ids.
var taskNamespace = uuid.MustParse("6f1c2b0e-5d57-4a8e-9d43-3c1b0b7f7a21")

// NewTaskID returns a random task id.
func NewTaskID() TaskID {
	return uuid.New()
}

// TaskIDFor derives a deterministic task id from the semantic inputs of an
// operation. Retrying the same operation yields the same id.
func TaskIDFor(parts ...string) TaskID {
	return uuid.NewSHA1(taskNamespace, []byte(strings.Join(parts, "\x00")))
}
