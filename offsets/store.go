// Package offsets persists the last successfully published binlog
// position per task, so a restart resumes at-or-before it.
package offsets

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/event"
)

// ErrStaleOffset is returned when a commit does not advance the
// position. It indicates a supervisor bug or a concurrent writer and is
// never silently accepted.
var ErrStaleOffset = errors.New("stale offset: commit position does not advance")

// Committed is the durable record for one task.
type Committed struct {
	TaskName string          `json:"task_name"`
	Position event.Position  `json:"position"`
	Meta     json.RawMessage `json:"meta_data,omitempty"` // schema cache snapshot
}

// Store is a durable backend for committed offsets. Implementations
// must tolerate concurrent access from independent tasks.
type Store interface {
	// Load returns the committed record for a task, or nil when the
	// task has never committed.
	Load(ctx context.Context, taskName string) (*Committed, error)
	// Save overwrites the committed record for a task.
	Save(ctx context.Context, c Committed) error
	// Clear removes the committed record for a task.
	Clear(ctx context.Context, taskName string) error
}
