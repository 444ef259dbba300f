package offsets

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/logger"
)

// Tracker serializes offset commits for one task and enforces that
// positions only move forward. Commits happen after the publisher has
// acknowledged the batch, so a restart replays at-or-before the stored
// position but never skips past it.
type Tracker struct {
	mu       sync.Mutex
	store    Store
	taskName string
	last     event.Position
	hasLast  bool
}

// NewTracker loads the last committed record for the task, if any.
func NewTracker(ctx context.Context, store Store, taskName string) (*Tracker, *Committed, error) {
	committed, err := store.Load(ctx, taskName)
	if err != nil {
		return nil, nil, err
	}

	t := &Tracker{store: store, taskName: taskName}
	if committed != nil {
		t.last = committed.Position
		t.hasLast = true
	}
	return t, committed, nil
}

// LastCommitted returns the most recent committed position and whether
// one exists.
func (t *Tracker) LastCommitted() (event.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Commit durably records pos. A position that does not advance past
// the last committed one is rejected with ErrStaleOffset and logged;
// the stored state is untouched.
func (t *Tracker) Commit(ctx context.Context, pos event.Position, meta json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasLast && !pos.After(t.last) {
		logger.Warn(ctx).
			Str("task", t.taskName).
			Str("committed", t.last.String()).
			Str("attempted", pos.String()).
			Msg("rejected out-of-order offset commit")
		return ErrStaleOffset
	}

	err := t.store.Save(ctx, Committed{TaskName: t.taskName, Position: pos, Meta: meta})
	if err != nil {
		return err
	}

	t.last = pos
	t.hasLast = true
	return nil
}
