// Package task owns pipeline lifecycle: each ConnectorTask wires the
// snapshot coordinator, binlog reader, transformer and publisher for
// one table-set and supervises them through an explicit state machine.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/logger"
	"github.com/rillstream/go-mysql-cdc/offsets"
	"github.com/rillstream/go-mysql-cdc/publish"
	"github.com/rillstream/go-mysql-cdc/reader"
	"github.com/rillstream/go-mysql-cdc/schema"
	"github.com/rillstream/go-mysql-cdc/snapshot"
	"github.com/rillstream/go-mysql-cdc/telemetry"
	"github.com/rillstream/go-mysql-cdc/transform"
)

// TableLister resolves the concrete tables of a database.
// *schema.Store implements it.
type TableLister interface {
	ListTables(schema string) ([]string, error)
}

// Deps are the shared resources a task pipeline runs against. The sink
// and offset store are shared across tasks and safe for concurrent
// use; everything else is per-task.
type Deps struct {
	Source  cfg.SourceConfiguration
	Offsets offsets.Store
	Schemas *schema.Cache
	Tables  TableLister
	Sink    publish.Sink
	// SnapshotConn opens a dedicated connection for the consistent
	// snapshot transaction.
	SnapshotConn func() (snapshot.Conn, error)
}

// Status is the externally visible task state.
type Status struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Position string `json:"position,omitempty"`
}

// Task is one running pipeline instance bound to a table-set.
type Task struct {
	Name string
	Conf cfg.PipelineConfiguration

	deps   Deps
	filter *transform.TableFilter

	mu       sync.Mutex
	state    State
	cause    error
	lastPos  event.Position
	cancel   context.CancelFunc
	done     chan struct{}
	resumeCh chan struct{}
}

// newTask validates config-derived pieces eagerly so Deploy fails fast.
func newTask(conf cfg.PipelineConfiguration, deps Deps) (*Task, error) {
	filter, err := transform.NewTableFilter(conf.Tables)
	if err != nil {
		return nil, err
	}
	t := &Task{
		Name:   conf.Name,
		Conf:   conf,
		deps:   deps,
		filter: filter,
		state:  Created,
	}
	telemetry.SetTaskState(t.Name, t.state.String(), StateNames)
	return t, nil
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status reports state, failure cause and last committed position.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{Name: t.Name, State: t.state.String()}
	if t.cause != nil {
		s.Error = t.cause.Error()
	}
	if !t.lastPos.IsZero() {
		s.Position = t.lastPos.String()
	}
	return s
}

func (t *Task) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to State) error {
	if !canTransition(t.state, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", t.state, to)
	}
	t.state = to
	if to == Running {
		t.cause = nil
	}
	telemetry.SetTaskState(t.Name, to.String(), StateNames)
	return nil
}

// Start moves the task to Running and launches the pipeline goroutine.
func (t *Task) Start(parent context.Context) error {
	t.mu.Lock()
	if err := t.transitionLocked(Running); err != nil {
		t.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.resumeCh = nil
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := t.run(ctx)

		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			t.cause = err
			t.state = Failed
			telemetry.SetTaskState(t.Name, t.state.String(), StateNames)
			logger.ErrorWith(ctx, err).Str("task", t.Name).Msg("task failed")
		}
	}()
	return nil
}

// Pause stops consuming from the reader; queued batches still flush.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(Paused); err != nil {
		return err
	}
	t.resumeCh = make(chan struct{})
	return nil
}

// Resume continues consumption after a Pause.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(Running); err != nil {
		return err
	}
	if t.resumeCh != nil {
		close(t.resumeCh)
		t.resumeCh = nil
	}
	return nil
}

// Stop cancels the pipeline and waits for it to wind down.
func (t *Task) Stop() error {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return nil
	}
	if err := t.transitionLocked(Stopped); err != nil {
		t.mu.Unlock()
		return err
	}
	cancel, done, resumeCh := t.cancel, t.done, t.resumeCh
	if resumeCh != nil {
		close(resumeCh)
		t.resumeCh = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Restart stops the pipeline if needed and starts it again, replaying
// from the last committed offset.
func (t *Task) Restart(parent context.Context) error {
	if err := t.Stop(); err != nil {
		return err
	}
	return t.Start(parent)
}

// pauseGate returns a channel to wait on when paused, nil otherwise.
func (t *Task) pauseGate() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Paused && t.resumeCh != nil {
		return t.resumeCh
	}
	return nil
}

func (t *Task) setLastPos(pos event.Position) {
	t.mu.Lock()
	t.lastPos = pos
	t.mu.Unlock()
}

// run is the pipeline: recover offsets, snapshot if this is a fresh
// deploy, then stream until canceled or a component exhausts its
// retries.
func (t *Task) run(ctx context.Context) error {
	tracker, committed, err := offsets.NewTracker(ctx, t.deps.Offsets, t.Name)
	if err != nil {
		return errors.Wrap(err, "load committed offsets")
	}
	if committed != nil {
		if err := t.deps.Schemas.Restore(committed.Meta); err != nil {
			logger.Warn(ctx).Str("task", t.Name).Err(err).Msg("dropping unreadable schema metadata")
		}
		t.setLastPos(committed.Position)
	}

	transformer, err := transform.New(t.Conf, t.deps.Schemas)
	if err != nil {
		return err
	}

	commit := func(pos event.Position) error {
		return t.commitOffset(ctx, tracker, pos)
	}

	batcher := publish.NewBatcher(t.Name, t.Conf, t.deps.Sink, commit)
	batcher.Start()
	defer batcher.Stop()

	resume, ok := tracker.LastCommitted()
	if !ok {
		resume, err = t.runSnapshot(ctx, tracker, transformer, batcher)
		if err != nil {
			return err
		}
	}

	return t.stream(ctx, resume, transformer, batcher)
}

// commitOffset persists a publish-acknowledged position together with
// the current schema metadata. A stale position is already logged by
// the tracker and is ignored here rather than failing the pipeline;
// the stored state is untouched and later commits still advance.
func (t *Task) commitOffset(ctx context.Context, tracker *offsets.Tracker, pos event.Position) error {
	meta, err := t.deps.Schemas.Snapshot()
	if err != nil {
		return err
	}
	if err := tracker.Commit(ctx, pos, meta); err != nil {
		if errors.Is(err, offsets.ErrStaleOffset) {
			return nil
		}
		return err
	}
	telemetry.OffsetCommits.WithLabelValues(t.Name).Inc()
	t.setLastPos(pos)
	return nil
}

// runSnapshot performs the initial read on a fresh deploy. Offsets are
// not committed until every snapshot row is acknowledged: a crash
// mid-snapshot redoes the whole snapshot rather than losing rows.
func (t *Task) runSnapshot(ctx context.Context, tracker *offsets.Tracker, transformer *transform.Transformer, batcher *publish.Batcher) (event.Position, error) {
	conn, err := t.deps.SnapshotConn()
	if err != nil {
		return event.Position{}, errors.Wrapf(snapshot.ErrSnapshotFailed, "connect source: %v", err)
	}
	defer conn.Close()

	tables, err := t.captureTables()
	if err != nil {
		return event.Position{}, errors.Wrapf(snapshot.ErrSnapshotFailed, "resolve tables: %v", err)
	}

	emit := func(ev event.ChangeEvent) error {
		msgs, terr := transformer.Apply(ev)
		if terr != nil {
			return terr
		}
		return batcher.Enqueue(ctx, msgs)
	}

	mode := snapshot.Mode(t.Conf.SnapshotMode)
	pos, err := snapshot.Run(ctx, t.Name, conn, t.deps.Schemas, t.Conf.Database, tables, mode, emit)
	if err != nil {
		return event.Position{}, err
	}

	if err := batcher.Flush(ctx); err != nil {
		return event.Position{}, err
	}

	if err := t.commitOffset(ctx, tracker, pos); err != nil {
		return event.Position{}, errors.Wrap(err, "commit snapshot position")
	}
	return pos, nil
}

func (t *Task) captureTables() ([]string, error) {
	all, err := t.deps.Tables.ListTables(t.Conf.Database)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, table := range all {
		if t.filter.Match(table) {
			tables = append(tables, table)
		}
	}
	return tables, nil
}

// stream consumes committed transactions from the reader until the
// context is canceled or something fatal happens. The pause gate sits
// between transactions so a pause never splits one.
func (t *Task) stream(ctx context.Context, resume event.Position, transformer *transform.Transformer, batcher *publish.Batcher) error {
	match := func(schemaName, tableName string) bool {
		return schemaName == t.Conf.Database && t.filter.Match(tableName)
	}
	rd := reader.New(t.Name, t.deps.Source, t.Conf.Retry, t.deps.Schemas, match)
	rd.Start(ctx, resume)

	for {
		if gate := t.pauseGate(); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case txn, open := <-rd.Events():
			if !open {
				if err := rd.Err(); err != nil {
					return err
				}
				return nil
			}
			if err := t.publishTxn(ctx, txn, transformer, batcher); err != nil {
				return err
			}
		case <-batcher.Failed():
			return batcher.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

// publishTxn transforms one source transaction and enqueues it, with
// the final message marked as the transaction's commit point.
func (t *Task) publishTxn(ctx context.Context, txn []event.ChangeEvent, transformer *transform.Transformer, batcher *publish.Batcher) error {
	var msgs []transform.Message
	for _, ev := range txn {
		out, err := transformer.Apply(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, out...)
	}
	if len(msgs) == 0 {
		// Every event filtered or skipped; nothing marks this position,
		// the next published transaction advances past it.
		return nil
	}
	msgs[len(msgs)-1].Commit = true
	return batcher.Enqueue(ctx, msgs)
}
