// Package reader tails the source server's binlog and produces an
// ordered stream of committed ChangeEvents.
package reader

import (
	"context"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/logger"
	"github.com/rillstream/go-mysql-cdc/telemetry"
)

// Reader streams committed row events starting from a resume position.
// One reader per task; the binlog is a single ordered stream, so there
// is exactly one producing goroutine.
type Reader struct {
	taskName string
	source   cfg.SourceConfiguration
	retry    cfg.RetryConfiguration
	schemas  SchemaProvider
	match    TableMatcher

	events chan []event.ChangeEvent

	mu  sync.Mutex
	err error
}

// New creates a reader for one pipeline.
func New(taskName string, source cfg.SourceConfiguration, retry cfg.RetryConfiguration, schemas SchemaProvider, match TableMatcher) *Reader {
	return &Reader{
		taskName: taskName,
		source:   source,
		retry:    retry,
		schemas:  schemas,
		match:    match,
		events:   make(chan []event.ChangeEvent),
	}
}

// Events is the ordered output stream, one slice per committed source
// transaction. Closed when the reader stops; check Err afterwards.
func (r *Reader) Events() <-chan []event.ChangeEvent {
	return r.events
}

// Err returns the fatal error that stopped the reader, nil after a
// clean cancellation.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Start launches the streaming goroutine, resuming from the given
// position (zero position = from the current head of the stream).
func (r *Reader) Start(ctx context.Context, from event.Position) {
	go r.run(ctx, from)
}

func (r *Reader) run(ctx context.Context, from event.Position) {
	defer close(r.events)

	resume := from
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		last, err := r.stream(ctx, resume)
		if !last.IsZero() {
			// Progress was made; resume from there with a fresh retry
			// count.
			resume = last
			attempt = 0
		}
		if err == nil || ctx.Err() != nil {
			return
		}

		delay := r.retry.Delay(attempt)
		logger.ErrorWith(ctx, err).
			Str("task", r.taskName).
			Str("resume", resume.String()).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("binlog stream interrupted, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	r.setErr(errors.Errorf("task %s: binlog reconnect attempts exhausted", r.taskName))
}

// eventContext bounds one GetEvent wait by the configured source read
// timeout; zero means block until the server sends something.
func (r *Reader) eventContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.source.ReadTimeoutMS <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(r.source.ReadTimeoutMS)*time.Millisecond)
}

// stream runs one syncer session. Returns the position of the last
// transaction delivered downstream, so a reconnect resumes exactly
// there and the overlap guard drops anything replayed before it.
func (r *Reader) stream(ctx context.Context, from event.Position) (event.Position, error) {
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: r.source.ServerID,
		Flavor:   r.source.Flavor,
		Host:     r.source.Host,
		Port:     uint16(r.source.Port),
		User:     r.source.User,
		Password: r.source.Password,
	})
	defer syncer.Close()

	var (
		streamer *replication.BinlogStreamer
		err      error
	)
	if from.GTID != "" {
		gtid, perr := mysql.ParseGTIDSet(r.source.Flavor, from.GTID)
		if perr != nil {
			return event.Position{}, errors.Wrapf(perr, "parse resume gtid %q", from.GTID)
		}
		streamer, err = syncer.StartSyncGTID(gtid)
	} else {
		streamer, err = syncer.StartSync(mysql.Position{Name: from.File, Pos: from.Offset})
	}
	if err != nil {
		return event.Position{}, errors.Wrap(err, "start binlog sync")
	}

	dec := newDecoder(r.schemas, r.match, from)
	var last event.Position

	for {
		evCtx, cancel := r.eventContext(ctx)
		ev, err := streamer.GetEvent(evCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			// A read timeout lands here and forces a reconnect, so a
			// half-dead server connection never blocks the task forever.
			return last, errors.Wrap(err, "read binlog event")
		}

		committed, err := dec.handle(ev)
		if err != nil {
			return last, err
		}

		if len(committed) == 0 {
			continue
		}
		select {
		case r.events <- committed:
			telemetry.EventsRead.WithLabelValues(r.taskName).Add(float64(len(committed)))
		case <-ctx.Done():
			return last, nil
		}
		last = committed[len(committed)-1].Pos
	}
}
