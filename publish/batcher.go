package publish

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/logger"
	"github.com/rillstream/go-mysql-cdc/telemetry"
	"github.com/rillstream/go-mysql-cdc/transform"
)

// ErrBackpressureTimeout is returned when the publish queue stays full
// past the configured maximum wait. Promoted to a fatal task error so
// memory use stays bounded.
var ErrBackpressureTimeout = errors.New("publish queue full past backpressure timeout")

// ErrBrokerUnavailable is returned once flush retries are exhausted.
var ErrBrokerUnavailable = errors.New("broker unavailable after retries")

// CommitFunc is invoked after a batch is acknowledged, with the highest
// source position the batch contained.
type CommitFunc func(pos event.Position) error

// Batcher accumulates messages into size/time bounded batches, writes
// them through the sink and triggers the offset commit afterwards.
// Enqueue blocks when the bounded queue is full, propagating broker
// slowness upstream instead of dropping events.
type Batcher struct {
	taskName     string
	sink         Sink
	onCommit     CommitFunc
	maxBatch     int
	pollInterval time.Duration
	bpTimeout    time.Duration
	retry        cfg.RetryConfiguration

	queue    chan transform.Message
	flushReq chan chan error
	stopCh   chan struct{}
	doneCh   chan struct{}
	failed   chan struct{}

	mu  sync.Mutex
	err error
}

// NewBatcher wires a batcher for one task.
func NewBatcher(taskName string, conf cfg.PipelineConfiguration, sink Sink, onCommit CommitFunc) *Batcher {
	return &Batcher{
		taskName:     taskName,
		sink:         sink,
		onCommit:     onCommit,
		maxBatch:     conf.MaxBatchSize,
		pollInterval: conf.PollInterval(),
		bpTimeout:    conf.BackpressureTimeout(),
		retry:        conf.Retry,
		queue:        make(chan transform.Message, conf.MaxQueueSize),
		flushReq:     make(chan chan error),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		failed:       make(chan struct{}),
	}
}

// Start launches the flush loop.
func (b *Batcher) Start() {
	go b.run()
}

// Enqueue queues messages for publishing. Blocks while the queue is
// full; fails with ErrBackpressureTimeout once the configured wait is
// exceeded, or immediately when the batcher has already failed.
func (b *Batcher) Enqueue(ctx context.Context, msgs []transform.Message) error {
	for _, m := range msgs {
		if err := b.enqueueOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batcher) enqueueOne(ctx context.Context, m transform.Message) error {
	var timeout <-chan time.Time
	if b.bpTimeout > 0 {
		timer := time.NewTimer(b.bpTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case b.queue <- m:
		return nil
	case <-b.failed:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return errors.Wrapf(ErrBackpressureTimeout, "task %s", b.taskName)
	}
}

// Stop flushes whatever is queued and shuts the loop down. Returns the
// batcher's terminal error, if any.
func (b *Batcher) Stop() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Err()
}

// Err returns the fatal error that stopped the batcher, if any.
func (b *Batcher) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Failed signals fatally failed publishing; the task's run loop
// selects on it.
func (b *Batcher) Failed() <-chan struct{} {
	return b.failed
}

func (b *Batcher) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
		close(b.failed)
	}
	b.mu.Unlock()
}

func (b *Batcher) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	batch := make([]transform.Message, 0, b.maxBatch)

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := b.publishWithRetry(batch); err != nil {
			b.fail(err)
			return false
		}
		// Only positions of fully published transactions may commit;
		// a batch boundary inside a transaction defers the commit to
		// the flush that carries its final message.
		var commitPos event.Position
		for _, m := range batch {
			if m.Commit {
				commitPos = m.Pos
			}
		}
		if !commitPos.IsZero() {
			if err := b.onCommit(commitPos); err != nil {
				b.fail(errors.Wrap(err, "commit offsets"))
				return false
			}
		}
		batch = batch[:0]
		return true
	}

	// drain moves everything already queued into the batch, flushing
	// along the way. Returns false on fatal error.
	drain := func() bool {
		for {
			select {
			case msg := <-b.queue:
				batch = append(batch, msg)
				if len(batch) >= b.maxBatch {
					if !flush() {
						return false
					}
				}
			default:
				return flush()
			}
		}
	}

	for {
		select {
		case msg := <-b.queue:
			batch = append(batch, msg)
			if len(batch) >= b.maxBatch {
				if !flush() {
					return
				}
			}
		case <-ticker.C:
			if !flush() {
				return
			}
		case req := <-b.flushReq:
			if !drain() {
				req <- b.Err()
				return
			}
			req <- nil
		case <-b.stopCh:
			// Final drain so a pause or stop never abandons events the
			// reader already handed over.
			drain()
			return
		}
	}
}

// Flush synchronously publishes everything enqueued so far. Used as a
// barrier at the snapshot/stream handoff.
func (b *Batcher) Flush(ctx context.Context) error {
	req := make(chan error, 1)
	select {
	case b.flushReq <- req:
	case <-b.failed:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req:
		return err
	case <-b.failed:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) publishWithRetry(batch []transform.Message) error {
	var lastErr error
	for attempt := 1; attempt <= b.retry.MaxAttempts; attempt++ {
		lastErr = b.sink.Publish(batch)
		if lastErr == nil {
			telemetry.BatchesFlushed.WithLabelValues(b.taskName).Inc()
			for _, m := range batch {
				telemetry.MessagesPublished.WithLabelValues(b.taskName, string(m.Profile)).Inc()
			}
			return nil
		}

		telemetry.PublishRetries.WithLabelValues(b.taskName).Inc()
		delay := b.retry.Delay(attempt)
		logger.ErrorWith(context.Background(), lastErr).
			Str("task", b.taskName).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("publish batch failed, retrying")

		select {
		case <-time.After(delay):
		case <-b.stopCh:
			return errors.Wrap(lastErr, "publish aborted by stop")
		}
	}
	return errors.Wrapf(ErrBrokerUnavailable, "task %s: %v", b.taskName, lastErr)
}
