package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/offsets"
	"github.com/rillstream/go-mysql-cdc/snapshot"
)

func makeResult(t *testing.T, names []string, rows [][]interface{}) *mysql.Result {
	t.Helper()
	rs, err := mysql.BuildSimpleTextResultset(names, rows)
	require.NoError(t, err)
	for _, rd := range rs.RowDatas {
		values, err := rd.ParseText(rs.Fields, nil)
		require.NoError(t, err)
		rs.Values = append(rs.Values, values)
	}
	rs.FieldNames = make(map[string]int, len(names))
	for i, n := range names {
		rs.FieldNames[n] = i
	}
	return &mysql.Result{Resultset: rs}
}

// fakeSnapshotConn serves a fixed master status and records Close.
type fakeSnapshotConn struct {
	mu     sync.Mutex
	closed bool
	master *mysql.Result
}

func newFakeSnapshotConn(t *testing.T) *fakeSnapshotConn {
	return &fakeSnapshotConn{
		master: makeResult(t,
			[]string{"File", "Position", "Binlog_Do_DB", "Binlog_Ignore_DB", "Executed_Gtid_Set"},
			[][]interface{}{{"mysql-bin.000003", 1543, "", "", ""}}),
	}
}

func (c *fakeSnapshotConn) Execute(command string, args ...interface{}) (*mysql.Result, error) {
	if command == "SHOW MASTER STATUS" {
		return c.master, nil
	}
	return &mysql.Result{}, nil
}

func (c *fakeSnapshotConn) ExecuteSelectStreaming(command string, result *mysql.Result, perRow client.SelectPerRowCallback, perResult client.SelectPerResultCallback) error {
	return nil
}

func (c *fakeSnapshotConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeSnapshotConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestStaleCommitIsIgnored(t *testing.T) {
	ctx := context.Background()
	deps, store := testDeps(t)
	tk, err := newTask(pipeline("orders", slowRetry()), deps)
	require.NoError(t, err)

	tracker, _, err := offsets.NewTracker(ctx, store, "orders")
	require.NoError(t, err)

	later := event.Position{File: "mysql-bin.000002", Offset: 900}
	require.NoError(t, tk.commitOffset(ctx, tracker, later))

	// An out-of-order ack is dropped, not fatal; the pipeline keeps
	// running on the already stored position.
	earlier := event.Position{File: "mysql-bin.000002", Offset: 400}
	require.NoError(t, tk.commitOffset(ctx, tracker, earlier))

	rec, err := store.Load(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, later, rec.Position)
	assert.Equal(t, later.String(), tk.Status().Position)
}

func TestSnapshotConnClosedAfterHandoff(t *testing.T) {
	ctx := context.Background()
	deps, store := testDeps(t)
	conn := newFakeSnapshotConn(t)
	deps.SnapshotConn = func() (snapshot.Conn, error) { return conn, nil }
	s := NewSupervisor(deps)
	defer s.StopAll(ctx)

	// Fresh deploy, no committed offsets: the task opens the snapshot
	// connection, takes the handoff position and moves to streaming.
	_, err := s.Deploy(ctx, pipeline("orders", slowRetry()))
	require.NoError(t, err)

	require.Eventually(t, conn.Closed, 5*time.Second, 10*time.Millisecond)

	rec, err := store.Load(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "mysql-bin.000003", rec.Position.File)
	assert.Equal(t, uint32(1543), rec.Position.Offset)
}
