package offsets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/go-mysql-cdc/event"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	want := Committed{
		TaskName: "orders",
		Position: event.Position{File: "mysql-bin.000003", Offset: 1543, GTID: "3E11FA47-71CA-11E1-9E33-C80AA9429562:1-77"},
		Meta:     []byte(`{"shop":{"orders":{"columns":["id"],"pk_columns":["id"]}}}`),
	}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.TaskName, got.TaskName)
	assert.Equal(t, want.Position, got.Position)
	assert.JSONEq(t, string(want.Meta), string(got.Meta))
}

func TestFileStoreLoadAbsent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.Load(context.Background(), "never_deployed")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := Committed{TaskName: "t", Position: event.Position{File: "mysql-bin.000001", Offset: 100}}
	second := Committed{TaskName: "t", Position: event.Position{File: "mysql-bin.000002", Offset: 4}}
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	got, err := store.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, second.Position, got.Position)
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, Committed{TaskName: "t", Position: event.Position{File: "f.000001", Offset: 1}}))
	require.NoError(t, store.Clear(ctx, "t"))

	got, err := store.Load(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Clearing an already absent record is fine.
	assert.NoError(t, store.Clear(ctx, "t"))
}

func TestFileStoreTasksAreIndependent(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, Committed{TaskName: "a", Position: event.Position{File: "f.000001", Offset: 10}}))
	require.NoError(t, store.Save(ctx, Committed{TaskName: "b", Position: event.Position{File: "f.000009", Offset: 90}}))
	require.NoError(t, store.Clear(ctx, "a"))

	got, err := store.Load(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(90), got.Position.Offset)
}
