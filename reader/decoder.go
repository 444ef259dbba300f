package reader

import (
	"strings"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/schema"
)

// SchemaProvider resolves column order for row decoding and takes
// invalidations when DDL shows up on the stream. *schema.Cache
// implements it.
type SchemaProvider interface {
	TableColumns(schema, table string) ([]string, error)
	InvalidateTable(schema, table string)
}

// TableMatcher decides which tables the pipeline captures.
type TableMatcher func(schema, table string) bool

// decoder turns raw binlog events into committed ChangeEvents. Row
// events buffer per transaction and surface only on XID commit; a
// ROLLBACK discards the buffer, so rolled-back changes never reach the
// output stream. Single-goroutine use only, matching the one ordered
// binlog stream per source.
type decoder struct {
	schemas SchemaProvider
	match   TableMatcher

	file     string // current binlog file, swapped on rotate
	gtid     string
	startPos event.Position // events at or before this are replay overlap

	txn []event.ChangeEvent
}

func newDecoder(schemas SchemaProvider, match TableMatcher, startPos event.Position) *decoder {
	return &decoder{
		schemas:  schemas,
		match:    match,
		file:     startPos.File,
		startPos: startPos,
	}
}

// handle consumes one binlog event and returns the ChangeEvents of a
// transaction when that transaction commits, nil otherwise.
func (d *decoder) handle(ev *replication.BinlogEvent) ([]event.ChangeEvent, error) {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		d.file = string(e.NextLogName)

	case *replication.QueryEvent:
		return d.handleQuery(ev, e)

	case *replication.XIDEvent:
		// GSet is the full executed GTID set through this commit. Only
		// full sets are recorded: resuming from a single uuid:gno would
		// make the server resend everything outside that one interval.
		if e.GSet != nil {
			d.gtid = e.GSet.String()
		}
		return d.commit(ev), nil

	case *replication.RowsEvent:
		if err := d.bufferRows(ev.Header.EventType, e); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (d *decoder) handleQuery(ev *replication.BinlogEvent, e *replication.QueryEvent) ([]event.ChangeEvent, error) {
	query := strings.TrimSpace(string(e.Query))
	switch strings.ToUpper(query) {
	case "BEGIN":
		d.txn = d.txn[:0]
		return nil, nil
	case "COMMIT":
		// Non-transactional tables commit via an explicit COMMIT query
		// instead of an XID event.
		if e.GSet != nil {
			d.gtid = e.GSet.String()
		}
		return d.commit(ev), nil
	case "ROLLBACK":
		d.txn = d.txn[:0]
		return nil, nil
	}

	// Anything else on the query stream is DDL (or a statement we do
	// not capture). Invalidate touched tables so the next row event
	// refetches column metadata.
	for _, ref := range schema.ParseDDL(query, string(e.Schema)) {
		d.schemas.InvalidateTable(ref.Schema, ref.Table)
	}
	return nil, nil
}

// commit stamps buffered events with the transaction's commit position
// and releases them, unless the whole transaction is replay overlap
// from a resume.
func (d *decoder) commit(ev *replication.BinlogEvent) []event.ChangeEvent {
	if len(d.txn) == 0 {
		return nil
	}

	pos := event.Position{File: d.file, Offset: ev.Header.LogPos, GTID: d.gtid}
	ts := int64(ev.Header.Timestamp) * 1000

	if !pos.After(d.startPos) {
		d.txn = d.txn[:0]
		return nil
	}

	out := make([]event.ChangeEvent, len(d.txn))
	copy(out, d.txn)
	for i := range out {
		out[i].Pos = pos
		out[i].CommitTS = ts
	}
	d.txn = d.txn[:0]
	return out
}

func (d *decoder) bufferRows(eventType replication.EventType, e *replication.RowsEvent) error {
	schemaName := string(e.Table.Schema)
	tableName := string(e.Table.Table)
	if !d.match(schemaName, tableName) {
		return nil
	}

	columns, err := d.schemas.TableColumns(schemaName, tableName)
	if err != nil {
		return errors.Wrapf(err, "columns for %s.%s", schemaName, tableName)
	}

	switch eventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			d.txn = append(d.txn, event.ChangeEvent{
				Schema: schemaName,
				Table:  tableName,
				Op:     event.OpCreate,
				After:  rowImage(columns, row),
			})
		}

	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		// Update rows arrive as before/after pairs.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			d.txn = append(d.txn, event.ChangeEvent{
				Schema: schemaName,
				Table:  tableName,
				Op:     event.OpUpdate,
				Before: rowImage(columns, e.Rows[i]),
				After:  rowImage(columns, e.Rows[i+1]),
			})
		}

	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			d.txn = append(d.txn, event.ChangeEvent{
				Schema: schemaName,
				Table:  tableName,
				Op:     event.OpDelete,
				Before: rowImage(columns, row),
			})
		}
	}
	return nil
}

// rowImage maps positional binlog values onto column names. Byte
// slices become strings so text columns serialize as JSON strings
// rather than base64.
func rowImage(columns []string, row []interface{}) *event.RowImage {
	img := event.NewRowImage(columns)
	for i, col := range columns {
		if i >= len(row) {
			break
		}
		if b, ok := row[i].([]byte); ok {
			img.Set(col, string(b))
		} else {
			img.Set(col, row[i])
		}
	}
	return img
}
