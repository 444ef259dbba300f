// Package snapshot performs the initial consistent table read and
// establishes the binlog position streaming resumes from.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/logger"
	"github.com/rillstream/go-mysql-cdc/telemetry"
)

// ErrSnapshotFailed is fatal to task start: the consistent position
// could not be established or the scan broke, so streaming must not
// proceed.
var ErrSnapshotFailed = errors.New("snapshot failed")

// Mode selects how much initial state a task captures.
type Mode string

const (
	ModeInitial    Mode = "initial"     // consistent full-table read, then stream
	ModeSchemaOnly Mode = "schema_only" // warm metadata, no rows
	ModeNever      Mode = "never"       // stream only
)

// Conn is the subset of the source connection the coordinator needs.
// *client.Conn from go-mysql satisfies it.
type Conn interface {
	Execute(command string, args ...interface{}) (*mysql.Result, error)
	ExecuteSelectStreaming(command string, result *mysql.Result, perRowCallback client.SelectPerRowCallback, perResultCallback client.SelectPerResultCallback) error
	Close() error
}

// EmitFunc receives snapshot rows one at a time; returning an error
// aborts the scan. The sequence is lazy, finite and not restartable.
type EmitFunc func(ev event.ChangeEvent) error

// Warmer pre-loads table metadata so decoding can start without round
// trips. *schema.Cache satisfies it.
type Warmer interface {
	TableColumns(schema, table string) ([]string, error)
}

// Run executes the configured snapshot mode and returns the exact
// position at which streaming must resume.
//
// The consistency mechanism is a REPEATABLE READ transaction opened
// WITH CONSISTENT SNAPSHOT: the binlog coordinates read inside it
// correspond to the snapshot's point in time, so no global read lock
// is held while tables are scanned and writers are never blocked.
func Run(ctx context.Context, taskName string, conn Conn, warm Warmer, database string, tables []string, mode Mode, emit EmitFunc) (event.Position, error) {
	switch mode {
	case ModeNever:
		// No initial read: streaming starts at the current head.
		return masterPosition(conn)
	case ModeSchemaOnly:
		for _, table := range tables {
			if _, err := warm.TableColumns(database, table); err != nil {
				return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "warm schema for %s.%s: %v", database, table, err)
			}
		}
		pos, err := masterPosition(conn)
		if err != nil {
			return event.Position{}, err
		}
		return pos, nil
	case ModeInitial:
		return runInitial(ctx, taskName, conn, warm, database, tables, emit)
	}
	return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "unknown snapshot mode %q", mode)
}

func runInitial(ctx context.Context, taskName string, conn Conn, warm Warmer, database string, tables []string, emit EmitFunc) (event.Position, error) {
	if _, err := conn.Execute("SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "set isolation level: %v", err)
	}
	if _, err := conn.Execute("START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
		return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "open consistent snapshot: %v", err)
	}
	defer conn.Execute("COMMIT")

	pos, err := masterPosition(conn)
	if err != nil {
		return event.Position{}, err
	}

	start := time.Now()
	now := start.UnixMilli()
	var total int64

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "canceled: %v", err)
		}
		if _, err := warm.TableColumns(database, table); err != nil {
			return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "warm schema for %s.%s: %v", database, table, err)
		}

		rows, err := scanTable(conn, database, table, pos, now, emit)
		if err != nil {
			return event.Position{}, err
		}
		total += rows
		telemetry.SnapshotRows.WithLabelValues(taskName).Add(float64(rows))
	}

	logger.Info(ctx).
		Str("task", taskName).
		Int64("rows", total).
		Str("resume_position", pos.String()).
		Dur("elapsed", time.Since(start)).
		Msg("snapshot complete")

	return pos, nil
}

// scanTable streams the table row by row so a large table never sits
// in memory as a whole resultset.
func scanTable(conn Conn, database, table string, pos event.Position, ts int64, emit EmitFunc) (int64, error) {
	var (
		columns []string
		count   int64
		res     mysql.Result
	)

	perRow := func(row []mysql.FieldValue) error {
		img := event.NewRowImage(columns)
		for i := range row {
			if i >= len(columns) {
				break
			}
			v := row[i].Value()
			if b, ok := v.([]byte); ok {
				// Copies out of the driver's reused row buffer.
				img.Set(columns[i], string(b))
			} else {
				img.Set(columns[i], v)
			}
		}

		ev := event.ChangeEvent{
			Schema:   database,
			Table:    table,
			Op:       event.OpSnapshot,
			After:    img,
			Pos:      pos,
			CommitTS: ts,
		}
		if err := emit(ev); err != nil {
			return errors.Wrapf(ErrSnapshotFailed, "emit snapshot row: %v", err)
		}
		count++
		return nil
	}

	perResult := func(result *mysql.Result) error {
		columns = make([]string, len(result.Fields))
		for i, f := range result.Fields {
			columns[i] = string(f.Name)
		}
		return nil
	}

	query := fmt.Sprintf("SELECT * FROM `%s`.`%s`", database, table)
	if err := conn.ExecuteSelectStreaming(query, &res, perRow, perResult); err != nil {
		if errors.Is(err, ErrSnapshotFailed) {
			return count, err
		}
		return count, errors.Wrapf(ErrSnapshotFailed, "scan %s.%s: %v", database, table, err)
	}
	return count, nil
}

func masterPosition(conn Conn) (event.Position, error) {
	res, err := conn.Execute("SHOW MASTER STATUS")
	if err != nil {
		return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "show master status: %v", err)
	}

	if res.RowNumber() == 0 {
		return event.Position{}, errors.Wrap(ErrSnapshotFailed, "binary logging is not enabled on the source")
	}

	file, err := res.GetString(0, 0)
	if err != nil {
		return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "read binlog file: %v", err)
	}
	offset, err := res.GetUint(0, 1)
	if err != nil {
		return event.Position{}, errors.Wrapf(ErrSnapshotFailed, "read binlog offset: %v", err)
	}

	pos := event.Position{File: file, Offset: uint32(offset)}
	if gtid, err := res.GetStringByName(0, "Executed_Gtid_Set"); err == nil {
		pos.GTID = gtid
	}
	return pos, nil
}
