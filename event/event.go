// Package event defines the change event model shared by every stage
// of the pipeline: row images, binlog positions and the row-level
// ChangeEvent produced by the snapshot scanner and the binlog reader.
package event

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Operation identifies the kind of row mutation a ChangeEvent carries.
type Operation uint8

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
	OpSnapshot
)

// String returns the lowercase operation name used in logs.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// EnvelopeCode returns the single-letter op code used in the enveloped
// output format: c=create, u=update, d=delete, r=snapshot read.
func (op Operation) EnvelopeCode() string {
	switch op {
	case OpCreate:
		return "c"
	case OpUpdate:
		return "u"
	case OpDelete:
		return "d"
	case OpSnapshot:
		return "r"
	}
	return "u"
}

// Position identifies a point in the source binlog. File and Offset
// order the stream; GTID is carried opaquely for resumption.
type Position struct {
	File   string `json:"binlog_file"`
	Offset uint32 `json:"binlog_pos"`
	GTID   string `json:"binlog_gtid,omitempty"`
}

// IsZero reports whether the position has never been set.
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.GTID == ""
}

func (p Position) String() string {
	return p.File + ":" + strconv.FormatUint(uint64(p.Offset), 10)
}

// Compare orders two positions within one source stream. Binlog file
// names carry a numeric suffix (mysql-bin.000042), so files are ordered
// by that index and offsets break ties within a file.
func (p Position) Compare(other Position) int {
	a, b := fileIndex(p.File), fileIndex(other.File)
	if a != b {
		if a < b {
			return -1
		}
		return 1
	}
	if p.Offset != other.Offset {
		if p.Offset < other.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether p is strictly later than other.
func (p Position) After(other Position) bool {
	return p.Compare(other) > 0
}

func fileIndex(file string) uint64 {
	i := strings.LastIndexByte(file, '.')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseUint(file[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// RowImage is the full set of column values of one row at a point in
// time. Column order follows the table definition so serialized output
// is stable across events.
type RowImage struct {
	columns []string
	values  map[string]interface{}
}

// NewRowImage creates an empty row image with the given column order.
func NewRowImage(columns []string) *RowImage {
	return &RowImage{
		columns: columns,
		values:  make(map[string]interface{}, len(columns)),
	}
}

// Set assigns a column value. Columns not declared at construction are
// appended at the end, which only happens when the column cache was
// stale for this event.
func (r *RowImage) Set(column string, value interface{}) {
	if _, ok := r.values[column]; !ok {
		found := false
		for _, c := range r.columns {
			if c == column {
				found = true
				break
			}
		}
		if !found {
			r.columns = append(r.columns, column)
		}
	}
	r.values[column] = value
}

// Get returns the value of a column and whether it is present.
func (r *RowImage) Get(column string) (interface{}, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Columns returns the column order of the image.
func (r *RowImage) Columns() []string {
	return r.columns
}

// Len returns the number of columns present in the image.
func (r *RowImage) Len() int {
	return len(r.values)
}

// Clone returns a deep copy. Transform steps mutate copies so the same
// ChangeEvent can feed several output profiles.
func (r *RowImage) Clone() *RowImage {
	if r == nil {
		return nil
	}
	c := NewRowImage(append([]string(nil), r.columns...))
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Drop removes a column from the image.
func (r *RowImage) Drop(column string) {
	if _, ok := r.values[column]; !ok {
		return
	}
	delete(r.values, column)
	for i, c := range r.columns {
		if c == column {
			r.columns = append(r.columns[:i], r.columns[i+1:]...)
			break
		}
	}
}

// Rename changes a column name keeping its position and value.
func (r *RowImage) Rename(from, to string) {
	v, ok := r.values[from]
	if !ok {
		return
	}
	delete(r.values, from)
	r.values[to] = v
	for i, c := range r.columns {
		if c == from {
			r.columns[i] = to
			break
		}
	}
}

// MarshalJSON emits the image as a JSON object in column order. A nil
// image marshals as null so absent before/after states serialize the
// way downstream consumers expect.
func (r *RowImage) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, col := range r.columns {
		v, ok := r.values[col]
		if !ok {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		name, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		val, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal column %s", col)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ChangeEvent is one row-level mutation. Events are immutable once
// handed to the transformer.
type ChangeEvent struct {
	Schema   string
	Table    string
	Op       Operation
	Before   *RowImage
	After    *RowImage
	Pos      Position
	CommitTS int64 // unix milliseconds of the source commit
}

// QualifiedTable returns schema.table.
func (e ChangeEvent) QualifiedTable() string {
	return e.Schema + "." + e.Table
}

// Validate checks the before/after shape against the operation.
func (e ChangeEvent) Validate() error {
	switch e.Op {
	case OpCreate, OpSnapshot:
		if e.Before != nil {
			return errors.Errorf("%s event for %s carries a before image", e.Op, e.QualifiedTable())
		}
		if e.After == nil {
			return errors.Errorf("%s event for %s is missing the after image", e.Op, e.QualifiedTable())
		}
	case OpUpdate:
		if e.Before == nil || e.After == nil {
			return errors.Errorf("update event for %s needs both row images", e.QualifiedTable())
		}
	case OpDelete:
		if e.Before == nil {
			return errors.Errorf("delete event for %s is missing the before image", e.QualifiedTable())
		}
		if e.After != nil {
			return errors.Errorf("delete event for %s carries an after image", e.QualifiedTable())
		}
	default:
		return errors.Errorf("unknown operation %d", e.Op)
	}
	return nil
}
