package transform

import (
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/event"
)

// Step is one deterministic, side-effect-free rewrite applied to an
// event copy before serialization.
type Step interface {
	Apply(ev *stagedEvent)
}

// stagedEvent is the mutable working copy a step operates on. The
// original ChangeEvent stays untouched.
type stagedEvent struct {
	Schema string
	Table  string
	Op     event.Operation
	Before *event.RowImage
	After  *event.RowImage
}

func stage(ev event.ChangeEvent) *stagedEvent {
	return &stagedEvent{
		Schema: ev.Schema,
		Table:  ev.Table,
		Op:     ev.Op,
		Before: ev.Before.Clone(),
		After:  ev.After.Clone(),
	}
}

func (s *stagedEvent) qualified() string {
	return s.Schema + "." + s.Table
}

type renameTableStep struct {
	from string // qualified or bare table name
	to   string
}

func (r renameTableStep) Apply(ev *stagedEvent) {
	if ev.Table == r.from || ev.qualified() == r.from {
		ev.Table = r.to
	}
}

type renameColumnStep struct {
	table string // qualified name the step is scoped to, empty = all
	from  string
	to    string
}

func (r renameColumnStep) Apply(ev *stagedEvent) {
	if r.table != "" && ev.qualified() != r.table {
		return
	}
	if ev.Before != nil {
		ev.Before.Rename(r.from, r.to)
	}
	if ev.After != nil {
		ev.After.Rename(r.from, r.to)
	}
}

type dropColumnStep struct {
	table  string
	column string
}

func (d dropColumnStep) Apply(ev *stagedEvent) {
	if d.table != "" && ev.qualified() != d.table {
		return
	}
	if ev.Before != nil {
		ev.Before.Drop(d.column)
	}
	if ev.After != nil {
		ev.After.Drop(d.column)
	}
}

func buildSteps(specs []cfg.TransformStep) ([]Step, error) {
	steps := make([]Step, 0, len(specs))
	for _, s := range specs {
		switch s.Kind {
		case "rename-table":
			steps = append(steps, renameTableStep{from: s.From, to: s.To})
		case "rename-column":
			steps = append(steps, renameColumnStep{table: s.Table, from: s.From, to: s.To})
		case "drop-column":
			steps = append(steps, dropColumnStep{table: s.Table, column: s.Column})
		default:
			return nil, errors.Errorf("unknown transform kind %q", s.Kind)
		}
	}
	return steps, nil
}
