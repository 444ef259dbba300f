package transform

import (
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// TableFilter matches table names against glob patterns. An empty
// pattern list matches every table.
type TableFilter struct {
	globs []glob.Glob
}

// NewTableFilter compiles the patterns.
func NewTableFilter(patterns []string) (*TableFilter, error) {
	f := &TableFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid table pattern %q", pattern)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether the table is allow-listed.
func (f *TableFilter) Match(table string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}
