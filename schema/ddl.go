package schema

import (
	"github.com/pingcap/tidb/parser"
	"github.com/pingcap/tidb/parser/ast"
	_ "github.com/pingcap/tidb/types/parser_driver"
)

// TableRef identifies a table affected by a DDL statement.
type TableRef struct {
	Schema string
	Table  string
}

// ParseDDL parses a QUERY-event statement and returns the tables whose
// definitions it changes. Statements that are not DDL (or that the
// parser rejects) yield no refs; the caller skips them. Refs without an
// explicit schema get defaultSchema, which is the binlog event's
// current database.
func ParseDDL(sql string, defaultSchema string) []TableRef {
	stmts, _, err := parser.New().Parse(sql, "", "")
	if err != nil {
		return nil
	}

	var refs []TableRef
	for _, stmt := range stmts {
		for _, ref := range ddlTables(stmt) {
			if ref.Schema == "" {
				ref.Schema = defaultSchema
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

func ddlTables(stmt ast.StmtNode) []TableRef {
	switch t := stmt.(type) {
	case *ast.RenameTableStmt:
		var refs []TableRef
		for _, tt := range t.TableToTables {
			refs = append(refs,
				TableRef{Schema: tt.OldTable.Schema.String(), Table: tt.OldTable.Name.String()},
				TableRef{Schema: tt.NewTable.Schema.String(), Table: tt.NewTable.Name.String()},
			)
		}
		return refs
	case *ast.AlterTableStmt:
		return []TableRef{{Schema: t.Table.Schema.String(), Table: t.Table.Name.String()}}
	case *ast.TruncateTableStmt:
		return []TableRef{{Schema: t.Table.Schema.String(), Table: t.Table.Name.String()}}
	case *ast.DropTableStmt:
		var refs []TableRef
		for _, table := range t.Tables {
			refs = append(refs, TableRef{Schema: table.Schema.String(), Table: table.Name.String()})
		}
		return refs
	case *ast.CreateTableStmt:
		return []TableRef{{Schema: t.Table.Schema.String(), Table: t.Table.Name.String()}}
	}
	return nil
}
