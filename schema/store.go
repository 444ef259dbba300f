// Package schema resolves and caches table column metadata from the
// source server's information_schema, and parses DDL statements seen
// on the binlog so stale cache entries are refreshed.
package schema

import (
	"github.com/feiin/ploto"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
)

type columnRow struct {
	ColumnName string `db:"column_name" json:"column_name"`
	ColumnKey  string `db:"column_key" json:"column_key"`
}

type tableRow struct {
	TableName string `db:"table_name" json:"table_name"`
}

// Store reads table metadata from the source's information_schema.
type Store struct {
	db *ploto.Dialect
}

// NewStore opens a small connection pool against the source server's
// information_schema database.
func NewStore(source cfg.SourceConfiguration) (*Store, error) {
	config := ploto.DialectConfig{
		Clients: map[string]*ploto.DialectClientOption{
			"source_meta": {
				Host:     source.Host,
				Port:     source.Port,
				User:     source.User,
				Password: source.Password,
				Database: "information_schema",
			},
		},
		Default: &ploto.DialectClientOption{
			Port:    3306,
			Dialect: "mysql",
			Pool: &ploto.DialectClientOptionPool{
				MaxIdleConns: 2,
				MaxLeftTime:  60000,
				MaxOpenConns: 5,
			},
			DialectOptions: map[string]string{
				"parseTime":    "true",
				"writeTimeout": "3000ms",
				"readTimeout":  "3000ms",
				"timeout":      "3000ms",
				"loc":          "Local",
			},
		},
	}

	db, err := ploto.Open(config, &ploto.DefaultLogger{})
	if err != nil {
		return nil, errors.Wrap(err, "open source meta db")
	}
	return &Store{db: db}, nil
}

// TableInfo is the cached metadata for one table.
type TableInfo struct {
	Columns   []string `json:"columns"`
	PKColumns []string `json:"pk_columns"`
}

// TableInfo fetches ordered columns and primary key columns.
func (s *Store) TableInfo(schema, table string) (TableInfo, error) {
	var rows []columnRow
	err := s.db.Use("source_meta").Query(
		"select column_name as column_name, column_key as column_key from columns where table_schema=? and table_name=? order by ORDINAL_POSITION asc",
		schema, table).Scan(&rows)
	if err != nil {
		return TableInfo{}, errors.Wrapf(err, "fetch columns for %s.%s", schema, table)
	}
	if len(rows) == 0 {
		return TableInfo{}, errors.Errorf("table %s.%s not found in information_schema", schema, table)
	}

	info := TableInfo{}
	for _, r := range rows {
		info.Columns = append(info.Columns, r.ColumnName)
		if r.ColumnKey == "PRI" {
			info.PKColumns = append(info.PKColumns, r.ColumnName)
		}
	}
	return info, nil
}

// ListTables returns all base table names of a database.
func (s *Store) ListTables(schema string) ([]string, error) {
	var rows []tableRow
	err := s.db.Use("source_meta").Query(
		"select table_name as table_name from tables where table_schema=? and table_type='BASE TABLE' order by table_name asc",
		schema).Scan(&rows)
	if err != nil {
		return nil, errors.Wrapf(err, "list tables of %s", schema)
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.TableName)
	}
	return names, nil
}
