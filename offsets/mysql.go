package offsets

import (
	"context"

	"github.com/feiin/ploto"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
)

// Schema for the backing table:
//
//	create table cdc_offsets (
//	  task_name   varchar(128) not null primary key,
//	  binlog_file varchar(255) not null,
//	  binlog_pos  int unsigned not null,
//	  binlog_gtid text,
//	  meta_data   mediumtext
//	);

type offsetRow struct {
	TaskName   string `db:"task_name" json:"task_name"`
	BinlogFile string `db:"binlog_file" json:"binlog_file"`
	BinlogPos  uint32 `db:"binlog_pos" json:"binlog_pos"`
	BinlogGtid string `db:"binlog_gtid" json:"binlog_gtid"`
	MetaData   string `db:"meta_data" json:"meta_data"`
}

// MySQLStore keeps committed offsets in a MySQL table, one row per
// task, written with an upsert.
type MySQLStore struct {
	db *ploto.Dialect
}

// NewMySQLStore opens the offsets database.
func NewMySQLStore(conf cfg.OffsetsConfiguration) (*MySQLStore, error) {
	config := ploto.DialectConfig{
		Clients: map[string]*ploto.DialectClientOption{
			"offset_store": {
				Host:     conf.Host,
				Port:     conf.Port,
				User:     conf.User,
				Password: conf.Password,
				Database: conf.Database,
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
		return nil, errors.Wrap(err, "open offset store db")
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Load(ctx context.Context, taskName string) (*Committed, error) {
	var row offsetRow
	err := s.db.Use("offset_store").QueryContext(ctx,
		"select task_name as task_name, binlog_file as binlog_file, binlog_pos as binlog_pos, binlog_gtid as binlog_gtid, meta_data as meta_data from cdc_offsets where task_name=?",
		taskName).Scan(&row)
	if err != nil {
		return nil, errors.Wrapf(err, "load offsets for %s", taskName)
	}
	if row.TaskName == "" {
		return nil, nil
	}

	c := &Committed{TaskName: row.TaskName}
	c.Position.File = row.BinlogFile
	c.Position.Offset = row.BinlogPos
	c.Position.GTID = row.BinlogGtid
	if row.MetaData != "" {
		c.Meta = []byte(row.MetaData)
	}
	return c, nil
}

func (s *MySQLStore) Save(ctx context.Context, c Committed) error {
	_, err := s.db.Use("offset_store").Exec(
		"insert into cdc_offsets (task_name, binlog_file, binlog_pos, binlog_gtid, meta_data) values (?, ?, ?, ?, ?) on duplicate key update binlog_file=values(binlog_file), binlog_pos=values(binlog_pos), binlog_gtid=values(binlog_gtid), meta_data=values(meta_data)",
		c.TaskName, c.Position.File, c.Position.Offset, c.Position.GTID, string(c.Meta))
	return errors.Wrapf(err, "save offsets for %s", c.TaskName)
}

func (s *MySQLStore) Clear(ctx context.Context, taskName string) error {
	_, err := s.db.Use("offset_store").Exec(
		"delete from cdc_offsets where task_name=?", taskName)
	return errors.Wrapf(err, "clear offsets for %s", taskName)
}
