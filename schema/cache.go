package schema

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Fetcher loads table metadata on a cache miss. *Store implements it;
// tests substitute a fake.
type Fetcher interface {
	TableInfo(schema, table string) (TableInfo, error)
}

// Cache is a fill-on-miss table metadata cache keyed by schema.table.
// Row events on the binlog carry column values by position only, so
// every decode goes through here. Safe for concurrent use by multiple
// pipelines.
type Cache struct {
	mu      sync.RWMutex
	fetcher Fetcher
	tables  map[string]map[string]TableInfo
}

// NewCache creates an empty cache backed by the given fetcher.
func NewCache(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		tables:  make(map[string]map[string]TableInfo),
	}
}

func (c *Cache) lookup(schema, table string) (TableInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.tables[schema]; ok {
		if info, ok := m[table]; ok {
			return info, true
		}
	}
	return TableInfo{}, false
}

func (c *Cache) fill(schema, table string) (TableInfo, error) {
	info, err := c.fetcher.TableInfo(schema, table)
	if err != nil {
		return TableInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[schema]; !ok {
		c.tables[schema] = make(map[string]TableInfo)
	}
	c.tables[schema][table] = info
	return info, nil
}

// Info returns metadata for a table, fetching on first use.
func (c *Cache) Info(schema, table string) (TableInfo, error) {
	if info, ok := c.lookup(schema, table); ok {
		return info, nil
	}
	return c.fill(schema, table)
}

// Columns returns the ordered column names of a table.
func (c *Cache) TableColumns(schema, table string) ([]string, error) {
	info, err := c.Info(schema, table)
	if err != nil {
		return nil, err
	}
	return info.Columns, nil
}

// PrimaryKey returns the identity columns of a table.
func (c *Cache) PrimaryKey(schema, table string) ([]string, error) {
	info, err := c.Info(schema, table)
	if err != nil {
		return nil, err
	}
	return info.PKColumns, nil
}

// InvalidateTable drops a table's cached metadata. Called when a DDL
// statement touching the table appears on the binlog; the next row
// event refills from information_schema. Dropping rather than eagerly
// refetching keeps DROP TABLE from erroring here.
func (c *Cache) InvalidateTable(schema, table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.tables[schema]; ok {
		delete(m, table)
	}
}

// Snapshot serializes the cache contents. Persisted alongside offsets
// so a restart can decode rows logged before the cache is warm again.
func (c *Cache) Snapshot() (json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.tables)
}

// Restore replaces the cache contents from a Snapshot payload.
func (c *Cache) Restore(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	tables := make(map[string]map[string]TableInfo)
	if err := json.Unmarshal(data, &tables); err != nil {
		return errors.Wrap(err, "restore schema cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = tables
	return nil
}
