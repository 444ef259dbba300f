package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDDLAlterTable(t *testing.T) {
	refs := ParseDDL("ALTER TABLE orders ADD COLUMN note varchar(255)", "shop")
	assert.Equal(t, []TableRef{{Schema: "shop", Table: "orders"}}, refs)
}

func TestParseDDLQualifiedSchemaWins(t *testing.T) {
	refs := ParseDDL("ALTER TABLE crm.leads DROP COLUMN phone", "shop")
	assert.Equal(t, []TableRef{{Schema: "crm", Table: "leads"}}, refs)
}

func TestParseDDLRenameTouchesBothNames(t *testing.T) {
	refs := ParseDDL("RENAME TABLE orders TO orders_old", "shop")
	assert.Equal(t, []TableRef{
		{Schema: "shop", Table: "orders"},
		{Schema: "shop", Table: "orders_old"},
	}, refs)
}

func TestParseDDLDropMultiple(t *testing.T) {
	refs := ParseDDL("DROP TABLE a, b", "shop")
	assert.Equal(t, []TableRef{
		{Schema: "shop", Table: "a"},
		{Schema: "shop", Table: "b"},
	}, refs)
}

func TestParseDDLTruncate(t *testing.T) {
	refs := ParseDDL("TRUNCATE TABLE sessions", "shop")
	assert.Equal(t, []TableRef{{Schema: "shop", Table: "sessions"}}, refs)
}

func TestParseDDLCreateTable(t *testing.T) {
	refs := ParseDDL("CREATE TABLE audit (id bigint primary key)", "shop")
	assert.Equal(t, []TableRef{{Schema: "shop", Table: "audit"}}, refs)
}

func TestParseDDLIgnoresNonDDL(t *testing.T) {
	assert.Nil(t, ParseDDL("GRANT SELECT ON shop.* TO 'reader'@'%'", "shop"))
	assert.Nil(t, ParseDDL("INSERT INTO orders VALUES (1)", "shop"))
}

func TestParseDDLIgnoresUnparseable(t *testing.T) {
	assert.Nil(t, ParseDDL("THIS IS NOT SQL AT ALL", "shop"))
}
