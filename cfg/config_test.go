package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
[source]
host = "127.0.0.1"
user = "repl"
password = "secret"
server_id = 1001

[kafka]
brokers = ["127.0.0.1:9092"]

[[pipeline]]
name = "orders"
database = "shop"
topic_prefix = "prod-shop"
`

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 3306, c.Source.Port)
	assert.Equal(t, "mysql", c.Source.Flavor)
	assert.Equal(t, "file", c.Offsets.StoreType)
	assert.Equal(t, 8083, c.Admin.Port)
	assert.Equal(t, "console", c.Logging.Format)

	require.Len(t, c.Pipelines, 1)
	p := c.Pipelines[0]
	assert.Equal(t, "initial", p.SnapshotMode)
	assert.True(t, p.EnvelopedTopics)
	assert.False(t, p.UnwrappedTopics)
	assert.Equal(t, DefaultMaxBatchSize, p.MaxBatchSize)
	assert.Equal(t, DefaultPollIntervalMS, p.PollIntervalMS)
	assert.Equal(t, DefaultMaxQueueSize, p.MaxQueueSize)
	assert.Equal(t, "fail", p.OnSerializationError)
	assert.Equal(t, DefaultRetryAttempts, p.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.PollInterval())
}

func TestLoadFullPipeline(t *testing.T) {
	c, err := Load(writeConfig(t, `
[source]
host = "db.internal"
port = 3307
user = "repl"
password = "secret"
server_id = 42
flavor = "mariadb"

[kafka]
brokers = ["k1:9092", "k2:9092"]
version = "2.8.0"

[offsets]
store = "mysql"
host = "meta.internal"
user = "cdc"
password = "pw"
database = "cdc_meta"

[admin]
enabled = true
port = 9090

[[pipeline]]
name = "users"
database = "app"
tables = ["user*", "account"]
snapshot_mode = "schema_only"
unwrapped_topics = true
topic_prefix = "prod-app"
max_batch_size = 250
backpressure_timeout_ms = 5000
on_serialization_error = "skip"

[[pipeline.transforms]]
kind = "drop-column"
table = "app.users"
column = "password_hash"

[pipeline.retry]
max_attempts = 3
initial_ms = 50
max_ms = 1000
multiplier = 3.0
`))
	require.NoError(t, err)

	assert.Equal(t, "mariadb", c.Source.Flavor)
	assert.Equal(t, "mysql", c.Offsets.StoreType)
	assert.True(t, c.Admin.Enabled)

	p := c.Pipelines[0]
	assert.Equal(t, []string{"user*", "account"}, p.Tables)
	assert.Equal(t, "schema_only", p.SnapshotMode)
	assert.True(t, p.UnwrappedTopics)
	assert.False(t, p.EnvelopedTopics)
	assert.Equal(t, 5*time.Second, p.BackpressureTimeout())
	require.Len(t, p.Transforms, 1)
	assert.Equal(t, "drop-column", p.Transforms[0].Kind)
	assert.Equal(t, 3, p.Retry.MaxAttempts)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing source host", `
[source]
server_id = 1
[kafka]
brokers = ["b:9092"]
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
`},
		{"missing server id", `
[source]
host = "h"
[kafka]
brokers = ["b:9092"]
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
`},
		{"missing brokers", `
[source]
host = "h"
server_id = 1
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
`},
		{"no pipelines", `
[source]
host = "h"
server_id = 1
[kafka]
brokers = ["b:9092"]
`},
		{"duplicate pipeline names", `
[source]
host = "h"
server_id = 1
[kafka]
brokers = ["b:9092"]
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
[[pipeline]]
name = "p"
database = "d2"
topic_prefix = "y"
`},
		{"unknown snapshot mode", `
[source]
host = "h"
server_id = 1
[kafka]
brokers = ["b:9092"]
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
snapshot_mode = "sometimes"
`},
		{"mysql offsets without host", `
[source]
host = "h"
server_id = 1
[kafka]
brokers = ["b:9092"]
[offsets]
store = "mysql"
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
`},
		{"bad transform kind", `
[source]
host = "h"
server_id = 1
[kafka]
brokers = ["b:9092"]
[[pipeline]]
name = "p"
database = "d"
topic_prefix = "x"
[[pipeline.transforms]]
kind = "uppercase"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestRetryDelay(t *testing.T) {
	r := RetryConfiguration{MaxAttempts: 5, InitialMS: 100, MaxMS: 450, Multiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	// Capped.
	assert.Equal(t, 450*time.Millisecond, r.Delay(4))
	assert.Equal(t, 450*time.Millisecond, r.Delay(10))
}
