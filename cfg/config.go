// Package cfg loads and validates the TOML configuration file.
package cfg

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// SourceConfiguration describes the MySQL server whose binlog is tailed.
type SourceConfiguration struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	ServerID      uint32 `toml:"server_id"`
	Flavor        string `toml:"flavor"`          // "mysql" or "mariadb"
	ReadTimeoutMS int    `toml:"read_timeout_ms"` // 0 = block forever on GetEvent
}

// KafkaConfiguration describes the downstream broker.
type KafkaConfiguration struct {
	Brokers         []string `toml:"brokers"`
	Version         string   `toml:"version"`
	MaxMessageBytes int      `toml:"max_message_bytes"`
}

// OffsetsConfiguration selects the committed-offset backend.
type OffsetsConfiguration struct {
	StoreType string `toml:"store"` // "file" or "mysql"
	Dir       string `toml:"dir"`   // file store directory
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	User      string `toml:"user"`
	Password  string `toml:"password"`
	Database  string `toml:"database"`
}

// AdminConfiguration controls the management HTTP API.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// RetryConfiguration bounds component retry loops.
type RetryConfiguration struct {
	MaxAttempts int     `toml:"max_attempts" json:"max_attempts"`
	InitialMS   int     `toml:"initial_ms" json:"initial_ms"`
	MaxMS       int     `toml:"max_ms" json:"max_ms"`
	Multiplier  float64 `toml:"multiplier" json:"multiplier"`
}

// Delay returns the backoff delay before the given 1-based attempt,
// capped at MaxMS.
func (r RetryConfiguration) Delay(attempt int) time.Duration {
	d := float64(r.InitialMS)
	for i := 1; i < attempt; i++ {
		d *= r.Multiplier
		if d >= float64(r.MaxMS) {
			d = float64(r.MaxMS)
			break
		}
	}
	return time.Duration(d) * time.Millisecond
}

// TransformStep is one entry of a pipeline's transform list. Kind is
// one of rename-table, rename-column, drop-column.
type TransformStep struct {
	Kind   string `toml:"kind" json:"kind"`
	Table  string `toml:"table" json:"table,omitempty"`   // qualified schema.table the step applies to; empty = all
	From   string `toml:"from" json:"from,omitempty"`     // column or table being renamed
	To     string `toml:"to" json:"to,omitempty"`         // new name
	Column string `toml:"column" json:"column,omitempty"` // drop-column target
}

// PipelineConfiguration is one ConnectorTask: a source database plus a
// table allow-list bound to a pair of output topic profiles. The json
// tags mirror the toml ones so API deploys speak the same field names
// as the config file.
type PipelineConfiguration struct {
	Name     string   `toml:"name" json:"name"`
	Database string   `toml:"database" json:"database"`
	Tables   []string `toml:"tables" json:"tables,omitempty"` // glob patterns, empty = all tables

	SnapshotMode string `toml:"snapshot_mode" json:"snapshot_mode"` // initial | schema_only | never

	EnvelopedTopics bool   `toml:"enveloped_topics" json:"enveloped_topics"`
	UnwrappedTopics bool   `toml:"unwrapped_topics" json:"unwrapped_topics"`
	TopicPrefix     string `toml:"topic_prefix" json:"topic_prefix"` // logical server name

	Transforms []TransformStep `toml:"transforms" json:"transforms,omitempty"`

	MaxBatchSize          int `toml:"max_batch_size" json:"max_batch_size"`
	PollIntervalMS        int `toml:"poll_interval_ms" json:"poll_interval_ms"`
	MaxQueueSize          int `toml:"max_queue_size" json:"max_queue_size"`
	BackpressureTimeoutMS int `toml:"backpressure_timeout_ms" json:"backpressure_timeout_ms"` // 0 = block forever

	// skip | fail; what to do when an event cannot be serialized
	OnSerializationError string `toml:"on_serialization_error" json:"on_serialization_error"`

	Retry RetryConfiguration `toml:"retry" json:"retry"`
}

// PollInterval returns the flush window as a duration.
func (p PipelineConfiguration) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// BackpressureTimeout returns the maximum enqueue wait, 0 meaning none.
func (p PipelineConfiguration) BackpressureTimeout() time.Duration {
	return time.Duration(p.BackpressureTimeoutMS) * time.Millisecond
}

// Config is the root of the TOML file.
type Config struct {
	Source    SourceConfiguration     `toml:"source"`
	Kafka     KafkaConfiguration      `toml:"kafka"`
	Offsets   OffsetsConfiguration    `toml:"offsets"`
	Admin     AdminConfiguration      `toml:"admin"`
	Logging   LoggingConfiguration    `toml:"logging"`
	Pipelines []PipelineConfiguration `toml:"pipeline"`
}

const (
	DefaultMaxBatchSize   = 100
	DefaultPollIntervalMS = 500
	DefaultMaxQueueSize   = 4096
	DefaultRetryAttempts  = 10
	DefaultRetryInitialMS = 100
	DefaultRetryMaxMS     = 30000
	DefaultRetryMult      = 2.0
)

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Port == 0 {
		c.Source.Port = 3306
	}
	if c.Source.Flavor == "" {
		c.Source.Flavor = "mysql"
	}
	if c.Offsets.StoreType == "" {
		c.Offsets.StoreType = "file"
	}
	if c.Offsets.Dir == "" {
		c.Offsets.Dir = "."
	}
	if c.Offsets.Port == 0 {
		c.Offsets.Port = 3306
	}
	if c.Admin.BindAddress == "" {
		c.Admin.BindAddress = "0.0.0.0"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8083
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	for i := range c.Pipelines {
		c.Pipelines[i].ApplyDefaults()
	}
}

// ApplyDefaults fills unset tuning fields of one pipeline. Called for
// every pipeline in the config file and again for pipelines deployed
// through the management API.
func (p *PipelineConfiguration) ApplyDefaults() {
	if p.SnapshotMode == "" {
		p.SnapshotMode = "initial"
	}
	if !p.EnvelopedTopics && !p.UnwrappedTopics {
		p.EnvelopedTopics = true
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = DefaultMaxBatchSize
	}
	if p.PollIntervalMS <= 0 {
		p.PollIntervalMS = DefaultPollIntervalMS
	}
	if p.MaxQueueSize <= 0 {
		p.MaxQueueSize = DefaultMaxQueueSize
	}
	if p.OnSerializationError == "" {
		p.OnSerializationError = "fail"
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if p.Retry.InitialMS <= 0 {
		p.Retry.InitialMS = DefaultRetryInitialMS
	}
	if p.Retry.MaxMS <= 0 {
		p.Retry.MaxMS = DefaultRetryMaxMS
	}
	if p.Retry.Multiplier <= 1 {
		p.Retry.Multiplier = DefaultRetryMult
	}
}

// Validate checks the loaded configuration for mistakes that would
// otherwise only surface at stream time.
func (c *Config) Validate() error {
	if c.Source.Host == "" {
		return errors.New("source.host is required")
	}
	if c.Source.ServerID == 0 {
		return errors.New("source.server_id is required and must be unique per replica")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	switch c.Offsets.StoreType {
	case "file":
	case "mysql":
		if c.Offsets.Host == "" || c.Offsets.Database == "" {
			return errors.New("offsets.host and offsets.database are required for the mysql store")
		}
	default:
		return errors.Errorf("unknown offsets.store %q", c.Offsets.StoreType)
	}
	if len(c.Pipelines) == 0 {
		return errors.New("at least one [[pipeline]] is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Pipelines {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return errors.Errorf("duplicate pipeline name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Validate checks one pipeline section.
func (p PipelineConfiguration) Validate() error {
	if p.Name == "" {
		return errors.New("pipeline.name is required")
	}
	if p.Database == "" {
		return errors.Errorf("pipeline %q: database is required", p.Name)
	}
	if p.TopicPrefix == "" {
		return errors.Errorf("pipeline %q: topic_prefix is required", p.Name)
	}
	switch p.SnapshotMode {
	case "initial", "schema_only", "never":
	default:
		return errors.Errorf("pipeline %q: unknown snapshot_mode %q", p.Name, p.SnapshotMode)
	}
	switch p.OnSerializationError {
	case "skip", "fail":
	default:
		return errors.Errorf("pipeline %q: unknown on_serialization_error %q", p.Name, p.OnSerializationError)
	}
	for _, t := range p.Transforms {
		switch t.Kind {
		case "rename-table":
			if t.From == "" || t.To == "" {
				return errors.Errorf("pipeline %q: rename-table needs from and to", p.Name)
			}
		case "rename-column":
			if t.From == "" || t.To == "" {
				return errors.Errorf("pipeline %q: rename-column needs from and to", p.Name)
			}
		case "drop-column":
			if t.Column == "" {
				return errors.Errorf("pipeline %q: drop-column needs column", p.Name)
			}
		default:
			return errors.Errorf("pipeline %q: unknown transform kind %q", p.Name, t.Kind)
		}
	}
	return nil
}
