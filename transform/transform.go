// Package transform converts ChangeEvents into the wire messages of
// the two output topic profiles.
package transform

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/event"
	"github.com/rillstream/go-mysql-cdc/logger"
)

// Profile selects one of the two output shapes per table.
type Profile string

const (
	// Unwrapped carries the bare after image, or a tombstone for
	// deletes. Consumers distinguish deletes only by the null value.
	Unwrapped Profile = "unwrapped"
	// Enveloped carries before/after plus operation and source
	// metadata.
	Enveloped Profile = "enveloped"
)

// Message is one serialized record bound for the broker. Commit marks
// the final message of a source transaction: the offset at Pos may be
// committed once every message up to and including this one is
// acknowledged, so a partially published transaction never advances
// the offset.
type Message struct {
	Profile Profile
	Topic   string
	Key     string
	Value   []byte // nil is a tombstone
	Pos     event.Position
	Commit  bool
}

// KeyProvider supplies a table's identity columns. *schema.Cache
// implements it.
type KeyProvider interface {
	PrimaryKey(schema, table string) ([]string, error)
}

// Transformer is a pure ChangeEvent → []Message mapping configured per
// pipeline. Safe for concurrent use.
type Transformer struct {
	connector string // logical server name, leads every topic
	enveloped bool
	unwrapped bool
	steps     []Step
	keys      KeyProvider
	skipOnErr bool
}

// New builds a Transformer from a pipeline config.
func New(conf cfg.PipelineConfiguration, keys KeyProvider) (*Transformer, error) {
	steps, err := buildSteps(conf.Transforms)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		connector: conf.TopicPrefix,
		enveloped: conf.EnvelopedTopics,
		unwrapped: conf.UnwrappedTopics,
		steps:     steps,
		keys:      keys,
		skipOnErr: conf.OnSerializationError == "skip",
	}, nil
}

type envelope struct {
	Before *event.RowImage `json:"before"`
	After  *event.RowImage `json:"after"`
	Source envelopeSource  `json:"source"`
	Op     string          `json:"op"`
	TsMs   int64           `json:"ts_ms"`
}

type envelopeSource struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	TsMs      int64  `json:"ts_ms"`
}

// Apply maps one event to its configured output messages. With the
// skip policy a serialization failure logs and yields no messages;
// otherwise the error propagates and fails the task.
func (t *Transformer) Apply(ev event.ChangeEvent) ([]Message, error) {
	key, err := t.rowKey(ev)
	if err != nil {
		return nil, err
	}

	staged := stage(ev)
	for _, step := range t.steps {
		step.Apply(staged)
	}

	msgs := make([]Message, 0, 2)
	if t.enveloped {
		value, err := json.Marshal(envelope{
			Before: staged.Before,
			After:  staged.After,
			Source: envelopeSource{
				Connector: t.connector,
				Db:        staged.Schema,
				Table:     staged.Table,
				TsMs:      ev.CommitTS,
			},
			Op:   ev.Op.EnvelopeCode(),
			TsMs: ev.CommitTS,
		})
		if err != nil {
			return t.serializationFailure(ev, err)
		}
		msgs = append(msgs, Message{
			Profile: Enveloped,
			Topic:   t.connector + "." + staged.Schema + "." + staged.Table,
			Key:     key,
			Value:   value,
			Pos:     ev.Pos,
		})
	}

	if t.unwrapped {
		var value []byte
		if ev.Op != event.OpDelete {
			value, err = json.Marshal(staged.After)
			if err != nil {
				return t.serializationFailure(ev, err)
			}
		}
		msgs = append(msgs, Message{
			Profile: Unwrapped,
			Topic:   t.connector + "." + staged.Schema + "." + staged.Table + ".flat",
			Key:     key,
			Value:   value, // nil tombstone for deletes
			Pos:     ev.Pos,
		})
	}

	return msgs, nil
}

func (t *Transformer) serializationFailure(ev event.ChangeEvent, err error) ([]Message, error) {
	if t.skipOnErr {
		logger.ErrorWith(context.Background(), err).
			Str("table", ev.QualifiedTable()).
			Str("position", ev.Pos.String()).
			Msg("skipping unserializable event")
		return nil, nil
	}
	return nil, errors.Wrapf(err, "serialize event for %s at %s", ev.QualifiedTable(), ev.Pos)
}

// rowKey derives the partition key from the table's identity columns.
// The key is computed from the pre-transform images and from Before
// for deletes/updates, so every event of one logical row keys
// identically and per-row ordering survives partitioning.
func (t *Transformer) rowKey(ev event.ChangeEvent) (string, error) {
	pks, err := t.keys.PrimaryKey(ev.Schema, ev.Table)
	if err != nil {
		return "", errors.Wrapf(err, "identity columns for %s", ev.QualifiedTable())
	}

	img := ev.Before
	if img == nil {
		img = ev.After
	}

	keyImg := img
	if len(pks) > 0 {
		keyImg = event.NewRowImage(pks)
		for _, pk := range pks {
			if v, ok := img.Get(pk); ok {
				keyImg.Set(pk, v)
			}
		}
	}
	// Tables without a declared primary key fall back to the whole row
	// image, which still keys deletes to their inserts under FULL row
	// images.
	data, err := json.Marshal(keyImg)
	if err != nil {
		return "", errors.Wrapf(err, "serialize key for %s", ev.QualifiedTable())
	}
	return string(data), nil
}
