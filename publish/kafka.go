// Package publish writes transformed messages to Kafka in batches and
// gates offset commits on broker acknowledgment.
package publish

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/transform"
)

// Sink is a destination for transformed messages. Publish returns only
// after every message in the batch is durably acknowledged.
type Sink interface {
	Publish(batch []transform.Message) error
	Close() error
}

// KafkaSink publishes through a sarama SyncProducer. The hash
// partitioner plus a single in-flight request per broker preserves
// per-key ordering end to end.
type KafkaSink struct {
	producer sarama.SyncProducer
}

// NewKafkaSink connects a synchronous producer.
func NewKafkaSink(conf cfg.KafkaConfiguration) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Return.Successes = true
	config.Net.MaxOpenRequests = 1
	if conf.MaxMessageBytes > 0 {
		config.Producer.MaxMessageBytes = conf.MaxMessageBytes
	}
	if conf.Version != "" {
		version, err := sarama.ParseKafkaVersion(conf.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "parse kafka version %q", conf.Version)
		}
		config.Version = version
	}

	producer, err := sarama.NewSyncProducer(conf.Brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "connect kafka producer")
	}
	return &KafkaSink{producer: producer}, nil
}

// NewKafkaSinkFromProducer wraps an existing producer. Used by tests
// with sarama's mock producer.
func NewKafkaSinkFromProducer(producer sarama.SyncProducer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

// Publish sends the batch and waits for acks on every message.
func (k *KafkaSink) Publish(batch []transform.Message) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(batch))
	for _, m := range batch {
		pm := &sarama.ProducerMessage{
			Topic: m.Topic,
			Key:   sarama.StringEncoder(m.Key),
		}
		if m.Value != nil {
			pm.Value = sarama.ByteEncoder(m.Value)
		}
		msgs = append(msgs, pm)
	}
	return errors.Wrap(k.producer.SendMessages(msgs), "send kafka batch")
}

// Close shuts the producer down.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
