package events

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"
	"github.com/ohsu-comp-bio/gfac/config"
)

// KafkaWriter writes events to a Kafka topic.
type KafkaWriter struct {
	conf     config.Kafka
	producer sarama.SyncProducer
}

// NewKafkaWriter creates a new event writer for writing events to a Kafka topic.
func NewKafkaWriter(conf config.Kafka) (*KafkaWriter, error) {
	sc := sarama.NewConfig()
	// Required by SyncProducer.
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(conf.Servers, sc)
	if err != nil {
		return nil, err
	}
	return NewKafkaWriterWithProducer(conf, producer), nil
}

// NewKafkaWriterWithProducer creates a KafkaWriter around an existing producer.
func NewKafkaWriterWithProducer(conf config.Kafka, producer sarama.SyncProducer) *KafkaWriter {
	return &KafkaWriter{conf, producer}
}

// Close closes the Kafka producer, cleaning up resources.
func (k *KafkaWriter) Close() error {
	return k.producer.Close()
}

// WriteEvent sends the event as JSON, keyed by session ID so that all events
// of one session land on the same partition.
func (k *KafkaWriter) WriteEvent(ctx context.Context, ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.conf.Topic,
		Key:   sarama.StringEncoder(ev.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}
