package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

// KafkaSinkConfig holds Kafka sink settings.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink produces serialized event blobs to a Kafka topic. The
// synchronous produce acknowledgement stands in for the per-event ack
// frame, so the dispatcher commits on send.
type KafkaSink struct {
	name     string
	cfg      KafkaSinkConfig
	producer sarama.SyncProducer
}

// NewKafkaSink creates a Kafka sink; the producer connects lazily.
func NewKafkaSink(name string, cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}
	return &KafkaSink{name: name, cfg: cfg}, nil
}

func (k *KafkaSink) Name() string { return k.name }

func (k *KafkaSink) SupportsAcks() bool { return false }

func (k *KafkaSink) Connect(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 0 // the dispatcher owns retry

	producer, err := sarama.NewSyncProducer(k.cfg.Brokers, config)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	k.producer = producer
	return nil
}

func (k *KafkaSink) Send(blob []byte) error {
	if k.producer == nil {
		return errors.New("kafka sink is not connected")
	}
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.cfg.Topic,
		Value: sarama.ByteEncoder(blob),
	})
	if err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}
	return nil
}

func (k *KafkaSink) ReadAck(timeout time.Duration) (types.EventId, bool, error) {
	return types.EventId{}, false, nil
}

func (k *KafkaSink) Close() error {
	if k.producer == nil {
		return nil
	}
	err := k.producer.Close()
	k.producer = nil
	return err
}
