package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig holds Kafka consumer settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads opportunities from a topic and hands each one to the
// coordinator. Messages are committed once handled, including ones that fail
// to decode, so a bad payload never blocks the partition.
type KafkaConsumer struct {
	reader messageReader
	sink   Switcher
	log    *zap.SugaredLogger
}

func NewKafkaConsumer(cfg KafkaConfig, sink Switcher, log *zap.SugaredLogger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})
	return newKafkaConsumer(reader, sink, log), nil
}

func newKafkaConsumer(r messageReader, sink Switcher, log *zap.SugaredLogger) *KafkaConsumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &KafkaConsumer{reader: r, sink: sink, log: log}
}

// Run consumes until ctx is cancelled or the reader fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warnf("commit offset %d/%d: %v", msg.Partition, msg.Offset, err)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	opp, err := decodeOpportunity(msg.Value)
	if err != nil {
		c.log.Warnf("skip message %d/%d: %v", msg.Partition, msg.Offset, err)
		return
	}
	if opp.ID == "" {
		opp.ID = fmt.Sprintf("kafka-%d-%d", msg.Partition, msg.Offset)
	}
	res, err := c.sink.SwitchToOpportunityMode(ctx, opp)
	if err != nil {
		c.log.Errorf("switch for %s: %v", opp.Label(), err)
		return
	}
	if res.Queued {
		c.log.Debugf("queued %s", opp.Label())
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
