package intake

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"iot-telemetry/internal/logger"
)

// MessageReader часть kafka.Reader, используемая потребителем
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer читает показания из топика Kafka
type KafkaConsumer struct {
	reader  MessageReader
	sub     Submitter
	log     zerolog.Logger
	backoff time.Duration
}

// NewKafkaConsumer создает потребителя группы groupID
func NewKafkaConsumer(brokers []string, topic, groupID string, sub Submitter) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return NewKafkaConsumerFromReader(reader, sub)
}

// NewKafkaConsumerFromReader создает потребителя поверх готового reader
func NewKafkaConsumerFromReader(reader MessageReader, sub Submitter) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		sub:     sub,
		log:     logger.WithComponent("kafka"),
		backoff: time.Second,
	}
}

// Run читает сообщения до отмены контекста или закрытия reader
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.Info().Msg("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.Info().Msg("kafka consumer stopped")
				return nil
			}
			c.log.Error().Err(err).Msg("failed to fetch message from kafka")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		if _, err := deliver("kafka", msg.Value, c.sub); err != nil {
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("invalid kafka message")
		}

		// Битые сообщения тоже подтверждаем, иначе они будут читаться повторно
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit kafka message")
		}
	}
}

// Close закрывает reader
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
