package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"factorywatch/internal/config"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaFeed rebuilds the collection from a topic of change messages.
type KafkaFeed struct {
	*MemoryFeed
	reader  messageReader
	backoff time.Duration
	logger  *slog.Logger
}

func NewKafkaFeed(cfg config.SourceConfig, logger *slog.Logger) *KafkaFeed {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return newKafkaFeed(cfg, reader, logger)
}

func newKafkaFeed(cfg config.SourceConfig, reader messageReader, logger *slog.Logger) *KafkaFeed {
	return &KafkaFeed{
		MemoryFeed: NewMemoryFeed(cfg.Collection, cfg.DocLimit),
		reader:     reader,
		backoff:    cfg.Backoff,
		logger:     logger,
	}
}

// Start consumes until ctx is done, then closes the reader.
func (k *KafkaFeed) Start(ctx context.Context) {
	if k.logger != nil {
		k.logger.Info("kafka source started", "collection", k.Collection())
	}
	go func() {
		defer k.reader.Close()
		for {
			m, err := k.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if k.logger != nil {
					k.logger.Warn("kafka read error", "err", err)
				}
				k.Fail(err)
				if !BackoffSleep(ctx, k.backoff) {
					return
				}
				continue
			}
			msg, err := DecodeChange(m.Value)
			if err != nil {
				if k.logger != nil {
					k.logger.Warn("kafka change decode error", "err", err, "offset", m.Offset)
				}
				continue
			}
			k.Apply(msg)
		}
	}()
}
