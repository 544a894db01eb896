package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"factorywatch/internal/config"
)

// RedisFeed replays a stream of change messages from the beginning and then
// follows it. Each entry carries the JSON message in its data field.
type RedisFeed struct {
	*MemoryFeed
	client  *redis.Client
	stream  string
	block   time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisFeed(cfg config.SourceConfig, client *redis.Client, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{
		MemoryFeed: NewMemoryFeed(cfg.Collection, cfg.DocLimit),
		client:     client,
		stream:     cfg.Redis.Stream,
		block:      time.Second,
		backoff:    cfg.Backoff,
		logger:     logger,
	}
}

func (r *RedisFeed) Start(ctx context.Context) {
	if r.logger != nil {
		r.logger.Info("redis source started", "stream", r.stream)
	}
	go func() {
		lastID := "0"
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.stream, lastID},
				Count:   500,
				Block:   r.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if r.logger != nil {
					r.logger.Warn("redis read error", "err", err)
				}
				r.Fail(err)
				if !BackoffSleep(ctx, r.backoff) {
					return
				}
				continue
			}
			batch := make([]ChangeMessage, 0)
			for _, s := range streams {
				for _, m := range s.Messages {
					lastID = m.ID
					msg, err := decodeStreamEntry(m.Values)
					if err != nil {
						if r.logger != nil {
							r.logger.Warn("redis change decode error", "err", err, "id", m.ID)
						}
						continue
					}
					batch = append(batch, msg)
				}
			}
			r.Apply(batch...)
		}
	}()
}

func decodeStreamEntry(values map[string]interface{}) (ChangeMessage, error) {
	raw, ok := values["data"]
	if !ok {
		return ChangeMessage{}, errors.New("stream entry has no data field")
	}
	switch v := raw.(type) {
	case string:
		return DecodeChange([]byte(v))
	case []byte:
		return DecodeChange(v)
	}
	return ChangeMessage{}, fmt.Errorf("stream entry data has type %T", raw)
}

// PublishChange appends one change message to the stream.
func PublishChange(ctx context.Context, client *redis.Client, stream string, msg ChangeMessage) (string, error) {
	data, err := EncodeChange(msg)
	if err != nil {
		return "", err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}
