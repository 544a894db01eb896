package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"factorywatch/internal/config"
	"factorywatch/internal/model"
	"factorywatch/internal/source"
	"factorywatch/internal/storage"
)

var ErrUnknownSink = errors.New("unknown seed sink")

type Sink interface {
	Write(ctx context.Context, rec model.RawRecord) error
	Close() error
}

func NewSink(ctx context.Context, cfg *config.Config) (Sink, error) {
	switch strings.ToLower(cfg.Seed.Sink) {
	case "sql":
		store, err := storage.NewStore(cfg.Source.SQL, cfg.Source.Collection)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return &SQLSink{store: store}, nil
	case "kafka":
		return NewKafkaSink(cfg.Source.Kafka), nil
	case "redis":
		return &RedisSink{client: source.NewRedisClient(cfg.Source.Redis), stream: cfg.Source.Redis.Stream}, nil
	case "mqtt":
		return NewMQTTSink(cfg.Source.MQTT)
	case "http":
		return NewHTTPSink(cfg.Seed.TargetURL), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSink, cfg.Seed.Sink)
}

func changeOf(rec model.RawRecord) source.ChangeMessage {
	return source.ChangeMessage{Op: source.OpUpsert, ID: rec.ID, Doc: rec.Fields}
}

type SQLSink struct {
	store storage.Store
}

func (s *SQLSink) Write(ctx context.Context, rec model.RawRecord) error {
	return s.store.Insert(ctx, rec)
}

func (s *SQLSink) Close() error {
	return s.store.Close()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (s *KafkaSink) Write(ctx context.Context, rec model.RawRecord) error {
	payload, err := source.EncodeChange(changeOf(rec))
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.ID), Value: payload})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

type RedisSink struct {
	client *redis.Client
	stream string
}

func (s *RedisSink) Write(ctx context.Context, rec model.RawRecord) error {
	_, err := source.PublishChange(ctx, s.client, s.stream, changeOf(rec))
	return err
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTTSink(cfg config.MQTTConfig) (*MQTTSink, error) {
	client := mqtt.NewClient(source.ClientOptions(cfg, cfg.ClientID+"-seeder"))
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &MQTTSink{client: client, topic: cfg.Topic, qos: cfg.QoS}, nil
}

func (s *MQTTSink) Write(ctx context.Context, rec model.RawRecord) error {
	payload, err := source.EncodeChange(changeOf(rec))
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, s.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// HTTPSink posts documents to a running dashboard's push endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSink) Write(ctx context.Context, rec model.RawRecord) error {
	doc := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		doc[k] = v
	}
	doc["id"] = rec.ID
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: status %d", s.url, resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
