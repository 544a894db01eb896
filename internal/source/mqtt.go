package source

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"factorywatch/internal/config"
)

// MQTTFeed follows a topic of change messages. Retained state is not assumed:
// the collection holds what arrived since connect.
type MQTTFeed struct {
	*MemoryFeed
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *slog.Logger
}

func NewMQTTFeed(cfg config.SourceConfig, logger *slog.Logger) *MQTTFeed {
	return &MQTTFeed{
		MemoryFeed: NewMemoryFeed(cfg.Collection, cfg.DocLimit),
		cfg:        cfg.MQTT,
		logger:     logger,
	}
}

// ClientOptions builds paho options shared by the feed and the seeder sink.
func ClientOptions(cfg config.MQTTConfig, clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	return opts
}

// Start connects and subscribes; the subscription is renewed on every
// reconnect. The client disconnects when ctx is done.
func (m *MQTTFeed) Start(ctx context.Context) error {
	opts := ClientOptions(m.cfg, m.cfg.ClientID)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			m.handle(msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			m.Fail(fmt.Errorf("subscribe %s: %w", m.cfg.Topic, token.Error()))
			return
		}
		if m.logger != nil {
			m.logger.Info("mqtt source subscribed", "topic", m.cfg.Topic)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if m.logger != nil {
			m.logger.Warn("mqtt connection lost", "err", err)
		}
		m.Fail(err)
	})
	m.client = mqtt.NewClient(opts)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	go func() {
		<-ctx.Done()
		m.client.Disconnect(250)
	}()
	return nil
}

func (m *MQTTFeed) handle(payload []byte) {
	msg, err := DecodeChange(payload)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("mqtt change decode error", "err", err)
		}
		return
	}
	m.Apply(msg)
}
