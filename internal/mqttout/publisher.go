// Package mqttout publishes agent output and availability state to an
// MQTT broker, for output targets of the form "mqtt:<topic>".
package mqttout

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/pawhq/paw/internal/config"
)

const defaultTopicBase = "paw"

// Publisher maintains the broker connection via autopaho's automatic
// reconnection and publishes text payloads under the configured topic
// base. It satisfies the output router's TopicPublisher interface.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call Start to begin
// the connection.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Enabled reports whether the publisher has a broker to talk to.
func (p *Publisher) Enabled() bool {
	return p.cfg.Enabled && p.cfg.Broker != ""
}

// Start connects to the broker and returns once the connection
// manager is running. An "offline" will message and a retained
// "online" availability message bracket the process lifetime.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}

	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	deviceName := p.cfg.DeviceName
	if deviceName == "" {
		deviceName = "paw"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "paw-" + deviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishText delivers text under <topic_base>/<topic>. A leading
// topic base in the given topic is not deduplicated; targets carry
// the relative topic only.
func (p *Publisher) PublishText(ctx context.Context, topic, text string) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	full := p.topicBase() + "/" + strings.TrimPrefix(topic, "/")
	_, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   full,
		Payload: []byte(text),
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", full, err)
	}
	p.logger.Debug("mqtt output published", "topic", full, "bytes", len(text))
	return nil
}

func (p *Publisher) topicBase() string {
	if p.cfg.TopicBase != "" {
		return strings.TrimRight(p.cfg.TopicBase, "/")
	}
	return defaultTopicBase
}

func (p *Publisher) availabilityTopic() string {
	return p.topicBase() + "/availability"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}
