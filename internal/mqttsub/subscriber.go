// Package mqttsub owns the MQTT connection and delivers every message
// received on the configured topic to a Handler.
package mqttsub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"telemetrybridge/go-mqtt-ingester/internal/config"
	"telemetrybridge/go-mqtt-ingester/internal/model"
)

// Handler is invoked for each received message.
type Handler func(context.Context, model.RawMessage)

// Subscriber is a long-lived MQTT client subscribed to one topic.
type Subscriber struct {
	cfg     config.MQTT
	logger  *slog.Logger
	handler Handler
	ctx     context.Context
	client  mqtt.Client
}

// New constructs a subscriber; nothing connects until Start.
func New(cfg config.MQTT, logger *slog.Logger, h Handler) *Subscriber {
	if h == nil {
		h = func(context.Context, model.RawMessage) {}
	}
	return &Subscriber{cfg: cfg, logger: logger, handler: h, ctx: context.Background()}
}

// Start connects to the broker, retrying the initial connection, and
// subscribes. The subscription is re-established after every reconnect.
// Messages are delivered serially in arrival order.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	s.client = mqtt.NewClient(s.clientOptions())

	return retry.Do(
		func() error {
			token := s.client.Connect()
			if !token.WaitTimeout(s.cfg.ConnectTimeout) {
				return fmt.Errorf("mqtt connect: timed out after %s", s.cfg.ConnectTimeout)
			}
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(s.cfg.ConnectAttempts, 1))),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("mqtt connect failed, retrying", "broker", s.cfg.BrokerURL, "attempt", n+1, "error", err)
		}),
	)
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt subscriber stopped")
}

func (s *Subscriber) clientOptions() *mqtt.ClientOptions {
	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("telemetry-ingester-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(true).
		SetConnectTimeout(s.cfg.ConnectTimeout)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "broker", s.cfg.BrokerURL, "error", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		s.logger.Info("mqtt reconnecting", "broker", s.cfg.BrokerURL)
	})

	return opts
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	s.logger.Info("mqtt connected", "broker", s.cfg.BrokerURL, "topic", s.cfg.Topic)

	token := c.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), s.onMessage)
	go func() {
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			s.logger.Error("mqtt subscribe timed out", "topic", s.cfg.Topic)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
			return
		}
		s.logger.Info("mqtt subscribed", "topic", s.cfg.Topic, "qos", s.cfg.QoS)
	}()
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.logger.Debug("mqtt message received", "topic", msg.Topic(), "bytes", len(msg.Payload()))
	s.handler(s.ctx, model.RawMessage{Topic: msg.Topic(), Payload: msg.Payload()})
}
