// Package amqpsub consumes telemetry from an AMQP topic exchange. It is
// the alternate bus for deployments that route sensor traffic through a
// RabbitMQ-style broker instead of MQTT.
package amqpsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/streadway/amqp"

	"telemetrybridge/go-mqtt-ingester/internal/config"
	"telemetrybridge/go-mqtt-ingester/internal/model"
)

// Handler is invoked for each delivery.
type Handler func(context.Context, model.RawMessage)

const (
	initialAttempts  = 5
	defaultRetryWait = time.Second
	maxRetryWait     = 30 * time.Second
)

var errStopped = errors.New("amqp subscriber stopped")

// Subscriber binds a non-durable, auto-deleted queue to the configured
// exchange and consumes it with auto-ack. Deliveries are handled one at a time.
type Subscriber struct {
	cfg     config.AMQP
	logger  *slog.Logger
	handler Handler

	connect    func() (<-chan amqp.Delivery, error)
	retryDelay time.Duration

	mu      sync.Mutex
	conn    *amqp.Connection
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a subscriber; nothing connects until Start.
func New(cfg config.AMQP, logger *slog.Logger, h Handler) *Subscriber {
	if h == nil {
		h = func(context.Context, model.RawMessage) {}
	}
	s := &Subscriber{cfg: cfg, logger: logger, handler: h, retryDelay: defaultRetryWait}
	s.connect = s.dial
	return s
}

// Start establishes the first subscription, giving up after a few attempts,
// and then keeps consuming in the background. Lost connections are
// re-established for as long as ctx lives and Stop has not been called.
func (s *Subscriber) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return errStopped
	}
	s.cancel = cancel
	s.mu.Unlock()

	deliveries, err := s.subscribeWithRetry(ctx, initialAttempts)
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, deliveries)
	}()
	return nil
}

// Stop closes the connection and waits for the consumer loop to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	s.stopped = true
	conn, cancel := s.conn, s.cancel
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("amqp connection close", "error", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("amqp subscriber stopped")
}

func (s *Subscriber) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Subscriber) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		s.drain(ctx, deliveries)

		if ctx.Err() != nil || s.isStopped() {
			return
		}

		s.logger.Warn("amqp delivery channel closed, reconnecting", "exchange", s.cfg.Exchange)

		var err error
		deliveries, err = s.subscribeWithRetry(ctx, 0)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errStopped) {
				s.logger.Error("amqp resubscribe failed", "error", err)
			}
			return
		}
	}
}

// drain handles deliveries until the channel closes or ctx ends.
func (s *Subscriber) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.handler(ctx, deliveryMessage(d))
		}
	}
}

// subscribeWithRetry retries connect with capped backoff. Zero attempts
// means retry until ctx ends or the subscriber is stopped.
func (s *Subscriber) subscribeWithRetry(ctx context.Context, attempts uint) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery

	err := retry.Do(
		func() error {
			var err error
			deliveries, err = s.connect()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(maxRetryWait),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errStopped)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("amqp subscribe failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	return deliveries, err
}

func (s *Subscriber) dial() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	queue, err := ch.QueueDeclare(
		s.cfg.Queue,
		false, // durable
		true,  // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare queue: %w", err)
	}

	for _, key := range s.cfg.BindingKeys {
		if err := ch.QueueBind(queue.Name, key, s.cfg.Exchange, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp bind %q: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(
		queue.Name,
		"",    // consumer tag
		true,  // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, errStopped
	}
	previous := s.conn
	s.conn = conn
	s.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	s.logger.Info("amqp subscribed", "exchange", s.cfg.Exchange, "queue", queue.Name, "keys", s.cfg.BindingKeys)
	return deliveries, nil
}

func deliveryMessage(d amqp.Delivery) model.RawMessage {
	return model.RawMessage{Topic: d.RoutingKey, Payload: d.Body}
}
