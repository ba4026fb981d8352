package amqpsub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"telemetrybridge/go-mqtt-ingester/internal/config"
	"telemetrybridge/go-mqtt-ingester/internal/model"
)

func newTestSubscriber(h Handler) *Subscriber {
	sub := New(config.AMQP{Exchange: "amq.topic"}, slog.New(slog.NewTextHandler(io.Discard, nil)), h)
	sub.retryDelay = time.Millisecond
	return sub
}

func closedDeliveries(bodies ...string) chan amqp.Delivery {
	ch := make(chan amqp.Delivery, len(bodies))
	for _, body := range bodies {
		ch <- amqp.Delivery{RoutingKey: "living-room.telemetry", Body: []byte(body)}
	}
	close(ch)
	return ch
}

func TestDeliveryMessage(t *testing.T) {
	msg := deliveryMessage(amqp.Delivery{
		RoutingKey: "living-room.telemetry",
		Body:       []byte(`{"temperature":21,"humidity":40}`),
	})

	if msg.Topic != "living-room.telemetry" || string(msg.Payload) != `{"temperature":21,"humidity":40}` {
		t.Errorf("message = %+v", msg)
	}
}

func TestConsumeHandlesDeliveriesInOrder(t *testing.T) {
	var got []model.RawMessage
	sub := newTestSubscriber(func(_ context.Context, msg model.RawMessage) {
		got = append(got, msg)
	})

	// A stopped subscriber drains what it has and exits instead of reconnecting.
	sub.Stop()
	sub.consume(context.Background(), closedDeliveries("one", "two", "three"))

	if len(got) != 3 {
		t.Fatalf("handled = %d, want 3", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(got[i].Payload) != want {
			t.Errorf("message %d = %q, want %q", i, got[i].Payload, want)
		}
	}
}

func TestConsumeReconnectsUntilBrokerReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	sub := newTestSubscriber(func(_ context.Context, msg model.RawMessage) {
		got = append(got, string(msg.Payload))
		if len(got) == 2 {
			cancel()
		}
	})

	// More failures than the initial connect allows: reconnects are unbounded.
	const failures = 2 * initialAttempts
	attempts := 0
	sub.connect = func() (<-chan amqp.Delivery, error) {
		attempts++
		if attempts <= failures {
			return nil, errors.New("connection refused")
		}
		return closedDeliveries("after reconnect"), nil
	}

	done := make(chan struct{})
	go func() {
		sub.consume(ctx, closedDeliveries("before drop"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("consume did not return")
	}

	if attempts != failures+1 {
		t.Errorf("connect attempts = %d, want %d", attempts, failures+1)
	}
	if len(got) != 2 || got[0] != "before drop" || got[1] != "after reconnect" {
		t.Errorf("handled = %q", got)
	}
}

func TestConsumeStopsRetryingWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sub := newTestSubscriber(nil)
	sub.connect = func() (<-chan amqp.Delivery, error) {
		cancel()
		return nil, errors.New("connection refused")
	}

	done := make(chan struct{})
	go func() {
		sub.consume(ctx, closedDeliveries())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume kept retrying after cancellation")
	}
}

func TestStopEndsConsumerOnOpenChannel(t *testing.T) {
	handled := make(chan struct{})
	var once sync.Once
	sub := newTestSubscriber(func(context.Context, model.RawMessage) {
		once.Do(func() { close(handled) })
	})

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{RoutingKey: "k", Body: []byte("x")}
	sub.connect = func() (<-chan amqp.Delivery, error) { return deliveries, nil }

	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery not handled")
	}

	stopped := make(chan struct{})
	go func() {
		sub.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung with the delivery channel still open")
	}

	if err := sub.Start(context.Background()); !errors.Is(err, errStopped) {
		t.Errorf("Start after Stop = %v, want errStopped", err)
	}
}

func TestStartGivesUpAfterInitialAttempts(t *testing.T) {
	sub := newTestSubscriber(nil)

	attempts := 0
	sub.connect = func() (<-chan amqp.Delivery, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	if err := sub.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without a broker")
	}
	if attempts != initialAttempts {
		t.Errorf("attempts = %d, want %d", attempts, initialAttempts)
	}
}

func TestStopWithoutStart(t *testing.T) {
	New(config.AMQP{}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil).Stop()
}
