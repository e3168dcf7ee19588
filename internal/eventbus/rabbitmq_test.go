package eventbus

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/streadway/amqp"
)

func TestPublishMessageNotReady(t *testing.T) {
	rmq := &RabbitMQManager{}

	err := rmq.PublishMessage(context.Background(), RoutingKeyStockChanged, map[string]string{"k": "v"})
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("got %v, want producer-not-ready error", err)
	}
}

// The readiness flag flips on the reconnect goroutine while HTTP handlers
// publish concurrently; every publish must observe it safely and fail
// cleanly while no broker channel exists.
func TestPublishMessageConcurrentWithReadinessFlips(t *testing.T) {
	rmq := &RabbitMQManager{}

	stop := make(chan struct{})
	var flipper sync.WaitGroup
	flipper.Add(1)
	go func() {
		defer flipper.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				rmq.isReady.Store(i%2 == 0)
			}
		}
	}()

	var publishers sync.WaitGroup
	for g := 0; g < 8; g++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for i := 0; i < 100; i++ {
				if err := rmq.PublishMessage(context.Background(), RoutingKeySlotChanged, nil); err == nil {
					t.Error("publish must fail while no broker channel exists")
					return
				}
			}
		}()
	}

	publishers.Wait()
	close(stop)
	flipper.Wait()
}

func TestStartConsumingBeforeBrokerIsUp(t *testing.T) {
	rmq := &RabbitMQManager{}

	handler := func(ctx context.Context, delivery amqp.Delivery) error { return nil }
	if err := rmq.StartConsuming(context.Background(), handler); err != nil {
		t.Fatalf("StartConsuming should defer until connected, got %v", err)
	}
	if rmq.handler == nil {
		t.Error("handler must be retained so the connect path can start the consumer")
	}
	if rmq.consuming {
		t.Error("consumer must not be marked running without a connection")
	}
}
