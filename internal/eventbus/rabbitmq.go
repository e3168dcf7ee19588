package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/hydrogen602/ElectronicsInventorySystem/config"
)

const (
	publishTimeout = 5 * time.Second
	reconnectDelay = 5 * time.Second
)

// Routing keys for outgoing domain events.
const (
	RoutingKeyStockChanged   = "inventory.stock.changed"
	RoutingKeySlotChanged    = "inventory.slot.changed"
	RoutingKeyDetailsRefresh = "inventory.details.refresh.requested"
)

// ErrPermanentFailure signals that a message is malformed or otherwise
// unprocessable and must not be requeued.
var ErrPermanentFailure = errors.New("permanent failure processing message")

// MessageHandler processes one delivery. A nil return acks the message.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Publisher is the outgoing half of the bus; handlers that only emit
// events depend on this instead of the full manager.
type Publisher interface {
	PublishMessage(ctx context.Context, routingKey string, payload interface{}) error
}

type RabbitMQManager struct {
	config          config.Config
	connection      *amqp.Connection
	notifyConnClose chan *amqp.Error
	isReady         atomic.Bool
	connectMutex    chan struct{}
	done            chan struct{}

	// publishMu serializes publish+confirm pairs. HTTP handlers publish
	// concurrently, and confirmations arrive on a single channel in
	// publish order; an unserialized waiter would steal another
	// publisher's ack. It also guards the channel swap on reconnect.
	publishMu     sync.Mutex
	producerChan  *amqp.Channel
	notifyConfirm chan amqp.Confirmation

	// consumeMu guards the registered handler so a reconnect can restart
	// the consumer on the fresh channel.
	consumeMu    sync.Mutex
	consumerChan *amqp.Channel
	handler      MessageHandler
	handlerCtx   context.Context
	consuming    bool
}

// NewRabbitMQManager dials the broker. A failed initial dial is not
// fatal: the manager keeps retrying in the background, and publishing
// and consuming come up once the broker is reachable.
func NewRabbitMQManager(cfg config.Config) *RabbitMQManager {
	rmq := &RabbitMQManager{
		config:       cfg,
		connectMutex: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	rmq.connectMutex <- struct{}{}

	if err := rmq.connect(); err != nil {
		log.Warn().Err(err).Msg("Initial RabbitMQ connection failed. Retrying in background.")
	}
	go rmq.handleReconnect()
	return rmq
}

func (rmq *RabbitMQManager) connect() error {
	<-rmq.connectMutex
	defer func() { rmq.connectMutex <- struct{}{} }()

	log.Info().Str("url", rmq.config.RabbitMQURL).Msg("Attempting to connect to RabbitMQ")
	conn, err := amqp.Dial(rmq.config.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	rmq.connection = conn
	rmq.notifyConnClose = make(chan *amqp.Error, 1)
	rmq.connection.NotifyClose(rmq.notifyConnClose)

	if err := rmq.setupProducerChannel(); err != nil {
		return fmt.Errorf("failed to setup producer channel: %w", err)
	}

	if err := rmq.setupConsumerChannelAndTopology(); err != nil {
		return fmt.Errorf("failed to setup consumer channel and topology: %w", err)
	}

	rmq.consumeMu.Lock()
	defer rmq.consumeMu.Unlock()
	rmq.isReady.Store(true)
	rmq.consuming = false
	if rmq.handler != nil {
		if err := rmq.beginConsuming(); err != nil {
			return fmt.Errorf("failed to restart consumer: %w", err)
		}
	}

	log.Info().Msg("RabbitMQ connected and channels initialized successfully")
	return nil
}

func (rmq *RabbitMQManager) setupProducerChannel() error {
	ch, err := rmq.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open producer channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	confirms := make(chan amqp.Confirmation, 1)
	ch.NotifyPublish(confirms)

	log.Info().Str("exchange", rmq.config.OutgoingExchangeName).Str("type", rmq.config.RabbitMQExchangeType).Msg("Declaring outgoing exchange")
	err = ch.ExchangeDeclare(
		rmq.config.OutgoingExchangeName, // name
		rmq.config.RabbitMQExchangeType, // type
		true,                            // durable
		false,                           // auto-deleted
		false,                           // internal
		false,                           // no-wait
		nil,                             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare outgoing exchange %s: %w", rmq.config.OutgoingExchangeName, err)
	}

	rmq.publishMu.Lock()
	rmq.producerChan = ch
	rmq.notifyConfirm = confirms
	rmq.publishMu.Unlock()
	return nil
}

func (rmq *RabbitMQManager) setupConsumerChannelAndTopology() error {
	ch, err := rmq.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(rmq.config.RabbitMQPrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(rmq.config.IncomingExchangeName, rmq.config.RabbitMQExchangeType, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare incoming exchange: %w", err)
	}

	_, err = ch.QueueDeclare(rmq.config.IncomingQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare incoming queue: %w", err)
	}

	err = ch.QueueBind(rmq.config.IncomingQueueName, rmq.config.IncomingRoutingKey, rmq.config.IncomingExchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	rmq.consumeMu.Lock()
	rmq.consumerChan = ch
	rmq.consumeMu.Unlock()

	log.Info().Str("queue", rmq.config.IncomingQueueName).Msg("Consumer topology setup complete.")
	return nil
}

// PublishMessage emits one JSON event and waits for the broker confirm.
func (rmq *RabbitMQManager) PublishMessage(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	rmq.publishMu.Lock()
	defer rmq.publishMu.Unlock()

	if !rmq.isReady.Load() || rmq.producerChan == nil {
		return errors.New("producer not ready")
	}

	err = rmq.producerChan.Publish(
		rmq.config.OutgoingExchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirm := <-rmq.notifyConfirm:
		if confirm.Ack {
			log.Debug().Str("routingKey", routingKey).Msg("Message published and confirmed")
			return nil
		}
		return errors.New("message published but not confirmed")
	case <-time.After(publishTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartConsuming registers handler for deliveries from the incoming
// queue. Handler errors nack the message; ErrPermanentFailure nacks
// without requeue so the broker can dead-letter it. When the broker is
// not connected yet, the consumer starts on the next successful connect.
func (rmq *RabbitMQManager) StartConsuming(ctx context.Context, handler MessageHandler) error {
	rmq.consumeMu.Lock()
	defer rmq.consumeMu.Unlock()

	rmq.handler = handler
	rmq.handlerCtx = ctx
	if !rmq.isReady.Load() || rmq.consuming {
		return nil
	}
	return rmq.beginConsuming()
}

// beginConsuming registers the consumer on the current channel. Callers
// hold consumeMu.
func (rmq *RabbitMQManager) beginConsuming() error {
	msgs, err := rmq.consumerChan.Consume(
		rmq.config.IncomingQueueName,
		rmq.config.ConsumerTag,
		false, // auto-ack false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	handler, ctx := rmq.handler, rmq.handlerCtx
	go func() {
		for delivery := range msgs {
			log.Debug().Msg("Received a message")
			if err := handler(ctx, delivery); err != nil {
				requeue := !errors.Is(err, ErrPermanentFailure)
				log.Warn().Err(err).Bool("requeue", requeue).Msg("Handler failed; nacking message")
				delivery.Nack(false, requeue)
			} else {
				delivery.Ack(false)
			}
		}
		log.Warn().Msg("Delivery channel closed. Consumer stopping until reconnect.")
	}()

	rmq.consuming = true
	log.Info().Str("queue", rmq.config.IncomingQueueName).Msg("Consumer started.")
	return nil
}

func (rmq *RabbitMQManager) Close() {
	close(rmq.done)
	if rmq.connection != nil && !rmq.connection.IsClosed() {
		rmq.connection.Close()
	}
}

// handleReconnect re-dials after the broker drops the connection, and
// keeps retrying when the initial dial never succeeded.
func (rmq *RabbitMQManager) handleReconnect() {
	for {
		if rmq.isReady.Load() {
			select {
			case <-rmq.done:
				return
			case closeErr := <-rmq.notifyConnClose:
				rmq.isReady.Store(false)
				log.Warn().Err(closeErr).Msg("RabbitMQ connection lost. Reconnecting.")
			}
		}

		select {
		case <-rmq.done:
			return
		case <-time.After(reconnectDelay):
		}
		if err := rmq.connect(); err != nil {
			log.Error().Err(err).Msg("RabbitMQ reconnect failed; retrying")
		}
	}
}
