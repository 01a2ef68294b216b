// Package rabbitmq implements a messenger transport over AMQP 0-9-1.
//
// Messages are published with publisher confirms to one exchange and polled with basic.get,
// so a worker never holds more than one unacknowledged delivery per queue. Delayed messages
// wait in per-delay TTL queues that dead-letter them back to the exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/internal/rabbitmq"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

// DeliveryStamp carries the AMQP delivery an envelope was received with
type DeliveryStamp struct {
	Queue    string
	Delivery amqp.Delivery
}

func (DeliveryStamp) StampName() string { return "amqp-delivery" }
func (DeliveryStamp) NonSendable()      {}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	options    Options
	serializer serialization.Serializer
	logger     *slog.Logger

	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager

	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption

	setupOnce sync.Once
	setupErr  error
	delays    sync.Map // delay queue name -> struct{}

	getMu sync.Mutex
	getCh *amqp.Channel
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(t *Transport) {
		t.connectionOptions = append(t.connectionOptions, opts...)
	}
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(t *Transport) {
		t.publisherOptions = append(t.publisherOptions, opts...)
	}
}

// New connects to the broker named by dsn
func New(ctx context.Context, dsn string, serializer serialization.Serializer, options ...Option) (*Transport, error) {
	brokerURL, opts, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		options:    opts,
		serializer: serializer,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.serializer == nil {
		t.serializer = serialization.NewJSONSerializer()
	}

	t.manager = rabbitmq.NewConnectionManager(brokerURL, append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.logger)}, t.connectionOptions...)...)
	if err := t.manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t.pool, err = rabbitmq.NewChannelPool(t.manager)
	if err != nil {
		_ = t.manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	t.publisher = rabbitmq.NewPublisher(t.pool, append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(t.logger)}, t.publisherOptions...)...)
	t.topology = rabbitmq.NewTopologyManager(t.pool)

	return t, nil
}

// Setup implements messaging.SetupableTransport
func (t *Transport) Setup(ctx context.Context) error {
	return t.topology.DeclareTopology(ctx, t.mainTopology())
}

func (t *Transport) mainTopology() rabbitmq.Topology {
	var queueArgs amqp.Table
	if t.options.SingleActiveConsumer {
		queueArgs = amqp.Table{"x-single-active-consumer": true}
	}

	topology := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{{Name: t.options.Exchange, Type: t.options.ExchangeType, Durable: true}},
	}
	for _, q := range t.options.Queues {
		topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{Name: q, Durable: true, Arguments: queueArgs})
		topology.Bindings = append(topology.Bindings, rabbitmq.Binding{Queue: q, Exchange: t.options.Exchange, RoutingKey: t.options.RoutingKey})
	}
	return topology
}

func (t *Transport) autoSetup(ctx context.Context) error {
	if !t.options.AutoSetup {
		return nil
	}
	t.setupOnce.Do(func() {
		t.setupErr = t.Setup(ctx)
	})
	return t.setupErr
}

// Send implements messaging.Sender
func (t *Transport) Send(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	if err := t.autoSetup(ctx); err != nil {
		return env, err
	}

	enc, err := t.serializer.Encode(env)
	if err != nil {
		return env, err
	}

	id := uuid.New().String()
	msg := amqp.Publishing{
		MessageId:    id,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
		Body:         enc.Body,
		Headers:      amqp.Table{},
	}
	for k, v := range enc.Headers {
		if k == serialization.HeaderContentType {
			msg.ContentType = v
			continue
		}
		msg.Headers[k] = v
	}

	exchange, routingKey := t.options.Exchange, t.options.RoutingKey
	if delay, ok := contracts.Last[contracts.DelayStamp](env); ok && delay.Delay > 0 {
		if err := t.setupDelay(ctx, delay.Delay); err != nil {
			return env, err
		}
		exchange = t.options.DelayExchange
		routingKey = rabbitmq.DelayQueueName(t.options.Exchange, t.options.RoutingKey, delay.Delay)
	}

	if err := t.publisher.Publish(ctx, exchange, routingKey, msg); err != nil {
		return env, err
	}

	t.logger.Debug("message published", "exchange", exchange, "routingKey", routingKey, "messageId", id)
	return env.With(contracts.TransportMessageIDStamp{ID: id}), nil
}

func (t *Transport) setupDelay(ctx context.Context, delay time.Duration) error {
	name := rabbitmq.DelayQueueName(t.options.Exchange, t.options.RoutingKey, delay)
	if _, ok := t.delays.Load(name); ok {
		return nil
	}
	if err := t.topology.DeclareTopology(ctx, rabbitmq.DelayTopology(t.options.DelayExchange, t.options.Exchange, t.options.RoutingKey, delay)); err != nil {
		return err
	}
	t.delays.Store(name, struct{}{})
	return nil
}

// Get implements messaging.Receiver; it polls every configured queue once
func (t *Transport) Get(ctx context.Context) ([]*contracts.Envelope, error) {
	return t.GetFromQueues(ctx, t.options.Queues)
}

// GetFromQueues implements messaging.QueueReceiver
func (t *Transport) GetFromQueues(ctx context.Context, queues []string) ([]*contracts.Envelope, error) {
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	var envelopes []*contracts.Envelope
	for _, queue := range queues {
		env, err := t.getOne(queue)
		if err != nil {
			return envelopes, err
		}
		if env != nil {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

func (t *Transport) getOne(queue string) (*contracts.Envelope, error) {
	ch, err := t.consumerChannel()
	if err != nil {
		return nil, err
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return nil, fmt.Errorf("basic.get on %s: %w", queue, err)
	}
	if !ok {
		return nil, nil
	}

	headers := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	if d.ContentType != "" {
		headers[serialization.HeaderContentType] = d.ContentType
	}

	env, err := t.serializer.Decode(&serialization.Encoded{Body: d.Body, Headers: headers})
	if err != nil {
		// an undecodable message can never be handled
		_ = d.Nack(false, false)
		return nil, err
	}

	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return env.With(
		contracts.TransportMessageIDStamp{ID: id},
		DeliveryStamp{Queue: queue, Delivery: d},
	), nil
}

// consumerChannel returns the channel used for basic.get, reopening it after a failure
func (t *Transport) consumerChannel() (*amqp.Channel, error) {
	t.getMu.Lock()
	defer t.getMu.Unlock()

	if t.getCh != nil && !t.getCh.IsClosed() {
		return t.getCh, nil
	}
	ch, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}
	t.getCh = ch
	return ch, nil
}

// Ack implements messaging.Receiver
func (t *Transport) Ack(_ context.Context, env *contracts.Envelope) error {
	stamp, err := deliveryOf(env)
	if err != nil {
		return err
	}
	return stamp.Delivery.Ack(false)
}

// Reject implements messaging.Receiver; rejected messages are not requeued
func (t *Transport) Reject(_ context.Context, env *contracts.Envelope) error {
	stamp, err := deliveryOf(env)
	if err != nil {
		return err
	}
	return stamp.Delivery.Nack(false, false)
}

func deliveryOf(env *contracts.Envelope) (DeliveryStamp, error) {
	stamp, ok := contracts.Last[DeliveryStamp](env)
	if !ok {
		return DeliveryStamp{}, fmt.Errorf("envelope was not received from RabbitMQ")
	}
	return stamp, nil
}

// MessageCount implements messaging.MessageCountAware
func (t *Transport) MessageCount(ctx context.Context) (int, error) {
	total := 0
	for _, queue := range t.options.Queues {
		n, err := t.topology.QueueMessageCount(ctx, queue)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Close releases the channels and the connection
func (t *Transport) Close() error {
	t.getMu.Lock()
	if t.getCh != nil {
		_ = t.getCh.Close()
		t.getCh = nil
	}
	t.getMu.Unlock()

	_ = t.pool.Close()
	return t.manager.Close()
}

var (
	_ messaging.QueueReceiver      = (*Transport)(nil)
	_ messaging.Sender             = (*Transport)(nil)
	_ messaging.MessageCountAware  = (*Transport)(nil)
	_ messaging.SetupableTransport = (*Transport)(nil)
)
