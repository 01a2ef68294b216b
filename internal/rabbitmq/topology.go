package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of exchanges, queues and bindings declared together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares topology through the channel pool
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
			}
		}

		for _, queue := range topology.Queues {
			if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
			}
		}

		for _, binding := range topology.Bindings {
			if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
				return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err}
			}
		}

		return nil
	})
}

// QueueMessageCount returns the number of ready messages in a queue
func (tm *TopologyManager) QueueMessageCount(ctx context.Context, name string) (int, error) {
	var count int
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
		}
		count = q.Messages
		return nil
	})
	return count, err
}

// DelayQueueName names the queue holding messages for exchange/routingKey delayed by delay
func DelayQueueName(exchange, routingKey string, delay time.Duration) string {
	return fmt.Sprintf("delay_%s_%s_%d", exchange, routingKey, delay.Milliseconds())
}

// DelayTopology returns the queue that dead-letters messages back to exchange once delay has passed.
// The queue expires shortly after its last message so unused delays do not pile up.
func DelayTopology(delayExchange, exchange, routingKey string, delay time.Duration) Topology {
	name := DelayQueueName(exchange, routingKey, delay)
	ttl := delay.Milliseconds()
	return Topology{
		Exchanges: []ExchangeDeclaration{{Name: delayExchange, Type: amqp.ExchangeDirect, Durable: true}},
		Queues: []QueueDeclaration{{
			Name:    name,
			Durable: true,
			Arguments: amqp.Table{
				"x-message-ttl":             ttl,
				"x-expires":                 ttl + 10000,
				"x-dead-letter-exchange":    exchange,
				"x-dead-letter-routing-key": routingKey,
			},
		}},
		Bindings: []Binding{{Queue: name, Exchange: delayExchange, RoutingKey: name}},
	}
}
