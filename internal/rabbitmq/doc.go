// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ messenger transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with exponential backoff
//   - ChannelPool: bounded pool of confirm-mode channels
//   - Publisher: publishes and waits for publisher confirms
//   - TopologyManager: declares exchanges, queues, bindings and TTL delay queues
package rabbitmq
