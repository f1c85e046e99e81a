// Package rabbitmq is the AMQP plumbing behind the saga transport.
//
// This package includes:
//   - ConnectionManager: one connection with automatic reconnection and state hooks
//   - ChannelPool: pooled channels, in publisher-confirm mode by default
//   - Publisher: confirmed single and batch publication
//   - Consumer: manual-ack consumption that resubscribes after channel loss
//   - TopologyManager: the saga.tasks, saga.events and saga.dlx exchanges, task
//     queues with dead-letter parking queues and TTL delay queues
package rabbitmq
