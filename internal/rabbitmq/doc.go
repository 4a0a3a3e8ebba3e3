// Package rabbitmq implements the broker transport over amqp091-go.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection, connects in the background
//     and reconnects with exponential backoff
//   - Channel: adapts an amqp091 channel to transport.Channel, forwarding
//     confirms, returns, deliveries and close notifications in broker order
//   - Transport: opens confirm-mode and manual-ack channels and declares
//     topology on short-lived channels
//
// amqp091 errors are normalised to transport.BrokerError so callers can match
// them against the contracts error taxonomy.
package rabbitmq
