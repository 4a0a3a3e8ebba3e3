// Package inmemory provides an in-process broker implementing
// transport.Transport.
//
// The broker models exchanges (direct, fanout, topic, headers and the
// default exchange), queues, queue and exchange bindings, publisher
// confirms, mandatory returns, prefetch, manual acknowledgments and
// redelivery on channel loss. Channel exceptions follow AMQP 0-9-1: an
// unknown delivery tag, an unknown exchange or a denied resource closes the
// channel asynchronously.
//
// Test hooks let callers hold and release confirms, deny resources and
// simulate connection drops.
package inmemory
