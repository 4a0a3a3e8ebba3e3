package messaging

import (
	"fmt"
	"sync/atomic"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/transport"
	"github.com/google/uuid"
)

// GuardState is the resolution state of a delivery
type GuardState int32

const (
	GuardUnresolved GuardState = iota
	GuardAcked
	GuardNacked
	GuardRejected
	// GuardAbandoned means the channel went away first; the broker redelivers
	GuardAbandoned
)

func (s GuardState) String() string {
	switch s {
	case GuardUnresolved:
		return "unresolved"
	case GuardAcked:
		return "acked"
	case GuardNacked:
		return "nacked"
	case GuardRejected:
		return "rejected"
	case GuardAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("GuardState(%d)", int32(s))
	}
}

// MessageGuard is the one-shot acknowledgment handle for a delivery. Exactly
// one of Ack, Nack or Reject takes effect; later calls return
// ErrAlreadyResolved. A guard may be resolved from any goroutine.
type MessageGuard struct {
	consumer   *Consumer
	channel    transport.Channel
	generation uint64
	delivery   transport.Delivery
	message    contracts.Message
	state      atomic.Int32
}

func newMessageGuard(c *Consumer, ch transport.Channel, gen uint64, d transport.Delivery) *MessageGuard {
	guid, err := uuid.Parse(d.MessageID)
	if err != nil {
		guid = uuid.Nil
	}
	props := contracts.Properties{
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationID,
		Headers:       d.Headers,
		Persistent:    d.Persistent,
		Priority:      d.Priority,
		Timestamp:     d.Timestamp,
	}

	return &MessageGuard{
		consumer:   c,
		channel:    ch,
		generation: gen,
		delivery:   d,
		message:    contracts.RestoreMessage(d.Body, guid, props),
	}
}

// Message returns the delivered message
func (g *MessageGuard) Message() contracts.Message {
	return g.message
}

// DeliveryTag returns the broker delivery tag
func (g *MessageGuard) DeliveryTag() uint64 {
	return g.delivery.DeliveryTag
}

// Redelivered reports whether the broker delivered this message before
func (g *MessageGuard) Redelivered() bool {
	return g.delivery.Redelivered
}

func (g *MessageGuard) RoutingKey() string {
	return g.delivery.RoutingKey
}

func (g *MessageGuard) Exchange() string {
	return g.delivery.Exchange
}

func (g *MessageGuard) ConsumerTag() string {
	return g.delivery.ConsumerTag
}

// State returns the current resolution state
func (g *MessageGuard) State() GuardState {
	return GuardState(g.state.Load())
}

// IsResolved reports whether the guard reached a terminal state
func (g *MessageGuard) IsResolved() bool {
	return g.State() != GuardUnresolved
}

// Ack acknowledges the delivery
func (g *MessageGuard) Ack() error {
	return g.resolve(GuardAcked, "ack", func(ch transport.Channel, tag uint64) error {
		return ch.Ack(tag)
	})
}

// Nack negatively acknowledges the delivery; requeue puts it back on the queue
func (g *MessageGuard) Nack(requeue bool) error {
	return g.resolve(GuardNacked, "nack", func(ch transport.Channel, tag uint64) error {
		return ch.Nack(tag, requeue)
	})
}

// Reject rejects the delivery without requeueing it
func (g *MessageGuard) Reject() error {
	return g.resolve(GuardRejected, "reject", func(ch transport.Channel, tag uint64) error {
		return ch.Reject(tag, false)
	})
}

func (g *MessageGuard) resolve(target GuardState, op string, send func(transport.Channel, uint64) error) error {
	if !g.state.CompareAndSwap(int32(GuardUnresolved), int32(target)) {
		if g.State() == GuardAbandoned {
			return contracts.ErrChannelClosed
		}
		return contracts.ErrAlreadyResolved
	}

	err := send(g.channel, g.delivery.DeliveryTag)
	g.consumer.settle(g, target, err)
	if err != nil {
		return fmt.Errorf("%s delivery %d: %w", op, g.delivery.DeliveryTag, err)
	}
	return nil
}

// abandon marks the guard as lost with its channel. It reports whether the
// guard was still unresolved.
func (g *MessageGuard) abandon() bool {
	return g.state.CompareAndSwap(int32(GuardUnresolved), int32(GuardAbandoned))
}
