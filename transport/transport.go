// Package transport defines the Broker Transport boundary that the producer
// and consumer engines are built on.
//
// Implementations live in transports/rabbitmq (amqp091-go) and
// transports/inmemory.
package transport

import (
	"context"
	"time"

	"github.com/glimte/rabbitkit/topology"
)

// Mode selects how a channel is opened
type Mode int

const (
	// ConfirmMode puts the channel in publisher-confirm mode
	ConfirmMode Mode = iota
	// ManualAckMode opens a channel for consuming with explicit acknowledgments
	ManualAckMode
)

func (m Mode) String() string {
	if m == ConfirmMode {
		return "confirm"
	}
	return "manual-ack"
}

// Publishing is a message as handed to the transport
type Publishing struct {
	Body          []byte
	MessageID     string
	ContentType   string
	CorrelationID string
	Headers       map[string]interface{}
	Persistent    bool
	Priority      uint8
	Expiration    string
	Timestamp     time.Time
	Mandatory     bool
}

// Confirmation is a broker publisher confirm. Multiple means every sequence
// number up to and including DeliveryTag is covered.
type Confirmation struct {
	DeliveryTag uint64
	Multiple    bool
	Ack         bool
}

// Return is a mandatory publish the broker could not route
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	MessageID  string
	Body       []byte
}

// Delivery is a message pushed to a consumer
type Delivery struct {
	DeliveryTag   uint64
	ConsumerTag   string
	Exchange      string
	RoutingKey    string
	Redelivered   bool
	Body          []byte
	MessageID     string
	ContentType   string
	CorrelationID string
	Headers       map[string]interface{}
	Persistent    bool
	Priority      uint8
	Timestamp     time.Time
}

// EventHandler receives asynchronous channel events. Events for one channel
// are delivered sequentially, in broker order, on a single goroutine.
// OnChannelClosed is always the last event of a channel.
type EventHandler interface {
	OnConfirm(c Confirmation)
	OnReturn(r Return)
	OnDelivery(d Delivery)
	OnChannelClosed(err error)
}

// Channel is a single AMQP channel
type Channel interface {
	ID() string
	Mode() Mode
	// Publish hands a frame to the broker and returns its publish sequence
	// number. It does not wait for the confirm.
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) (uint64, error)
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string, exclusive bool) error
	Cancel(consumerTag string) error
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	Reject(deliveryTag uint64, requeue bool) error
	Close() error
}

// Transport is a logical connection to one broker virtual host. It owns
// transport-level reconnection.
type Transport interface {
	// OpenChannel waits for the connection (bounded by ctx) and opens a channel
	OpenChannel(ctx context.Context, mode Mode, handler EventHandler) (Channel, error)
	// Declare resolves a topology definition against the broker
	Declare(ctx context.Context, def topology.Definition) error
	// WaitConnected blocks until the connection is up or ctx is done
	WaitConnected(ctx context.Context) error
	IsConnected() bool
	Close() error
}
