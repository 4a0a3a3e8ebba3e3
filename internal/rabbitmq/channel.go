package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	confirmBuffer = 256
	returnBuffer  = 64
)

// Channel adapts an amqp091 channel to transport.Channel. A single
// goroutine forwards confirms, returns, deliveries and the close
// notification to the EventHandler in the order amqp091 reports them.
type Channel struct {
	id      string
	mode    transport.Mode
	ch      *amqp.Channel
	handler transport.EventHandler
	logger  *slog.Logger

	consumers chan (<-chan amqp.Delivery)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func openChannel(conn *amqp.Connection, id string, mode transport.Mode, handler transport.EventHandler, logger *slog.Logger) (*Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: id,
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, brokerError(err)),
			Timestamp: time.Now(),
		}
	}

	if mode == transport.ConfirmMode {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{
				Op:        "confirm",
				ChannelID: id,
				Err:       fmt.Errorf("%w: %v", ErrConfirmModeFailed, brokerError(err)),
				Timestamp: time.Now(),
			}
		}
	}

	c := &Channel{
		id:        id,
		mode:      mode,
		ch:        ch,
		handler:   handler,
		logger:    logger.With("channel", id, "mode", mode.String()),
		consumers: make(chan (<-chan amqp.Delivery), 1),
		done:      make(chan struct{}),
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	returns := ch.NotifyReturn(make(chan amqp.Return, returnBuffer))
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	go c.forward(confirms, returns, closes)

	return c, nil
}

// ID returns the channel identifier
func (c *Channel) ID() string {
	return c.id
}

// Mode returns the mode the channel was opened in
func (c *Channel) Mode() transport.Mode {
	return c.mode
}

// Publish publishes without waiting for the confirm and returns the publish
// sequence number (0 outside confirm mode)
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) (uint64, error) {
	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, msg.Mandatory, false, amqp.Publishing{
		Headers:       amqp.Table(msg.Headers),
		ContentType:   msg.ContentType,
		DeliveryMode:  deliveryMode,
		Priority:      msg.Priority,
		CorrelationId: msg.CorrelationID,
		Expiration:    msg.Expiration,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	})
	if err != nil {
		return 0, &ChannelError{Op: "publish", ChannelID: c.id, Err: brokerError(err), Timestamp: time.Now()}
	}
	if dc == nil {
		return 0, nil
	}
	return dc.DeliveryTag, nil
}

// Qos sets the prefetch count for consumers on this channel
func (c *Channel) Qos(prefetchCount int) error {
	if err := c.ch.Qos(prefetchCount, 0, false); err != nil {
		return &ChannelError{Op: "qos", ChannelID: c.id, Err: brokerError(err), Timestamp: time.Now()}
	}
	return nil
}

// Consume starts a manual-ack consumer; deliveries reach the EventHandler
func (c *Channel) Consume(queue, consumerTag string, exclusive bool) error {
	deliveries, err := c.ch.Consume(queue, consumerTag, false, exclusive, false, false, nil)
	if err != nil {
		return &ChannelError{Op: "consume", ChannelID: c.id, Err: brokerError(err), Timestamp: time.Now()}
	}

	select {
	case c.consumers <- deliveries:
		return nil
	case <-c.done:
		return &ChannelError{Op: "consume", ChannelID: c.id, Err: contracts.ErrChannelClosed, Timestamp: time.Now()}
	}
}

// Cancel stops a consumer; deliveries already sent are still forwarded
func (c *Channel) Cancel(consumerTag string) error {
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return &ChannelError{Op: "cancel", ChannelID: c.id, Err: brokerError(err), Timestamp: time.Now()}
	}
	return nil
}

// Ack acknowledges a single delivery
func (c *Channel) Ack(deliveryTag uint64) error {
	return c.wrap("ack", c.ch.Ack(deliveryTag, false))
}

// Nack negatively acknowledges a single delivery
func (c *Channel) Nack(deliveryTag uint64, requeue bool) error {
	return c.wrap("nack", c.ch.Nack(deliveryTag, false, requeue))
}

// Reject rejects a single delivery
func (c *Channel) Reject(deliveryTag uint64, requeue bool) error {
	return c.wrap("reject", c.ch.Reject(deliveryTag, requeue))
}

// Close closes the channel. The EventHandler receives OnChannelClosed(nil).
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
		return &ChannelError{Op: "close", ChannelID: c.id, Err: brokerError(err), Timestamp: time.Now()}
	}
	return nil
}

func (c *Channel) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ChannelError{Op: op, ChannelID: c.id, Err: brokerError(err), Timestamp: time.Now()}
}

func (c *Channel) forward(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return, closes <-chan *amqp.Error) {
	defer close(c.done)

	var deliveries <-chan amqp.Delivery

	for {
		select {
		case d := <-c.consumers:
			deliveries = d

		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			c.handler.OnReturn(toReturn(r))

		case cf, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			// basic.return precedes the ack for the same message
			returns = c.drainReturns(returns)
			c.handler.OnConfirm(transport.Confirmation{DeliveryTag: cf.DeliveryTag, Ack: cf.Ack})

		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			c.handler.OnDelivery(toDelivery(d))

		case amqpErr, ok := <-closes:
			returns = c.drainReturns(returns)
			c.drainConfirms(confirms)

			var reason error
			if ok && amqpErr != nil {
				reason = brokerError(amqpErr)
				c.logger.Warn("channel closed by broker", "error", reason)
			}
			c.handler.OnChannelClosed(reason)
			return
		}
	}
}

func (c *Channel) drainReturns(returns <-chan amqp.Return) <-chan amqp.Return {
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				return nil
			}
			c.handler.OnReturn(toReturn(r))
		default:
			return returns
		}
	}
}

func (c *Channel) drainConfirms(confirms <-chan amqp.Confirmation) {
	for {
		select {
		case cf, ok := <-confirms:
			if !ok {
				return
			}
			c.handler.OnConfirm(transport.Confirmation{DeliveryTag: cf.DeliveryTag, Ack: cf.Ack})
		default:
			return
		}
	}
}

func toReturn(r amqp.Return) transport.Return {
	return transport.Return{
		ReplyCode:  r.ReplyCode,
		ReplyText:  r.ReplyText,
		Exchange:   r.Exchange,
		RoutingKey: r.RoutingKey,
		MessageID:  r.MessageId,
		Body:       r.Body,
	}
}

func toDelivery(d amqp.Delivery) transport.Delivery {
	return transport.Delivery{
		DeliveryTag:   d.DeliveryTag,
		ConsumerTag:   d.ConsumerTag,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		Body:          d.Body,
		MessageID:     d.MessageId,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		Headers:       map[string]interface{}(d.Headers),
		Persistent:    d.DeliveryMode == amqp.Persistent,
		Priority:      d.Priority,
		Timestamp:     d.Timestamp,
	}
}
