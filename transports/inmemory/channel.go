package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/transport"
)

type unackedDelivery struct {
	queue *queue
	msg   *message
}

// Channel implements transport.Channel against a Broker. All mutable state is
// guarded by the broker mutex.
type Channel struct {
	id        string
	seq       uint64
	mode      transport.Mode
	broker    *Broker
	transport *Transport
	handler   transport.EventHandler
	loop      *eventLoop
	logger    *slog.Logger

	closed      bool
	publishSeq  uint64
	held        []uint64
	prefetch    int
	deliveryTag uint64
	unacked     map[uint64]unackedDelivery
	consumers   map[string]*consumer
	consumerSeq int
}

// ID returns the channel identifier
func (c *Channel) ID() string {
	return c.id
}

// Mode returns the mode the channel was opened in
func (c *Channel) Mode() transport.Mode {
	return c.mode
}

// Publish routes the message and schedules its confirm. Failures caused by
// the target exchange close the channel asynchronously, as a broker would.
func (c *Channel) Publish(ctx context.Context, exchangeName, routingKey string, msg transport.Publishing) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return 0, contracts.ErrChannelClosed
	}

	c.publishSeq++
	seq := c.publishSeq

	if b.isDeniedLocked(exchangeName) {
		c.closeLocked(&transport.BrokerError{
			Code:   transport.AccessRefused,
			Text:   fmt.Sprintf("ACCESS_REFUSED - access to exchange '%s' refused", exchangeName),
			Server: true,
		})
		return seq, nil
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		c.closeLocked(&transport.BrokerError{
			Code:   transport.NotFound,
			Text:   fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName),
			Server: true,
		})
		return seq, nil
	}

	queues := b.routeLocked(exchangeName, routingKey, msg.Headers)
	if len(queues) == 0 && msg.Mandatory {
		ret := transport.Return{
			ReplyCode:  transport.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchangeName,
			RoutingKey: routingKey,
			MessageID:  msg.MessageID,
			Body:       msg.Body,
		}
		handler := c.handler
		c.emitLocked(func() { handler.OnReturn(ret) })
	}

	for _, q := range queues {
		q.messages = append(q.messages, &message{
			exchange:   exchangeName,
			routingKey: routingKey,
			publishing: msg,
		})
		b.dispatchLocked(q)
	}

	if c.mode == transport.ConfirmMode {
		if b.confirmPolicy == ManualConfirm {
			c.held = append(c.held, seq)
		} else {
			handler := c.handler
			c.emitLocked(func() {
				handler.OnConfirm(transport.Confirmation{DeliveryTag: seq, Ack: true})
			})
		}
	}

	return seq, nil
}

// Qos sets the prefetch count; zero means unlimited
func (c *Channel) Qos(prefetchCount int) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return contracts.ErrChannelClosed
	}
	c.prefetch = prefetchCount
	for _, cons := range c.consumers {
		b.dispatchLocked(cons.queue)
	}
	return nil
}

// Consume starts delivering messages from queue to this channel
func (c *Channel) Consume(queueName, consumerTag string, exclusive bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return contracts.ErrChannelClosed
	}

	if b.isDeniedLocked(queueName) {
		err := &transport.BrokerError{
			Code:   transport.AccessRefused,
			Text:   fmt.Sprintf("ACCESS_REFUSED - access to queue '%s' refused", queueName),
			Server: true,
		}
		c.closeLocked(err)
		return err
	}

	q, ok := b.queues[queueName]
	if !ok {
		err := &transport.BrokerError{
			Code:   transport.NotFound,
			Text:   fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName),
			Server: true,
		}
		c.closeLocked(err)
		return err
	}

	if exclusive && len(q.consumers) > 0 {
		err := &transport.BrokerError{
			Code:   transport.AccessRefused,
			Text:   fmt.Sprintf("ACCESS_REFUSED - queue '%s' in use, cannot consume exclusively", queueName),
			Server: true,
		}
		c.closeLocked(err)
		return err
	}

	if consumerTag == "" {
		c.consumerSeq++
		consumerTag = fmt.Sprintf("ctag-%s-%d", c.id, c.consumerSeq)
	}
	if _, exists := c.consumers[consumerTag]; exists {
		err := &transport.BrokerError{
			Code:   transport.NotAllowed,
			Text:   fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag),
			Server: true,
		}
		c.closeLocked(err)
		return err
	}

	cons := &consumer{tag: consumerTag, channel: c, queue: q}
	c.consumers[consumerTag] = cons
	q.consumers = append(q.consumers, cons)
	b.dispatchLocked(q)

	return nil
}

// Cancel stops a consumer. Unacknowledged deliveries stay pending.
func (c *Channel) Cancel(consumerTag string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return contracts.ErrChannelClosed
	}
	cons, ok := c.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(c.consumers, consumerTag)
	cons.queue.removeConsumer(cons)
	return nil
}

// Ack acknowledges a delivery
func (c *Channel) Ack(deliveryTag uint64) error {
	return c.settle(deliveryTag, false, false)
}

// Nack negatively acknowledges a delivery
func (c *Channel) Nack(deliveryTag uint64, requeue bool) error {
	return c.settle(deliveryTag, true, requeue)
}

// Reject rejects a delivery
func (c *Channel) Reject(deliveryTag uint64, requeue bool) error {
	return c.settle(deliveryTag, true, requeue)
}

func (c *Channel) settle(deliveryTag uint64, negative, requeue bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return contracts.ErrChannelClosed
	}

	u, ok := c.unacked[deliveryTag]
	if !ok {
		c.closeLocked(&transport.BrokerError{
			Code:   transport.PreconditionFailed,
			Text:   fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", deliveryTag),
			Server: true,
		})
		return nil
	}
	delete(c.unacked, deliveryTag)

	if negative && requeue {
		u.msg.redelivered = true
		u.queue.messages = append([]*message{u.msg}, u.queue.messages...)
	}

	b.dispatchLocked(u.queue)
	for _, cons := range c.consumers {
		if cons.queue != u.queue {
			b.dispatchLocked(cons.queue)
		}
	}
	return nil
}

// Close closes the channel gracefully. Unacknowledged deliveries are requeued.
func (c *Channel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	c.closeLocked(nil)
	return nil
}

func (c *Channel) emitLocked(fn func()) {
	c.loop.enqueue(fn)
}

func (c *Channel) hasCapacityLocked() bool {
	return !c.closed && (c.prefetch <= 0 || len(c.unacked) < c.prefetch)
}

func (c *Channel) deliverLocked(cons *consumer, msg *message) {
	c.deliveryTag++
	tag := c.deliveryTag
	c.unacked[tag] = unackedDelivery{queue: cons.queue, msg: msg}

	p := msg.publishing
	d := transport.Delivery{
		DeliveryTag:   tag,
		ConsumerTag:   cons.tag,
		Exchange:      msg.exchange,
		RoutingKey:    msg.routingKey,
		Redelivered:   msg.redelivered,
		Body:          p.Body,
		MessageID:     p.MessageID,
		ContentType:   p.ContentType,
		CorrelationID: p.CorrelationID,
		Headers:       p.Headers,
		Persistent:    p.Persistent,
		Priority:      p.Priority,
		Timestamp:     p.Timestamp,
	}
	handler := c.handler
	c.emitLocked(func() { handler.OnDelivery(d) })
}

// closeLocked tears the channel down: consumers are removed, unacknowledged
// deliveries are requeued in delivery order and OnChannelClosed is queued as
// the final event.
func (c *Channel) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true

	b := c.broker
	delete(b.channels, c)
	if c.transport != nil {
		delete(c.transport.channels, c)
	}

	affected := make(map[*queue]struct{})
	for tag, cons := range c.consumers {
		cons.queue.removeConsumer(cons)
		delete(c.consumers, tag)
	}

	tags := make([]uint64, 0, len(c.unacked))
	for tag := range c.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		u := c.unacked[tag]
		u.msg.redelivered = true
		u.queue.messages = append([]*message{u.msg}, u.queue.messages...)
		affected[u.queue] = struct{}{}
	}
	c.unacked = make(map[uint64]unackedDelivery)
	c.held = nil

	for q := range affected {
		b.dispatchLocked(q)
	}

	if err != nil {
		c.logger.Debug("channel closed by broker", "channelId", c.id, "error", err)
	}

	handler := c.handler
	c.loop.stopAfter(func() { handler.OnChannelClosed(err) })
}

func (q *queue) removeConsumer(cons *consumer) {
	for i, existing := range q.consumers {
		if existing == cons {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.next >= len(q.consumers) {
				q.next = 0
			}
			return
		}
	}
}
