package rabbitmq

import (
	"context"

	"github.com/glimte/rabbitkit/topology"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channelDeclarer declares topology on a dedicated channel. A failed
// declaration closes the AMQP channel, so it is never a publishing or
// consuming channel.
type channelDeclarer struct {
	ch *amqp.Channel
}

func (d *channelDeclarer) DeclareExchange(ctx context.Context, ex topology.Exchange) error {
	declare := d.ch.ExchangeDeclare
	if ex.Passive {
		declare = d.ch.ExchangeDeclarePassive
	}
	return brokerError(declare(
		ex.Name,
		string(ex.Kind),
		ex.Durable,
		ex.AutoDelete,
		ex.Internal,
		false, // no-wait
		amqp.Table(ex.Arguments),
	))
}

func (d *channelDeclarer) DeclareQueue(ctx context.Context, q topology.Queue) error {
	declare := d.ch.QueueDeclare
	if q.Passive {
		declare = d.ch.QueueDeclarePassive
	}
	_, err := declare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		amqp.Table(q.Arguments),
	)
	return brokerError(err)
}

func (d *channelDeclarer) BindQueue(ctx context.Context, b topology.QueueBinding) error {
	return brokerError(d.ch.QueueBind(
		b.Queue,
		b.RoutingKey,
		b.Exchange,
		false, // no-wait
		amqp.Table(b.Arguments),
	))
}

func (d *channelDeclarer) BindExchange(ctx context.Context, b topology.ExchangeBinding) error {
	return brokerError(d.ch.ExchangeBind(
		b.Destination,
		b.RoutingKey,
		b.Source,
		false, // no-wait
		amqp.Table(b.Arguments),
	))
}
