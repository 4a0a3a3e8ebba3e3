package inmemory

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
)

// declarer applies declarations to the broker with RabbitMQ's equivalence
// rules: redeclaring with identical settings is a no-op, different settings
// fail with PRECONDITION_FAILED and passive checks of missing entities fail
// with NOT_FOUND.
type declarer struct {
	broker *Broker
}

func (d *declarer) DeclareExchange(ctx context.Context, ex topology.Exchange) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isDeniedLocked(ex.Name) {
		return accessRefused("exchange", ex.Name)
	}

	existing, ok := b.exchanges[ex.Name]
	if ex.Passive {
		if !ok {
			return notFound("exchange", ex.Name)
		}
		return nil
	}
	if ok {
		if !equivalentExchange(existing.decl, ex) {
			return &transport.BrokerError{
				Code:   transport.PreconditionFailed,
				Text:   fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", ex.Name),
				Server: true,
			}
		}
		return nil
	}

	b.exchanges[ex.Name] = &exchange{decl: ex}
	return nil
}

func (d *declarer) DeclareQueue(ctx context.Context, q topology.Queue) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isDeniedLocked(q.Name) {
		return accessRefused("queue", q.Name)
	}

	existing, ok := b.queues[q.Name]
	if q.Passive {
		if !ok {
			return notFound("queue", q.Name)
		}
		return nil
	}
	if ok {
		if !equivalentQueue(existing.decl, q) {
			return &transport.BrokerError{
				Code:   transport.PreconditionFailed,
				Text:   fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", q.Name),
				Server: true,
			}
		}
		return nil
	}

	b.queues[q.Name] = &queue{decl: q}
	return nil
}

func (d *declarer) BindQueue(ctx context.Context, binding topology.QueueBinding) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[binding.Exchange]
	if !ok {
		return notFound("exchange", binding.Exchange)
	}
	if _, ok := b.queues[binding.Queue]; !ok {
		return notFound("queue", binding.Queue)
	}
	if binding.Exchange == "" {
		return accessRefused("exchange", binding.Exchange)
	}

	for _, existing := range ex.queueBindings {
		if existing.Queue == binding.Queue && existing.RoutingKey == binding.RoutingKey &&
			reflect.DeepEqual(existing.Arguments, binding.Arguments) {
			return nil
		}
	}
	ex.queueBindings = append(ex.queueBindings, binding)
	return nil
}

func (d *declarer) BindExchange(ctx context.Context, binding topology.ExchangeBinding) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.exchanges[binding.Source]
	if !ok {
		return notFound("exchange", binding.Source)
	}
	if _, ok := b.exchanges[binding.Destination]; !ok {
		return notFound("exchange", binding.Destination)
	}

	for _, existing := range src.exchangeBindings {
		if existing.Destination == binding.Destination && existing.RoutingKey == binding.RoutingKey &&
			reflect.DeepEqual(existing.Arguments, binding.Arguments) {
			return nil
		}
	}
	src.exchangeBindings = append(src.exchangeBindings, binding)
	return nil
}

func equivalentExchange(a, b topology.Exchange) bool {
	return a.Kind == b.Kind && a.Durable == b.Durable && a.AutoDelete == b.AutoDelete &&
		a.Internal == b.Internal && equalArgs(a.Arguments, b.Arguments)
}

func equivalentQueue(a, b topology.Queue) bool {
	return a.Durable == b.Durable && a.AutoDelete == b.AutoDelete &&
		a.Exclusive == b.Exclusive && equalArgs(a.Arguments, b.Arguments)
}

func equalArgs(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func notFound(component, name string) error {
	return &transport.BrokerError{
		Code:   transport.NotFound,
		Text:   fmt.Sprintf("NOT_FOUND - no %s '%s'", component, name),
		Server: true,
	}
}

func accessRefused(component, name string) error {
	return &transport.BrokerError{
		Code:   transport.AccessRefused,
		Text:   fmt.Sprintf("ACCESS_REFUSED - access to %s '%s' refused", component, name),
		Server: true,
	}
}
