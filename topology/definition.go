package topology

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Definition is an immutable snapshot of a Topology, in declaration order
type Definition struct {
	Exchanges        []Exchange
	Queues           []Queue
	QueueBindings    []QueueBinding
	ExchangeBindings []ExchangeBinding

	conflicts []error
}

// Validate reports conflicting declarations recorded while building the topology
func (d Definition) Validate() error {
	return multierr.Combine(d.conflicts...)
}

// IsEmpty reports whether there is nothing to declare
func (d Definition) IsEmpty() bool {
	return len(d.Exchanges) == 0 && len(d.Queues) == 0 &&
		len(d.QueueBindings) == 0 && len(d.ExchangeBindings) == 0
}

// Declarer performs single declarations against a broker. Declarations must
// be idempotent: declaring an entity that already exists with identical
// settings is a no-op.
type Declarer interface {
	DeclareExchange(ctx context.Context, exchange Exchange) error
	DeclareQueue(ctx context.Context, queue Queue) error
	BindQueue(ctx context.Context, binding QueueBinding) error
	BindExchange(ctx context.Context, binding ExchangeBinding) error
}

// DeclarationError describes the declaration that failed
type DeclarationError struct {
	Component string // exchange, queue, binding
	Name      string
	Op        string
	Err       error
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("rabbitkit topology error: failed to %s %s '%s': %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// Resolve declares the definition: exchanges first, then queues, then
// bindings. The default exchange and broker-reserved amq.* exchanges are
// never declared.
func Resolve(ctx context.Context, d Declarer, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	for _, ex := range def.Exchanges {
		if isReservedExchange(ex.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.DeclareExchange(ctx, ex); err != nil {
			return &DeclarationError{Component: "exchange", Name: ex.Name, Op: declareOp(ex.Passive), Err: err}
		}
	}

	for _, q := range def.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.DeclareQueue(ctx, q); err != nil {
			return &DeclarationError{Component: "queue", Name: q.Name, Op: declareOp(q.Passive), Err: err}
		}
	}

	for _, b := range def.ExchangeBindings {
		if err := d.BindExchange(ctx, b); err != nil {
			return &DeclarationError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s[%s]", b.Source, b.Destination, b.RoutingKey),
				Op:        "bind",
				Err:       err,
			}
		}
	}

	for _, b := range def.QueueBindings {
		if err := d.BindQueue(ctx, b); err != nil {
			return &DeclarationError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s[%s]", b.Exchange, b.Queue, b.RoutingKey),
				Op:        "bind",
				Err:       err,
			}
		}
	}

	return nil
}

func declareOp(passive bool) string {
	if passive {
		return "check"
	}
	return "declare"
}

func isReservedExchange(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}
