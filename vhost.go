package rabbitkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
	"go.uber.org/multierr"
)

// VHost is one logical connection to a broker virtual host. Producers and
// consumers created from it share the connection and survive reconnects.
type VHost struct {
	name      string
	info      transport.VHostInfo
	owner     *Context
	logger    *slog.Logger
	transport transport.Transport

	mu        sync.Mutex
	producers map[*messaging.Producer]struct{}
	consumers map[*messaging.Consumer]struct{}
	closed    bool
}

// Name returns the connection name
func (v *VHost) Name() string {
	return v.name
}

// Info returns the connection target
func (v *VHost) Info() transport.VHostInfo {
	return v.info
}

// Transport returns the underlying broker transport
func (v *VHost) Transport() transport.Transport {
	return v.transport
}

// IsConnected reports whether the transport is connected
func (v *VHost) IsConnected() bool {
	return v.transport.IsConnected()
}

// WaitConnected blocks until the transport is connected or ctx is done
func (v *VHost) WaitConnected(ctx context.Context) error {
	return v.transport.WaitConnected(ctx)
}

// Declare resolves topo against the broker
func (v *VHost) Declare(ctx context.Context, topo *topology.Topology) error {
	ctx, cancel := v.boundContext(ctx)
	defer cancel()

	if err := v.transport.WaitConnected(ctx); err != nil {
		return err
	}
	return v.transport.Declare(ctx, topo.Definition())
}

// CreateProducer resolves topo and returns a producer publishing to
// exchange over a confirm-mode channel
func (v *VHost) CreateProducer(ctx context.Context, topo *topology.Topology, exchange topology.ExchangeHandle, maxOutstandingConfirms uint16, options ...messaging.ProducerOption) (*messaging.Producer, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	name, err := topo.ExchangeName(exchange)
	if err != nil {
		return nil, err
	}

	if err := v.Declare(ctx, topo); err != nil {
		return nil, fmt.Errorf("failed to resolve topology for producer: %w", err)
	}

	ctx, cancel := v.boundContext(ctx)
	defer cancel()

	options = append([]messaging.ProducerOption{messaging.WithProducerLogger(v.logger)}, options...)
	p, err := messaging.NewProducer(ctx, v.transport, name, maxOutstandingConfirms, options...)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		_ = p.Close()
		return nil, fmt.Errorf("%w: vhost %s closed", contracts.ErrConnectionUnavailable, v.name)
	}
	v.producers[p] = struct{}{}
	v.mu.Unlock()

	return p, nil
}

// CreateProducerAsync queues CreateProducer on the context's worker pool
func (v *VHost) CreateProducerAsync(ctx context.Context, topo *topology.Topology, exchange topology.ExchangeHandle, maxOutstandingConfirms uint16, options ...messaging.ProducerOption) *Future[*messaging.Producer] {
	return runAsync(v.owner, func() (*messaging.Producer, error) {
		return v.CreateProducer(ctx, topo, exchange, maxOutstandingConfirms, options...)
	})
}

// CreateConsumer resolves topo and starts consuming queue over a manual-ack
// channel. onMessage is called for every delivery.
func (v *VHost) CreateConsumer(ctx context.Context, topo *topology.Topology, queue topology.QueueHandle, onMessage messaging.ConsumerFunc, options ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	name, err := topo.QueueName(queue)
	if err != nil {
		return nil, err
	}

	if err := v.Declare(ctx, topo); err != nil {
		return nil, fmt.Errorf("failed to resolve topology for consumer: %w", err)
	}

	ctx, cancel := v.boundContext(ctx)
	defer cancel()

	options = append([]messaging.ConsumerOption{messaging.WithConsumerLogger(v.logger)}, options...)
	c, err := messaging.NewConsumer(ctx, v.transport, name, onMessage, options...)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		_ = c.Close(context.Background())
		return nil, fmt.Errorf("%w: vhost %s closed", contracts.ErrConnectionUnavailable, v.name)
	}
	v.consumers[c] = struct{}{}
	v.mu.Unlock()

	return c, nil
}

// CreateConsumerAsync queues CreateConsumer on the context's worker pool
func (v *VHost) CreateConsumerAsync(ctx context.Context, topo *topology.Topology, queue topology.QueueHandle, onMessage messaging.ConsumerFunc, options ...messaging.ConsumerOption) *Future[*messaging.Consumer] {
	return runAsync(v.owner, func() (*messaging.Consumer, error) {
		return v.CreateConsumer(ctx, topo, queue, onMessage, options...)
	})
}

// Close closes every consumer, then every producer, then the transport
func (v *VHost) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	consumers := make([]*messaging.Consumer, 0, len(v.consumers))
	for c := range v.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*messaging.Producer, 0, len(v.producers))
	for p := range v.producers {
		producers = append(producers, p)
	}
	v.consumers = make(map[*messaging.Consumer]struct{})
	v.producers = make(map[*messaging.Producer]struct{})
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), v.owner.shutdownTimeout)
	defer cancel()

	var err error
	for _, c := range consumers {
		err = multierr.Append(err, c.Close(ctx))
	}
	for _, p := range producers {
		err = multierr.Append(err, p.Close())
	}
	err = multierr.Append(err, v.transport.Close())

	v.owner.forget(v)
	v.logger.Info("vhost connection closed")
	return err
}

func (v *VHost) checkOpen() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("%w: vhost %s closed", contracts.ErrConnectionUnavailable, v.name)
	}
	return nil
}

// boundContext applies the connect timeout unless ctx already has a deadline
func (v *VHost) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || v.owner.connectTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, v.owner.connectTimeout)
}
