package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
	"github.com/google/uuid"
)

// Transport implements transport.Transport as one connection to a Broker
type Transport struct {
	broker *Broker
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	ready     chan struct{}

	// guarded by broker.mu
	channels map[*Channel]struct{}
}

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// StartDisconnected creates the transport with the connection down until
// Connect is called
func StartDisconnected() TransportOption {
	return func(t *Transport) {
		t.connected = false
	}
}

var channelSeq struct {
	sync.Mutex
	n uint64
}

// NewTransport creates a connected transport to broker
func NewTransport(broker *Broker, options ...TransportOption) *Transport {
	t := &Transport{
		broker:    broker,
		logger:    broker.logger,
		connected: true,
		ready:     make(chan struct{}),
		channels:  make(map[*Channel]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.connected {
		close(t.ready)
	}
	return t
}

// Factory returns a constructor suitable for rabbitkit.WithTransportFactory.
// Every virtual host connection shares broker.
func Factory(broker *Broker, options ...TransportOption) func(name string, info transport.VHostInfo, logger *slog.Logger) transport.Transport {
	return func(name string, info transport.VHostInfo, logger *slog.Logger) transport.Transport {
		opts := append([]TransportOption{WithTransportLogger(logger)}, options...)
		return NewTransport(broker, opts...)
	}
}

// Broker returns the broker the transport is connected to
func (t *Transport) Broker() *Broker {
	return t.broker
}

// OpenChannel waits for the connection and opens a channel in mode
func (t *Transport) OpenChannel(ctx context.Context, mode transport.Mode, handler transport.EventHandler) (transport.Channel, error) {
	if err := t.WaitConnected(ctx); err != nil {
		return nil, err
	}

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !t.IsConnected() {
		return nil, fmt.Errorf("%w: connection dropped while opening channel", contracts.ErrConnectionUnavailable)
	}

	channelSeq.Lock()
	channelSeq.n++
	seq := channelSeq.n
	channelSeq.Unlock()

	ch := &Channel{
		id:        uuid.New().String(),
		seq:       seq,
		mode:      mode,
		broker:    b,
		transport: t,
		handler:   handler,
		loop:      newEventLoop(),
		logger:    t.logger,
		unacked:   make(map[uint64]unackedDelivery),
		consumers: make(map[string]*consumer),
	}
	b.channels[ch] = struct{}{}
	t.channels[ch] = struct{}{}

	t.logger.Debug("channel opened", "channelId", ch.id, "mode", mode.String())
	return ch, nil
}

// Declare resolves def against the broker
func (t *Transport) Declare(ctx context.Context, def topology.Definition) error {
	if err := t.WaitConnected(ctx); err != nil {
		return err
	}
	return topology.Resolve(ctx, &declarer{broker: t.broker}, def)
}

// WaitConnected blocks until the transport is connected or ctx is done
func (t *Transport) WaitConnected(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return fmt.Errorf("%w: transport closed", contracts.ErrConnectionUnavailable)
		}
		if t.connected {
			t.mu.Unlock()
			return nil
		}
		ready := t.ready
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", contracts.ErrConnectionUnavailable, ctx.Err())
		case <-ready:
		}
	}
}

// IsConnected reports whether the connection is up
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Disconnect simulates a connection drop: every channel of this transport is
// closed with CONNECTION_FORCED and OpenChannel blocks until Connect
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.ready = make(chan struct{})
	t.mu.Unlock()

	t.closeChannels(&transport.BrokerError{
		Code:   transport.ConnectionForced,
		Text:   "CONNECTION_FORCED - broker forced connection closure",
		Server: true,
	})
	t.logger.Info("connection lost")
}

// Connect restores a dropped connection
func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected || t.closed {
		return
	}
	t.connected = true
	close(t.ready)
	t.logger.Info("connection established")
}

// CloseChannel closes one channel with a broker error, as a channel
// exception would
func (t *Transport) CloseChannel(ch transport.Channel, err error) {
	c, ok := ch.(*Channel)
	if !ok {
		return
	}
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	c.closeLocked(err)
}

// ChannelCount returns the number of open channels on this transport
func (t *Transport) ChannelCount() int {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	return len(t.channels)
}

// Close closes every channel and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if !t.connected {
		close(t.ready)
	}
	t.connected = false
	t.mu.Unlock()

	t.closeChannels(nil)
	return nil
}

func (t *Transport) closeChannels(err error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := make([]*Channel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	for _, ch := range channels {
		ch.closeLocked(err)
	}
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Channel = (*Channel)(nil)
