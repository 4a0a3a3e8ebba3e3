package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Transport implements transport.Transport over amqp091-go
type Transport struct {
	manager *ConnectionManager
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

// NewTransport creates the transport and starts connecting in the background
func NewTransport(manager *ConnectionManager, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		manager:  manager,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
	manager.Start()
	return t
}

// Manager exposes the underlying connection manager
func (t *Transport) Manager() *ConnectionManager {
	return t.manager
}

// OpenChannel waits for the connection and opens a channel in mode
func (t *Transport) OpenChannel(ctx context.Context, mode transport.Mode, handler transport.EventHandler) (transport.Channel, error) {
	if err := t.manager.WaitForConnection(ctx); err != nil {
		return nil, err
	}

	conn, err := t.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	t.mu.Unlock()

	id := uuid.New().String()
	tracked := &trackingHandler{EventHandler: handler, transport: t, id: id}
	ch, err := openChannel(conn, id, mode, tracked, t.logger)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.channels[ch.ID()] = ch
	t.mu.Unlock()

	t.logger.Debug("channel opened", "channel", ch.ID(), "mode", mode.String())
	return ch, nil
}

// Declare resolves def on a short-lived channel
func (t *Transport) Declare(ctx context.Context, def topology.Definition) error {
	if def.IsEmpty() {
		return def.Validate()
	}
	if err := t.manager.WaitForConnection(ctx); err != nil {
		return err
	}

	conn, err := t.manager.GetConnection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ChannelError{
			Op:        "declare",
			ChannelID: "topology",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, brokerError(err)),
			Timestamp: time.Now(),
		}
	}
	defer ch.Close()

	return topology.Resolve(ctx, &channelDeclarer{ch: ch}, def)
}

// WaitConnected blocks until the connection is up
func (t *Transport) WaitConnected(ctx context.Context) error {
	return t.manager.WaitForConnection(ctx)
}

// IsConnected returns the connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes every open channel and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.channels = make(map[string]*Channel)
	t.mu.Unlock()

	var err error
	for _, ch := range channels {
		err = multierr.Append(err, ch.Close())
	}
	return multierr.Append(err, t.manager.Close())
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.channels, id)
	t.mu.Unlock()
}

// trackingHandler removes the channel from the transport once it is closed
type trackingHandler struct {
	transport.EventHandler
	transport *Transport
	id        string
}

func (h *trackingHandler) OnChannelClosed(err error) {
	h.transport.forget(h.id)
	h.EventHandler.OnChannelClosed(err)
}
