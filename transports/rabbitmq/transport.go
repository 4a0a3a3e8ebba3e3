// Package rabbitmq provides the amqp091-go backed broker transport.
package rabbitmq

import (
	"log/slog"
	"time"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/transport"
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithLogger sets the logger for the connection and its channels
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionName sets the connection name reported to the broker
func WithConnectionName(name string) TransportOption {
	return WithConnectionOptions(rabbitmq.WithConnectionName(name))
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) TransportOption {
	return WithConnectionOptions(rabbitmq.WithReconnectDelay(delay))
}

// WithMaxRetries bounds consecutive failed reconnection attempts; -1 retries forever
func WithMaxRetries(retries int) TransportOption {
	return WithConnectionOptions(rabbitmq.WithMaxRetries(retries))
}

// NewTransport creates a transport for info. It returns immediately; the
// connection is established in the background.
func NewTransport(info transport.VHostInfo, options ...TransportOption) *rabbitmq.Transport {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(info.URL(), connOpts...)

	return rabbitmq.NewTransport(manager, cfg.Logger)
}

// Factory returns a constructor suitable for rabbitkit.WithTransportFactory
func Factory(options ...TransportOption) func(name string, info transport.VHostInfo, logger *slog.Logger) transport.Transport {
	return func(name string, info transport.VHostInfo, logger *slog.Logger) transport.Transport {
		opts := append([]TransportOption{WithLogger(logger), WithConnectionName(name)}, options...)
		return NewTransport(info, opts...)
	}
}
