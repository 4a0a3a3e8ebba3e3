// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitkit

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/transport"
	rabbitmqTransport "github.com/glimte/rabbitkit/transports/rabbitmq"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
)

var (
	// ErrContextClosed is returned for operations on a closed Context
	ErrContextClosed = errors.New("rabbitkit: context closed")
	// ErrDuplicateVHost is returned when a connection name is already in use
	ErrDuplicateVHost = errors.New("rabbitkit: vhost connection already exists")
	// ErrAsyncPanic is reported through a Future whose operation panicked
	ErrAsyncPanic = errors.New("rabbitkit: async operation panicked")
)

// TransportFactory creates the transport behind a VHost connection. It must
// return immediately and connect in the background.
type TransportFactory func(name string, info transport.VHostInfo, logger *slog.Logger) transport.Transport

// Context owns a set of VHost connections and the worker pool used for
// asynchronous producer and consumer creation
type Context struct {
	logger          *slog.Logger
	factory         TransportFactory
	connectTimeout  time.Duration
	shutdownTimeout time.Duration
	workers         int
	pool            *ants.Pool

	mu     sync.Mutex
	vhosts map[string]*VHost
	closed bool
}

// contextConfig holds context configuration
type contextConfig struct {
	logger          *slog.Logger
	factory         TransportFactory
	connectTimeout  time.Duration
	shutdownTimeout time.Duration
	workers         int
}

// ContextOption configures the context
type ContextOption func(*contextConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ContextOption {
	return func(cfg *contextConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTransportFactory replaces the amqp091-go transport
func WithTransportFactory(factory TransportFactory) ContextOption {
	return func(cfg *contextConfig) {
		cfg.factory = factory
	}
}

// WithAsyncWorkers bounds the number of concurrent asynchronous create
// operations
func WithAsyncWorkers(workers int) ContextOption {
	return func(cfg *contextConfig) {
		cfg.workers = workers
	}
}

// WithConnectTimeout bounds how long producer and consumer creation waits
// for the connection
func WithConnectTimeout(timeout time.Duration) ContextOption {
	return func(cfg *contextConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithShutdownTimeout bounds how long closing a VHost waits for consumers to
// resolve outstanding deliveries
func WithShutdownTimeout(timeout time.Duration) ContextOption {
	return func(cfg *contextConfig) {
		cfg.shutdownTimeout = timeout
	}
}

// NewContext creates a context. Connections are created with
// CreateVHostConnection.
func NewContext(options ...ContextOption) (*Context, error) {
	cfg := &contextConfig{
		logger:          slog.Default(),
		connectTimeout:  30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		workers:         16,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.factory == nil {
		cfg.factory = rabbitmqTransport.Factory()
	}

	pool, err := ants.NewPool(cfg.workers, ants.WithPanicHandler(func(p interface{}) {
		cfg.logger.Error("async operation panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Context{
		logger:          cfg.logger,
		factory:         cfg.factory,
		connectTimeout:  cfg.connectTimeout,
		shutdownTimeout: cfg.shutdownTimeout,
		workers:         cfg.workers,
		pool:            pool,
		vhosts:          make(map[string]*VHost),
	}, nil
}

// CreateVHostConnection creates a connection to info named name. It returns
// immediately; the connection is established in the background.
func (c *Context) CreateVHostConnection(name string, info transport.VHostInfo) (*VHost, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrContextClosed
	}
	if _, exists := c.vhosts[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateVHost, name)
	}

	logger := c.logger.With("vhost", name)
	v := &VHost{
		name:      name,
		info:      info,
		owner:     c,
		logger:    logger,
		transport: c.factory(name, info, logger),
		producers: make(map[*messaging.Producer]struct{}),
		consumers: make(map[*messaging.Consumer]struct{}),
	}
	c.vhosts[name] = v

	logger.Info("vhost connection created", "target", info.String())
	return v, nil
}

// CreateVHostConnectionFromURI parses uri and creates a connection to it
func (c *Context) CreateVHostConnectionFromURI(name, uri string) (*VHost, error) {
	info, err := ParseConnectionString(uri)
	if err != nil {
		return nil, err
	}
	return c.CreateVHostConnection(name, info)
}

// VHost returns the connection named name
func (c *Context) VHost(name string) (*VHost, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vhosts[name]
	return v, ok
}

// VHosts returns every connection, sorted by name
func (c *Context) VHosts() []*VHost {
	c.mu.Lock()
	defer c.mu.Unlock()

	vhosts := make([]*VHost, 0, len(c.vhosts))
	for _, v := range c.vhosts {
		vhosts = append(vhosts, v)
	}
	sort.Slice(vhosts, func(i, j int) bool { return vhosts[i].name < vhosts[j].name })
	return vhosts
}

// Close closes every connection and releases the worker pool
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	vhosts := make([]*VHost, 0, len(c.vhosts))
	for _, v := range c.vhosts {
		vhosts = append(vhosts, v)
	}
	c.mu.Unlock()

	var err error
	for _, v := range vhosts {
		err = multierr.Append(err, v.Close())
	}
	err = multierr.Append(err, c.pool.ReleaseTimeout(c.shutdownTimeout))
	return err
}

func (c *Context) forget(v *VHost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vhosts[v.name] == v {
		delete(c.vhosts, v.name)
	}
}

func (c *Context) submit(task func()) error {
	if err := c.pool.Submit(task); err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrContextClosed
		}
		return err
	}
	return nil
}
