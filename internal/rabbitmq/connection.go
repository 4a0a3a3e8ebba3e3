package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the AMQP connection to one virtual host and
// re-establishes it in the background when it drops
type ConnectionManager struct {
	url            string
	name           string
	dial           Dialer
	heartbeat      time.Duration
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	ready       chan struct{}
	started     bool
	closed      bool
	done        chan struct{}
	finished    chan struct{}
	lastErr     error // most recent failed dial
	failure     error // why run gave up

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectionName sets the connection_name client property shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of consecutive failed connection
// attempts; -1 retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager. Nothing is dialed
// until Start or Connect is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.DialConfig,
		heartbeat:      10 * time.Second,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Start connects in the background and keeps the connection alive until
// Close. It returns immediately.
func (cm *ConnectionManager) Start() {
	cm.mu.Lock()
	if cm.started || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.started = true
	cm.mu.Unlock()

	go cm.run()
}

// Connect starts the manager and blocks until the first connection is up
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.Start()
	return cm.WaitForConnection(ctx)
}

// WaitForConnection blocks until connected or ctx is done
func (cm *ConnectionManager) WaitForConnection(ctx context.Context) error {
	for {
		cm.mu.RLock()
		ready, closed := cm.ready, cm.closed
		cm.mu.RUnlock()

		if closed {
			return ErrConnectionClosed
		}

		select {
		case <-ready:
			if cm.IsConnected() {
				return nil
			}
		case <-cm.finished:
			cm.mu.RLock()
			failure := cm.failure
			cm.mu.RUnlock()
			if failure != nil {
				return failure
			}
			return &ConnectionError{
				Op:        "wait",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
			}
		case <-ctx.Done():
			cm.mu.RLock()
			lastErr := cm.lastErr
			cm.mu.RUnlock()
			err := ctx.Err()
			if lastErr != nil {
				err = fmt.Errorf("%w (last attempt: %w)", err, lastErr)
			}
			return &ConnectionError{
				Op:        "wait",
				URL:       SanitizeURL(cm.url),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	started := cm.started
	cm.mu.Unlock()

	if !started {
		close(cm.finished)
	}

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// run dials, waits for the connection to drop, and dials again
func (cm *ConnectionManager) run() {
	defer close(cm.finished)

	for {
		conn, err := cm.connectWithRetry()
		if err != nil {
			cm.mu.Lock()
			cm.failure = err
			cm.mu.Unlock()
			cm.notifyDisconnected(err)
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.conn = conn
		cm.isConnected = true
		cm.lastErr = nil
		close(cm.ready)
		cm.mu.Unlock()

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url), "name", cm.name)
		cm.notifyConnected()

		select {
		case amqpErr := <-notifyClose:
			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.ready = make(chan struct{})
			cm.mu.Unlock()

			var reason error = ErrConnectionClosed
			if amqpErr != nil {
				reason = brokerError(amqpErr)
			}
			cm.logger.Error("connection closed", "error", reason)
			cm.notifyDisconnected(reason)

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// connectWithRetry dials until it succeeds, the manager is closed, the
// broker refuses access, or maxRetries consecutive attempts fail
func (cm *ConnectionManager) connectWithRetry() (*amqp.Connection, error) {
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return nil, ErrConnectionClosed
		default:
		}

		if cm.maxRetries >= 0 && attempt > cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(startTime))
			return nil, &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
		}

		if attempt > 0 {
			delay := cm.calculateBackoff(attempt - 1)
			cm.logger.Info("attempting to reconnect",
				"attempt", attempt,
				"maxRetries", cm.maxRetries,
				"nextRetryIn", delay)
			cm.notifyReconnecting(attempt)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-cm.done:
				timer.Stop()
				return nil, ErrConnectionClosed
			}
		}

		conn, err := cm.dialOnce()
		if err == nil {
			if attempt > 0 {
				cm.logger.Info("successfully reconnected to RabbitMQ",
					"attempts", attempt+1,
					"duration", time.Since(startTime))
			}
			return conn, nil
		}

		cm.mu.Lock()
		cm.lastErr = err
		cm.mu.Unlock()

		// bad credentials or vhost permissions do not fix themselves
		if errors.Is(err, contracts.ErrBrokerRejected) {
			cm.logger.Error("broker refused access", "error", err, "url", SanitizeURL(cm.url))
			return nil, err
		}

		cm.logger.Error("connection attempt failed", "error", err, "attempt", attempt+1)
	}
}

func (cm *ConnectionManager) dialOnce() (*amqp.Connection, error) {
	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if cm.name != "" {
		config.Properties.SetClientConnectionName(cm.name)
	}

	go func() {
		conn, err := cm.dial(cm.url, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	timer := time.NewTimer(cm.dialTimeout)
	defer timer.Stop()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       brokerError(err),
			Timestamp: time.Now(),
			Attempts:  1,
		}
	case <-timer.C:
		// a late connection is closed so it does not leak
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute
	if attempt > 16 {
		attempt = 16
	}

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	// ±12.5% jitter
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
