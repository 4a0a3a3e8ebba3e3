package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/reliability"
	"github.com/glimte/rabbitkit/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ConsumerFunc handles one delivery. It runs on the channel's event
// goroutine; the next delivery waits until it returns. The guard may be
// resolved later from another goroutine.
type ConsumerFunc func(guard *MessageGuard)

// ConsumerState is the consumer lifecycle state
type ConsumerState int

const (
	ConsumerActive ConsumerState = iota
	ConsumerClosing
	ConsumerClosed
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerActive:
		return "active"
	case ConsumerClosing:
		return "closing"
	case ConsumerClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConsumerState(%d)", int(s))
	}
}

// ConsumerEventType identifies a consumer lifecycle event
type ConsumerEventType int

const (
	// EventChannelClosed means deliveries stopped; unresolved guards were abandoned
	EventChannelClosed ConsumerEventType = iota
	// EventChannelRestored means the subscription is live again
	EventChannelRestored
)

func (t ConsumerEventType) String() string {
	if t == EventChannelClosed {
		return "channel-closed"
	}
	return "channel-restored"
}

// ConsumerEvent is passed to the handler registered with WithEventHandler
type ConsumerEvent struct {
	Type      ConsumerEventType
	Queue     string
	Err       error
	Abandoned int
}

// ConsumerStats is a snapshot of consumer counters
type ConsumerStats struct {
	Delivered  uint64
	Acked      uint64
	Nacked     uint64
	Rejected   uint64
	Abandoned  uint64
	Unresolved int
}

// UnacknowledgedError lists the deliveries still unresolved when a consumer
// closed
type UnacknowledgedError struct {
	Queue        string
	DeliveryTags []uint64
}

func (e *UnacknowledgedError) Error() string {
	tags := make([]string, len(e.DeliveryTags))
	for i, tag := range e.DeliveryTags {
		tags[i] = fmt.Sprintf("%d", tag)
	}
	return fmt.Sprintf("%v: queue '%s', delivery tags [%s]",
		contracts.ErrUnacknowledgedOnShutdown, e.Queue, strings.Join(tags, ", "))
}

func (e *UnacknowledgedError) Unwrap() error {
	return contracts.ErrUnacknowledgedOnShutdown
}

// DefaultPrefetch is the prefetch count applied when no option overrides it
const DefaultPrefetch = 10

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPrefetch bounds the number of unacknowledged deliveries on the channel
func WithPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithEventHandler receives channel lost and restored events
func WithEventHandler(handler func(ConsumerEvent)) ConsumerOption {
	return func(c *Consumer) {
		c.onEvent = handler
	}
}

// WithConsumerTag sets the consumer tag; a random one is used otherwise
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// WithExclusive requests exclusive access to the queue
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerBackoff sets the policy used to re-subscribe after the channel
// was lost
func WithConsumerBackoff(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = policy
	}
}

// Consumer streams deliveries from one queue over a manual-ack channel and
// tracks every delivery until its guard is resolved.
type Consumer struct {
	transport transport.Transport
	queue     string
	onMessage ConsumerFunc
	onEvent   func(ConsumerEvent)
	prefetch  int
	tag       string
	exclusive bool
	backoff   reliability.RetryPolicy
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      ConsumerState
	channel    transport.Channel
	generation uint64
	lostGen    uint64
	unresolved map[uint64]*MessageGuard
	settled    chan struct{}
	stats      ConsumerStats
}

// NewConsumer opens a manual-ack channel on t, applies prefetch and starts
// consuming queue
func NewConsumer(ctx context.Context, t transport.Transport, queue string, onMessage ConsumerFunc, options ...ConsumerOption) (*Consumer, error) {
	if onMessage == nil {
		return nil, fmt.Errorf("consumer for queue '%s' needs a message callback", queue)
	}

	settled := make(chan struct{})
	close(settled)

	c := &Consumer{
		transport:  t,
		queue:      queue,
		onMessage:  onMessage,
		prefetch:   DefaultPrefetch,
		backoff:    reliability.DefaultReconnectPolicy(),
		logger:     slog.Default(),
		unresolved: make(map[uint64]*MessageGuard),
		settled:    settled,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.tag == "" {
		c.tag = "rabbitkit-" + uuid.New().String()
	}
	c.logger = c.logger.With("component", "consumer", "queue", queue)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.subscribe(ctx); err != nil {
		c.cancel()
		c.mu.Lock()
		c.state = ConsumerClosed
		c.generation++
		c.mu.Unlock()
		return nil, err
	}

	c.logger.Debug("consumer started", "consumerTag", c.tag, "prefetch", c.prefetch)
	return c, nil
}

// Close cancels the subscription and waits, bounded by ctx, for unresolved
// deliveries to be resolved. Deliveries still unresolved are abandoned to
// the broker and reported as *UnacknowledgedError.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ConsumerActive {
		c.mu.Unlock()
		return nil
	}
	c.state = ConsumerClosing
	ch := c.channel
	c.mu.Unlock()

	c.cancel()

	var errs error
	if ch != nil {
		if err := ch.Cancel(c.tag); err != nil && !errors.Is(err, contracts.ErrChannelClosed) {
			errs = multierr.Append(errs, err)
		}
	}

wait:
	for {
		c.mu.Lock()
		if len(c.unresolved) == 0 {
			c.mu.Unlock()
			break
		}
		settled := c.settled
		c.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			break wait
		}
	}

	c.mu.Lock()
	c.state = ConsumerClosed
	c.generation++
	ch = c.channel
	c.channel = nil
	tags := c.abandonLocked()
	c.mu.Unlock()

	if ch != nil {
		errs = multierr.Append(errs, ch.Close())
	}

	if len(tags) > 0 {
		c.logger.Warn("consumer closed with unacknowledged deliveries", "count", len(tags))
		errs = multierr.Append(errs, &UnacknowledgedError{Queue: c.queue, DeliveryTags: tags})
	}

	c.logger.Debug("consumer closed")
	return errs
}

// Unresolved returns the delivery tags awaiting resolution, in order
func (c *Consumer) Unresolved() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]uint64, 0, len(c.unresolved))
	for tag := range c.unresolved {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// IsUnresolved reports whether deliveryTag awaits resolution
func (c *Consumer) IsUnresolved(deliveryTag uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.unresolved[deliveryTag]
	return ok
}

// Stats returns a snapshot of the consumer counters
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Unresolved = len(c.unresolved)
	return s
}

func (c *Consumer) Queue() string {
	return c.queue
}

func (c *Consumer) Tag() string {
	return c.tag
}

// State returns the lifecycle state
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLive reports whether the consumer currently has an open channel
func (c *Consumer) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil
}

func (c *Consumer) subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ConsumerActive {
		c.mu.Unlock()
		return contracts.ErrConsumerClosed
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	events := &consumerEvents{consumer: c, generation: gen}
	ch, err := c.transport.OpenChannel(ctx, transport.ManualAckMode, events)
	if err != nil {
		return err
	}
	// set before Consume; deliveries cannot arrive earlier
	events.channel = ch

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch); err != nil {
			_ = ch.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	if err := ch.Consume(c.queue, c.tag, c.exclusive); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to consume from queue '%s': %w", c.queue, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ConsumerActive {
		_ = ch.Close()
		return contracts.ErrConsumerClosed
	}
	if c.lostGen == gen || c.generation != gen {
		return fmt.Errorf("%w: lost while subscribing", contracts.ErrChannelClosed)
	}
	c.channel = ch
	return nil
}

func (c *Consumer) resubscribe() {
	err := reliability.Retry(c.ctx, c.backoff, func() error {
		return c.subscribe(c.ctx)
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("re-subscribing failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})

	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, contracts.ErrConsumerClosed) {
			c.logger.Error("giving up re-subscribing", "error", err)
		}
		return
	}

	c.logger.Info("consumer channel restored")
	c.emit(ConsumerEvent{Type: EventChannelRestored, Queue: c.queue})
}

func (c *Consumer) handleDelivery(gen uint64, ch transport.Channel, d transport.Delivery) {
	c.mu.Lock()
	if gen != c.generation || c.state != ConsumerActive {
		// left unacknowledged; the broker requeues it when the channel closes
		c.mu.Unlock()
		return
	}
	guard := newMessageGuard(c, ch, gen, d)
	if len(c.unresolved) == 0 {
		c.settled = make(chan struct{})
	}
	c.unresolved[d.DeliveryTag] = guard
	c.stats.Delivered++
	c.mu.Unlock()

	c.invoke(guard)
}

func (c *Consumer) invoke(guard *MessageGuard) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message callback panicked",
				"deliveryTag", guard.DeliveryTag(),
				"panic", r,
				"stack", string(debug.Stack()))
			if !guard.IsResolved() {
				if err := guard.Nack(true); err != nil {
					c.logger.Warn("failed to requeue after panic", "deliveryTag", guard.DeliveryTag(), "error", err)
				}
			}
		}
	}()
	c.onMessage(guard)
}

// settle records a guard resolution
func (c *Consumer) settle(g *MessageGuard, state GuardState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g.generation == c.generation && c.unresolved[g.DeliveryTag()] == g {
		delete(c.unresolved, g.DeliveryTag())
		if len(c.unresolved) == 0 {
			close(c.settled)
		}
	}

	switch state {
	case GuardAcked:
		c.stats.Acked++
	case GuardNacked:
		c.stats.Nacked++
	case GuardRejected:
		c.stats.Rejected++
	}
	if err != nil {
		c.logger.Warn("delivery resolution failed", "deliveryTag", g.DeliveryTag(), "state", state.String(), "error", err)
	}
}

func (c *Consumer) handleChannelClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	wasLive := c.channel != nil
	c.lostGen = gen
	c.channel = nil
	abandoned := len(c.abandonLocked())

	// a failed subscribe attempt is retried by its caller
	active := wasLive && c.state == ConsumerActive
	if active {
		go c.resubscribe()
	}
	c.mu.Unlock()

	if !active {
		return
	}

	c.logger.Warn("consumer channel lost", "abandoned", abandoned, "error", err)
	cause := contracts.ErrConsumerChannelClosed
	if err != nil {
		cause = fmt.Errorf("%w: %w", contracts.ErrConsumerChannelClosed, err)
	}
	c.emit(ConsumerEvent{Type: EventChannelClosed, Queue: c.queue, Err: cause, Abandoned: abandoned})
}

// abandonLocked gives every unresolved guard back to the broker and returns
// their delivery tags in order
func (c *Consumer) abandonLocked() []uint64 {
	var tags []uint64
	for tag, g := range c.unresolved {
		if g.abandon() {
			tags = append(tags, tag)
			c.stats.Abandoned++
		}
	}
	if len(c.unresolved) > 0 {
		c.unresolved = make(map[uint64]*MessageGuard)
		close(c.settled)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func (c *Consumer) emit(ev ConsumerEvent) {
	if c.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer event handler panicked", "event", ev.Type.String(), "panic", r)
		}
	}()
	c.onEvent(ev)
}

// consumerEvents binds transport events to one channel generation
type consumerEvents struct {
	consumer   *Consumer
	generation uint64
	channel    transport.Channel
}

func (e *consumerEvents) OnConfirm(transport.Confirmation) {}

func (e *consumerEvents) OnReturn(transport.Return) {}

func (e *consumerEvents) OnDelivery(d transport.Delivery) {
	e.consumer.handleDelivery(e.generation, e.channel, d)
}

func (e *consumerEvents) OnChannelClosed(err error) {
	e.consumer.handleChannelClosed(e.generation, err)
}
