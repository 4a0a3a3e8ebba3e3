package inmemory

import (
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
)

// ConfirmPolicy controls when publisher confirms are sent
type ConfirmPolicy int

const (
	// AutoConfirm acks every routed publish immediately
	AutoConfirm ConfirmPolicy = iota
	// ManualConfirm holds confirms until ReleaseConfirms is called
	ManualConfirm
)

type exchange struct {
	decl             topology.Exchange
	queueBindings    []topology.QueueBinding
	exchangeBindings []topology.ExchangeBinding
}

type queue struct {
	decl      topology.Queue
	messages  []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange    string
	routingKey  string
	publishing  transport.Publishing
	redelivered bool
}

type consumer struct {
	tag     string
	channel *Channel
	queue   *queue
}

// Broker is an in-process AMQP-like broker for one virtual host
type Broker struct {
	mu            sync.Mutex
	exchanges     map[string]*exchange
	queues        map[string]*queue
	denied        map[string]struct{}
	confirmPolicy ConfirmPolicy
	channels      map[*Channel]struct{}
	logger        *slog.Logger
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithConfirmPolicy sets the initial confirm policy
func WithConfirmPolicy(policy ConfirmPolicy) BrokerOption {
	return func(b *Broker) {
		b.confirmPolicy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker with the default and amq.* exchanges
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		denied:    make(map[string]struct{}),
		channels:  make(map[*Channel]struct{}),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}

	for name, kind := range map[string]topology.Kind{
		"":           topology.Direct,
		"amq.direct": topology.Direct,
		"amq.fanout": topology.Fanout,
		"amq.topic":  topology.Topic,
		"amq.match":  topology.Headers,
	} {
		b.exchanges[name] = &exchange{decl: topology.Exchange{Name: name, Kind: kind, Durable: true}}
	}

	return b
}

// Deny makes every operation touching the named exchange or queue fail with
// ACCESS_REFUSED
func (b *Broker) Deny(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[name] = struct{}{}
}

// SetConfirmPolicy switches between automatic and held confirms
func (b *Broker) SetConfirmPolicy(policy ConfirmPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmPolicy = policy
}

// ReleaseConfirms sends every held confirm, one per publish, and returns
// how many were released
func (b *Broker) ReleaseConfirms(ack bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	released := 0
	for _, ch := range b.sortedChannelsLocked() {
		for _, seq := range ch.held {
			ch.emitLocked(func(h transport.EventHandler, seq uint64) func() {
				return func() { h.OnConfirm(transport.Confirmation{DeliveryTag: seq, Ack: ack}) }
			}(ch.handler, seq))
			released++
		}
		ch.held = nil
	}
	return released
}

// ReleaseConfirmsMultiple sends a single multiple=true confirm per channel
// covering every held publish
func (b *Broker) ReleaseConfirmsMultiple(ack bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	released := 0
	for _, ch := range b.sortedChannelsLocked() {
		if len(ch.held) == 0 {
			continue
		}
		last := ch.held[len(ch.held)-1]
		released += len(ch.held)
		ch.held = nil
		handler := ch.handler
		ch.emitLocked(func() {
			handler.OnConfirm(transport.Confirmation{DeliveryTag: last, Multiple: true, Ack: ack})
		})
	}
	return released
}

// HeldConfirms returns the number of confirms waiting for release
func (b *Broker) HeldConfirms() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for ch := range b.channels {
		n += len(ch.held)
	}
	return n
}

// QueueDepth returns the number of ready (undelivered) messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Unacked returns the number of delivered but unacknowledged messages of a queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for ch := range b.channels {
		for _, u := range ch.unacked {
			if u.queue.decl.Name == name {
				n++
			}
		}
	}
	return n
}

// ConsumerCount returns the number of consumers on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// ExchangeCount returns the number of exchanges, including the built-in ones
func (b *Broker) ExchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

// QueueCount returns the number of queues
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// BindingCount returns the number of queue and exchange bindings
func (b *Broker) BindingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ex := range b.exchanges {
		n += len(ex.queueBindings) + len(ex.exchangeBindings)
	}
	return n
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// OpenChannels returns the number of open channels across all transports
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *Broker) sortedChannelsLocked() []*Channel {
	channels := make([]*Channel, 0, len(b.channels))
	for ch := range b.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].seq < channels[j].seq })
	return channels
}

func (b *Broker) isDeniedLocked(name string) bool {
	_, ok := b.denied[name]
	return ok
}

// routeLocked returns the queues a publish reaches, following exchange
// bindings without visiting an exchange twice
func (b *Broker) routeLocked(exchangeName, routingKey string, headers map[string]interface{}) []*queue {
	if exchangeName == "" {
		if q, ok := b.queues[routingKey]; ok {
			return []*queue{q}
		}
		return nil
	}

	var matched []*queue
	seenQueues := make(map[*queue]bool)
	visited := make(map[string]bool)

	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true

		ex, ok := b.exchanges[name]
		if !ok {
			return
		}
		for _, binding := range ex.queueBindings {
			if !matches(ex.decl.Kind, binding.RoutingKey, binding.Arguments, routingKey, headers) {
				continue
			}
			if q, ok := b.queues[binding.Queue]; ok && !seenQueues[q] {
				seenQueues[q] = true
				matched = append(matched, q)
			}
		}
		for _, binding := range ex.exchangeBindings {
			if matches(ex.decl.Kind, binding.RoutingKey, binding.Arguments, routingKey, headers) {
				walk(binding.Destination)
			}
		}
	}
	walk(exchangeName)

	return matched
}

// dispatchLocked hands ready messages to consumers with spare prefetch,
// round-robin
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.channel.hasCapacityLocked() {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.messages[0]
		q.messages[0] = nil
		q.messages = q.messages[1:]
		target.channel.deliverLocked(target, msg)
	}
}

func matches(kind topology.Kind, bindingKey string, bindingArgs map[string]interface{}, routingKey string, headers map[string]interface{}) bool {
	switch kind {
	case topology.Fanout:
		return true
	case topology.Topic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	case topology.Headers:
		return headersMatch(bindingArgs, headers)
	default:
		return bindingKey == routingKey
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func headersMatch(bindingArgs, headers map[string]interface{}) bool {
	matchAny := bindingArgs["x-match"] == "any"
	checked := 0
	for k, v := range bindingArgs {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		checked++
		hv, ok := headers[k]
		equal := ok && reflect.DeepEqual(hv, v)
		if matchAny && equal {
			return true
		}
		if !matchAny && !equal {
			return false
		}
	}
	return !matchAny || checked == 0
}
